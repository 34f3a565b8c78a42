// ddpd is a Distributed Data Protocol live-query server backed by
// PostgreSQL.
//
// It reads configuration from ddpd.json in the working directory,
// connects to PostgreSQL, bootstraps the bookkeeping schema, registers
// the host application's collections/publications/methods, starts the
// NOTIFY listener, and serves DDP over WebSocket.
//
// Usage:
//
//	./ddpd                    # reads ./ddpd.json, starts server
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ddp-host/ddpd/internal/alea"
	"github.com/ddp-host/ddpd/internal/auth"
	"github.com/ddp-host/ddpd/internal/config"
	"github.com/ddp-host/ddpd/internal/conn"
	"github.com/ddp-host/ddpd/internal/database"
	"github.com/ddp-host/ddpd/internal/mergebox"
	"github.com/ddp-host/ddpd/internal/objectmap"
	"github.com/ddp-host/ddpd/internal/registry"
	"github.com/ddp-host/ddpd/internal/router"
	"github.com/ddp-host/ddpd/internal/server"
	"github.com/ddp-host/ddpd/internal/store"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("ddpd starting...")

	// Load configuration.
	cfg, err := config.Load("ddpd.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (listen=%s db=%s/%s channel=%s)", cfg.ListenAddr, cfg.DBConn, cfg.DBName, cfg.NotifyChannel)

	// Root context cancelled on SIGINT or SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	// Open the database and bootstrap the bookkeeping schema.
	db, err := database.Open(ctx, cfg.ConnString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected, schema bootstrapped")

	if _, err := db.Pool.Exec(ctx, appSchema); err != nil {
		log.Fatalf("Failed to bootstrap application schema: %v", err)
	}

	// Register the host application, then freeze the registry — lookups
	// are lock-free from here on.
	reg := registry.New()
	tokens := auth.NewValidator(cfg.JWTSecret)
	registerApp(reg, tokens, cfg.AdminKey)
	reg.Freeze()

	// Wire the core: store adapter, object mapper, mergebox, router.
	adapter := store.New(db.Pool, reg)
	objmap := objectmap.New(db.Pool, alea.NewStream(nil))
	merge := mergebox.New(reg, adapter)
	rt := router.New(reg, adapter, objmap, cfg.NotifyChannel)
	adapter.SetChangeHook(rt.Route)

	hostname, _ := os.Hostname()
	deps := conn.Deps{
		Reg:        reg,
		Store:      adapter,
		Snap:       adapter,
		Merge:      merge,
		ObjMap:     objmap,
		DB:         db.Pool,
		Subs:       rt.Subs,
		Seen:       rt.Seen,
		ServerAddr: fmt.Sprintf("%s pid=%d %s", hostname, os.Getpid(), cfg.ListenAddr),
		Debug:      cfg.Debug,
	}

	hub := conn.NewHub()

	// The LISTEN task's death is fatal — the supervisor restarts us.
	go func() {
		if err := server.RunListener(ctx, db, cfg.NotifyChannel, hub); err != nil {
			log.Fatalf("NOTIFY listener died: %v", err)
		}
		cancel()
	}()

	// Start the HTTP server (blocks until context is cancelled).
	srv := server.New(cfg, hub, deps)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("ddpd stopped")
}
