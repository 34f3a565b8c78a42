package server

import (
	"context"
	"fmt"
	"log"

	"github.com/ddp-host/ddpd/internal/conn"
	"github.com/ddp-host/ddpd/internal/database"
	"github.com/ddp-host/ddpd/internal/notifybus"
	"github.com/ddp-host/ddpd/internal/router"
)

// RunListener is the dedicated LISTEN task: it holds one
// unpooled connection, reassembles chunked NOTIFY payloads, and hands
// decoded envelopes to the hub for delivery on the sessions this
// process owns. It blocks until ctx is cancelled or the connection
// dies; a non-context error is fatal to the process (the supervisor
// restarts it).
func RunListener(ctx context.Context, db *database.DB, channel string, hub *conn.Hub) error {
	lc, err := db.ListenConn(ctx)
	if err != nil {
		return err
	}
	defer lc.Close(context.Background())

	if _, err := lc.Exec(ctx, "LISTEN "+channel); err != nil {
		return fmt.Errorf("server: listen %s: %w", channel, err)
	}
	log.Printf("Listening for changes on channel %q", channel)

	re := notifybus.NewReassembler()
	defer re.Discard()

	for {
		n, err := lc.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: wait for notification: %w", err)
		}

		payload, done, err := re.Feed(n.Payload)
		if err != nil {
			// Corrupt chunk: drop and move on.
			log.Printf("Listener: dropping malformed chunk: %v", err)
			continue
		}
		if !done {
			continue
		}

		env, err := router.ParseEnvelope(payload)
		if err != nil {
			log.Printf("Listener: dropping undecodable envelope: %v", err)
			continue
		}
		hub.Deliver(env)
	}
}
