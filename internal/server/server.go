// Package server provides the HTTP harness for ddpd, built on Echo
// v4. It hosts the WebSocket endpoint the DDP state machine runs over,
// the minimal SockJS info contract clients poll before connecting, and
// a health endpoint. Socket handling is deliberately thin: every
// protocol decision lives in internal/conn.
package server

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/ddp-host/ddpd/internal/config"
	"github.com/ddp-host/ddpd/internal/conn"
)

// wsUpgrader allows any origin — DDP's auth happens inside the
// protocol (the login method), not at the HTTP layer.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server wraps the Echo instance and the connection-layer dependencies.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	hub      *conn.Hub
	connDeps conn.Deps
}

// New creates a configured Echo server with all routes registered.
func New(cfg *config.Config, hub *conn.Hub, deps conn.Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true // We log the listen address ourselves.

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s := &Server{
		echo:     e,
		cfg:      cfg,
		hub:      hub,
		connDeps: deps,
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/websocket", s.handleWebSocket)
	s.echo.GET("/sockjs/info", s.handleSockJSInfo)
	s.echo.GET("/sockjs/websocket", s.handleWebSocket)
	s.echo.GET("/healthz", s.handleHealthz)
}

// handleSockJSInfo answers the capability probe SockJS clients issue
// before opening a transport. ddpd only offers the raw WebSocket
// transport, so the answer is static.
func (s *Server) handleSockJSInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"websocket":     true,
		"origins":       []string{"*:*"},
		"cookie_needed": false,
		"entropy":       0,
	})
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.hub.Len(),
	})
}

// handleWebSocket upgrades the request and runs one DDP connection to
// completion: a write goroutine drains the session's ordered TX buffer
// while this goroutine reads client frames and feeds the state
// machine. Either side failing tears the connection down.
func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return nil
	}
	defer ws.Close()

	ctx := c.Request().Context()

	sess := conn.NewSession(s.connDeps, c.RealIP())
	s.hub.Add(sess)
	defer func() {
		s.hub.Remove(sess.ID)
		// The request context is done once the handler returns; teardown
		// uses a fresh one so the bookkeeping rows still get deleted.
		sess.Close(context.Background())
	}()

	// Write goroutine: drain ordered frames to the socket. A write
	// failure closes the socket, which the read loop notices.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for frame := range sess.Out() {
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				ws.Close()
				return
			}
		}
		// TX buffer closed (teardown or backpressure disconnect).
		ws.Close()
	}()

	if err := sess.Open(); err != nil {
		log.Printf("conn %s: open: %v", sess.ID, err)
		return nil
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			// A closed socket is not an error.
			break
		}
		if err := sess.Handle(ctx, data); err != nil {
			log.Printf("conn %s: %v", sess.ID, err)
			break
		}
	}

	sess.Close(context.Background())
	<-writeDone
	return nil
}

// Start begins listening for HTTP requests. It blocks until the context
// is cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s", s.cfg.ListenAddr)
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Println("Shutting down HTTP server...")
		return s.echo.Shutdown(context.Background())
	}
}
