package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddp-host/ddpd/internal/config"
	"github.com/ddp-host/ddpd/internal/conn"
)

func newTestServer() *Server {
	cfg := &config.Config{ListenAddr: ":0", NotifyChannel: "ddp"}
	return New(cfg, conn.NewHub(), conn.Deps{})
}

func TestSockJSInfo(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sockjs/info", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["websocket"])
	assert.Equal(t, false, body["cookie_needed"])
}

func TestHealthz(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["connections"])
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/websocket", nil))

	// A plain GET without upgrade headers is rejected by the upgrader.
	assert.NotEqual(t, http.StatusSwitchingProtocols, rec.Code)
}
