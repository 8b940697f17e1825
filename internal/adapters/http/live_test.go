package http

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calmora/livebridge/internal/config"
	"github.com/calmora/livebridge/internal/session"
)

func newLiveTestServer(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	registry := session.NewRegistry()
	cfg := &config.Config{SessionMode: "mock", Model: "models/test-live", SampleRate: 16000}
	ctl := NewLiveWSController(cfg, registry)

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", c.Query("ct"))
		ctl.Handle(context.Background(), c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(registry.CloseAll)
	t.Cleanup(srv.Close)
	return srv, registry
}

func dialLive(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?ct=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestLiveHandleBindsSession(t *testing.T) {
	srv, registry := newLiveTestServer(t)

	conn := dialLive(t, srv, "tok-bind")
	defer conn.Close()

	require.Eventually(t, func() bool {
		_, ok := registry.Get("tok-bind")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, registry.Len())
}

func TestLiveReconnectKeepsReboundSession(t *testing.T) {
	srv, registry := newLiveTestServer(t)

	first := dialLive(t, srv, "tok-refresh")
	require.Eventually(t, func() bool {
		_, ok := registry.Get("tok-refresh")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	old, _ := registry.Get("tok-refresh")

	// Same token reconnects, as on a page refresh; the binding moves to the
	// fresh session.
	second := dialLive(t, srv, "tok-refresh")
	defer second.Close()
	require.Eventually(t, func() bool {
		got, ok := registry.Get("tok-refresh")
		return ok && got != old
	}, 2*time.Second, 10*time.Millisecond)
	rebound, _ := registry.Get("tok-refresh")

	// The stale connection unwinding must not tear down the rebound session.
	first.Close()
	time.Sleep(200 * time.Millisecond)

	got, ok := registry.Get("tok-refresh")
	require.True(t, ok)
	assert.Same(t, rebound, got)
	assert.Equal(t, 1, registry.Len())
}

func TestLiveCloseReleasesOwnSession(t *testing.T) {
	srv, registry := newLiveTestServer(t)

	conn := dialLive(t, srv, "tok-close")
	require.Eventually(t, func() bool {
		_, ok := registry.Get("tok-close")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return registry.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
