package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"stream-registry/internal/registry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2020, 11, 8, 0, 0, 0, 0, time.UTC)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readSnapshot(t *testing.T, conn *websocket.Conn) registry.Snapshot {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var snap registry.Snapshot
	require.NoError(t, json.Unmarshal(msg, &snap))
	return snap
}

func TestHub_sends_current_snapshot_on_connect(t *testing.T) {
	reg := registry.New(nil)
	reg.UpsertStream("icecast1", "sloop", epoch)

	hub := NewHub(nil, func() registry.Snapshot { return reg.Render(epoch) })
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	snap := readSnapshot(t, conn)
	require.Len(t, snap.Streams, 1)
	assert.Equal(t, "sloop", snap.Streams[0].Key)
	assert.Equal(t, epoch.Unix(), snap.GeneratedAt.Unix())
}

func TestHub_Publish(t *testing.T) {
	hub := NewHub(nil, func() registry.Snapshot { return registry.Snapshot{GeneratedAt: epoch} })
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	readSnapshot(t, conn)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	hub.Publish(registry.Snapshot{
		Transcoders: []registry.Transcoder{{Name: "loop-transcoder", LastUpdated: epoch}},
		GeneratedAt: epoch.Add(time.Minute),
	})

	snap := readSnapshot(t, conn)
	require.Len(t, snap.Transcoders, 1)
	assert.Equal(t, "loop-transcoder", snap.Transcoders[0].Name)
	assert.Equal(t, epoch.Add(time.Minute).Unix(), snap.GeneratedAt.Unix())
}

func TestHub_client_disconnect(t *testing.T) {
	hub := NewHub(nil, func() registry.Snapshot { return registry.Snapshot{} })
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	readSnapshot(t, conn)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(nil, func() registry.Snapshot { return registry.Snapshot{} })
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	readSnapshot(t, conn)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.Clients())

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// publishing with no clients is a no-op
	hub.Publish(registry.Snapshot{})
}

func dialWithOrigin(srv *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(url, http.Header{"Origin": {origin}})
}

func TestHub_origin_check(t *testing.T) {
	hub := NewHub(nil, func() registry.Snapshot { return registry.Snapshot{} })
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := dialWithOrigin(srv, srv.URL)
	require.NoError(t, err, "same origin must be accepted")
	conn.Close()

	_, resp, err := dialWithOrigin(srv, "http://elsewhere.example")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	hub.AllowOrigins(" https://monitor.c3voc.de/ ")
	conn, _, err = dialWithOrigin(srv, "https://monitor.c3voc.de")
	require.NoError(t, err, "configured origin must be accepted")
	conn.Close()

	_, _, err = dialWithOrigin(srv, "http://elsewhere.example")
	assert.Error(t, err)

	hub.AllowOrigins("*")
	conn, _, err = dialWithOrigin(srv, "http://elsewhere.example")
	require.NoError(t, err)
	conn.Close()
}
