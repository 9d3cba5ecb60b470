package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-presence-service/internal/platform/auth"
	"github.com/tinywideclouds/go-presence-service/internal/test/fakes"
)

type streamFixture struct {
	ctx         context.Context
	server      *httptest.Server
	manager     *ConnectionManager
	coordinator *Coordinator
	bridge      *fakes.Bridge
}

func setupStream(t *testing.T, cfg StreamConfig) *streamFixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	bridge := fakes.NewBridge(zerolog.Nop())
	coordinator := NewCoordinator(CoordinatorConfig{GraceWindow: time.Hour}, fakes.NewDirectory(), bridge, nil, zerolog.Nop())
	manager := NewConnectionManager("0", auth.HeaderAuth, coordinator, cfg, zerolog.Nop())
	server := httptest.NewServer(manager.Handler())
	t.Cleanup(server.Close)
	t.Cleanup(coordinator.Close)

	return &streamFixture{ctx: ctx, server: server, manager: manager, coordinator: coordinator, bridge: bridge}
}

// readSSEEvent returns the next event name and data, skipping comments.
func readSSEEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && event != "":
			return event, data
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestConnectionManager_SSEStream(t *testing.T) {
	f := setupStream(t, StreamConfig{})

	req, err := http.NewRequestWithContext(f.ctx, http.MethodGet, f.server.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(auth.UserHeader, "user-1")
	req.Header.Set(auth.OrganizationHeader, "org-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	event, data := readSSEEvent(t, reader)
	assert.Equal(t, EventConnected, event)
	var hello connectedPayload
	require.NoError(t, json.Unmarshal([]byte(data), &hello))
	assert.Equal(t, "user-1", hello.UserID)

	require.True(t, f.coordinator.IsConnected("user-1"))
	require.Len(t, f.bridge.CheckIns(), 1)
	assert.Equal(t, "org-1", f.bridge.CheckIns()[0].OrganizationID)

	handles := f.coordinator.HandlesFor("user-1")
	require.Len(t, handles, 1)
	require.NoError(t, handles[0].Send("notification", []byte(`{"id":"n1"}`)))

	event, data = readSSEEvent(t, reader)
	assert.Equal(t, "notification", event)
	assert.JSONEq(t, `{"id":"n1"}`, data)

	require.NoError(t, resp.Body.Close())
	require.Eventually(t, func() bool {
		return f.coordinator.State("user-1") == StateGracePeriod
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionManager_SSEKeepAlive(t *testing.T) {
	f := setupStream(t, StreamConfig{KeepAlive: 20 * time.Millisecond})

	req, err := http.NewRequestWithContext(f.ctx, http.MethodGet, f.server.URL+"/events?userId=user-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	reader := bufio.NewReader(resp.Body)
	readSSEEvent(t, reader)

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": keepalive\n", line)
}

func TestConnectionManager_RejectsAnonymous(t *testing.T) {
	f := setupStream(t, StreamConfig{})

	resp, err := http.Get(f.server.URL + "/events")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, f.coordinator.ConnectedUserIDs())
}

func TestConnectionManager_WebSocketStream(t *testing.T) {
	f := setupStream(t, StreamConfig{})

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/connect"
	header := http.Header{}
	header.Set(auth.UserHeader, "user-1")
	header.Set(auth.OrganizationHeader, "org-1")
	ws, resp, err := websocket.DefaultDialer.DialContext(f.ctx, wsURL, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	var frame wsFrame
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, EventConnected, frame.Event)
	require.True(t, f.coordinator.IsConnected("user-1"))

	handles := f.coordinator.HandlesFor("user-1")
	require.Len(t, handles, 1)
	require.NoError(t, handles[0].Send("notification", []byte(`{"id":"n1"}`)))

	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, "notification", frame.Event)
	assert.JSONEq(t, `{"id":"n1"}`, string(frame.Data))

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		return !f.coordinator.IsConnected("user-1")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateGracePeriod, f.coordinator.State("user-1"))
}

func TestConnectionManager_CheckOrigin(t *testing.T) {
	cm := NewConnectionManager("0", auth.HeaderAuth, nil, StreamConfig{AllowedOrigins: []string{"https://app.example.com"}}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/connect", nil)
	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, cm.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, cm.checkOrigin(req))
}

func TestConnectionManager_ShutdownClosesStreams(t *testing.T) {
	f := setupStream(t, StreamConfig{})

	req, err := http.NewRequestWithContext(f.ctx, http.MethodGet, f.server.URL+"/events?userId=user-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	readSSEEvent(t, bufio.NewReader(resp.Body))

	require.NoError(t, f.manager.Shutdown(f.ctx))

	require.Eventually(t, func() bool {
		return !f.coordinator.IsConnected("user-1")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.bridge.CheckOuts())
}
