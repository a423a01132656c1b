package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/m7sim/pkg/logger"
)

func newTestServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(logger.Nop())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSendToUser(t *testing.T) {
	hub, srv := newTestServer(t)

	conn := dial(t, srv, "alice")
	require.Eventually(t, func() bool { return hub.Connected("alice") }, time.Second, 5*time.Millisecond)

	err := hub.SendToUser("alice", map[string]string{"status": "FILLED"})
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"FILLED"}`, string(data))
}

func TestSendToUser_OnlyTargetUser(t *testing.T) {
	hub, srv := newTestServer(t)

	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	require.Eventually(t, func() bool { return hub.SessionCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.SendToUser("bob", "hello bob"))

	_ = bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := bob.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `"hello bob"`, string(data))

	_ = alice.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = alice.ReadMessage()
	assert.Error(t, err, "alice must not receive bob's message")
}

func TestSendToUser_MultipleSessions(t *testing.T) {
	hub, srv := newTestServer(t)

	first := dial(t, srv, "carol")
	second := dial(t, srv, "carol")
	require.Eventually(t, func() bool { return hub.SessionCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.SendToUser("carol", 42))

	for _, c := range []*websocket.Conn{first, second} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "42", string(data))
	}
}

func TestSendToUser_NoSession(t *testing.T) {
	hub := NewHub(logger.Nop())
	err := hub.SendToUser("nobody", "x")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSendToUser_UnmarshalablePayload(t *testing.T) {
	hub := NewHub(logger.Nop())
	err := hub.SendToUser("alice", make(chan int))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoSession)
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, srv := newTestServer(t)

	conn := dial(t, srv, "dave")
	require.Eventually(t, func() bool { return hub.Connected("dave") }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return !hub.Connected("dave") }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, hub.SendToUser("dave", "late"), ErrNoSession)
}

func TestServeWS_RequiresUser(t *testing.T) {
	hub := NewHub(logger.Nop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	hub.ServeWS(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUserIDFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		header string
		want   string
	}{
		{"query wins", "?user_id=q", "h", "q"},
		{"header fallback", "", "h", "h"},
		{"trimmed", "?user_id=%20u%20", "", "u"},
		{"missing", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("X-User-ID", tt.header)
			}
			assert.Equal(t, tt.want, UserIDFromRequest(req))
		})
	}
}

func TestSlowSessionDropped(t *testing.T) {
	hub := NewHub(logger.Nop())
	s := &Session{userID: "erin", hub: hub, send: make(chan []byte, 1)}
	hub.register(s)

	require.NoError(t, hub.SendToUser("erin", 1))
	err := hub.SendToUser("erin", 2)
	assert.ErrorIs(t, err, ErrSlowSession)
	assert.False(t, hub.Connected("erin"))

	// channel closed after the buffered message is drained
	<-s.send
	_, ok := <-s.send
	assert.False(t, ok)
}
