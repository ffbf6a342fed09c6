package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/flowsync/internal/collab"
	"github.com/codefionn/flowsync/internal/config"
	"github.com/codefionn/flowsync/internal/consts"
)

func dialCollab(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws://" + env.server.Addr() + env.server.cfg.Server.CollabPath
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) collab.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev collab.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestCollaborationOverWebSocket(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.server.Start())

	alice := dialCollab(t, env)
	require.NoError(t, alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"join","userId":"alice","workflowId":3,"data":{"name":"Alice"}}`)))
	state := readEvent(t, alice)
	assert.Equal(t, collab.EventSessionState, state.Type)
	assert.Equal(t, int64(1), state.Version)
	require.Len(t, state.Users, 1)

	bob := dialCollab(t, env)
	require.NoError(t, bob.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"join","userId":"bob","workflowId":3,"data":{"name":"Bob"}}`)))
	state = readEvent(t, bob)
	assert.Equal(t, collab.EventSessionState, state.Type)
	assert.Len(t, state.Users, 2)

	joined := readEvent(t, alice)
	assert.Equal(t, collab.EventUserJoined, joined.Type)
	assert.Equal(t, "bob", joined.UserID)
	assert.Equal(t, "Bob", joined.UserName)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"cursor_move","userId":"alice","workflowId":3,"data":{"x":10,"y":20}}`)))
	moved := readEvent(t, bob)
	assert.Equal(t, collab.EventCursorUpdated, moved.Type)
	assert.Equal(t, "alice", moved.UserID)
	require.NotNil(t, moved.Cursor)
	assert.Equal(t, collab.Cursor{X: 10, Y: 20}, *moved.Cursor)

	require.Eventually(t, func() bool { return env.server.Hub().ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	// Dropping the socket without a leave frame still removes the participant.
	require.NoError(t, alice.Close())
	left := readEvent(t, bob)
	assert.Equal(t, collab.EventUserLeft, left.Type)
	assert.Equal(t, "alice", left.UserID)
	require.Len(t, left.Users, 1)
	assert.Equal(t, "bob", left.Users[0].ID)
}

func TestShutdownClosesConnections(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.server.Start())

	conn := dialCollab(t, env)
	require.Eventually(t, func() bool { return env.server.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	env.server.Hub().Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Equal(t, 0, env.server.Hub().ClientCount())
}

func TestShutdownArchivesJoinedSessions(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.server.Start())

	conn := dialCollab(t, env)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"join","userId":"alice","workflowId":9}`)))
	assert.Equal(t, collab.EventSessionState, readEvent(t, conn).Type)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.server.Stop(ctx))
	require.NoError(t, env.engine.Stop(ctx))

	history, err := env.store.SessionHistory(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].PeakParticipants)
}

func TestClientSendOverflowClosesClient(t *testing.T) {
	c := &Client{id: "slow", send: make(chan []byte, 1)}

	require.NoError(t, c.Send([]byte("one")))
	assert.ErrorIs(t, c.Send([]byte("two")), ErrSlowConsumer)
	assert.True(t, c.Closed())
	assert.ErrorIs(t, c.Send([]byte("three")), ErrClientClosed)

	// The buffered frame is still drained before the close is observed.
	msg, ok := <-c.send
	assert.True(t, ok)
	assert.Equal(t, "one", string(msg))
	_, ok = <-c.send
	assert.False(t, ok)
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no list", nil, "https://evil.example", true},
		{"wildcard", []string{"*"}, "https://evil.example", true},
		{"listed", []string{"https://app.example/"}, "https://APP.example", true},
		{"unlisted", []string{"https://app.example"}, "https://evil.example", false},
		{"no origin header", []string{"https://app.example"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws/collaboration", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(req))
		})
	}
}

func TestLimitsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Collab.SendBufferSize = 0
	cfg.Collab.MaxMessageSize = 0

	limits := limitsFromConfig(cfg)
	assert.Equal(t, 1, limits.sendBuffer)
	assert.Equal(t, cfg.PongWait()*9/10, limits.pingPeriod)
	assert.Less(t, limits.pingPeriod, limits.pongWait)
	assert.Equal(t, int64(consts.DefaultMaxMessageSize), limits.maxMessageSize)
}
