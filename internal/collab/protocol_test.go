package collab

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeKinds(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, msg Message)
	}{
		{
			name:  "join",
			frame: `{"type":"join","userId":"u1","workflowId":42,"data":{"name":"Ada","avatar":"a.png"},"timestamp":"2024-01-01T00:00:00Z"}`,
			check: func(t *testing.T, msg Message) {
				m := msg.(*JoinMessage)
				assert.Equal(t, "Ada", m.Name)
				assert.Equal(t, "a.png", m.Avatar)
				assert.Equal(t, "2024-01-01T00:00:00Z", m.Meta().ClientTime)
			},
		},
		{
			name:  "join without payload",
			frame: `{"type":"join","userId":"u1","workflowId":42}`,
			check: func(t *testing.T, msg Message) {
				assert.Empty(t, msg.(*JoinMessage).Name)
			},
		},
		{
			name:  "leave",
			frame: `{"type":"leave","userId":"u1","workflowId":42}`,
			check: func(t *testing.T, msg Message) {
				assert.IsType(t, &LeaveMessage{}, msg)
			},
		},
		{
			name:  "cursor",
			frame: `{"type":"cursor_move","userId":"u1","workflowId":42,"data":{"x":10,"y":20.5}}`,
			check: func(t *testing.T, msg Message) {
				assert.Equal(t, Cursor{X: 10, Y: 20.5}, msg.(*CursorMoveMessage).Cursor)
			},
		},
		{
			name:  "selection",
			frame: `{"type":"selection_change","userId":"u1","workflowId":42,"data":{"selection":["n1","n2"]}}`,
			check: func(t *testing.T, msg Message) {
				assert.Equal(t, []string{"n1", "n2"}, msg.(*SelectionChangeMessage).Selection)
			},
		},
		{
			name:  "chat",
			frame: `{"type":"chat_message","userId":"u1","workflowId":42,"data":{"message":"hi"}}`,
			check: func(t *testing.T, msg Message) {
				assert.Equal(t, "hi", msg.(*ChatMessage).Text)
			},
		},
		{
			name:  "node update",
			frame: `{"type":"node_update","userId":"u1","workflowId":42,"data":{"nodeId":"n1","changes":{"label":"Trim","position":{"x":1}}}}`,
			check: func(t *testing.T, msg Message) {
				m := msg.(*NodeUpdateMessage)
				assert.Equal(t, "n1", m.ID)
				assert.False(t, m.Deleted)
				assert.JSONEq(t, `"Trim"`, string(m.Changes["label"]))
				assert.JSONEq(t, `{"nodeId":"n1","changes":{"label":"Trim","position":{"x":1}}}`, string(m.Raw))
			},
		},
		{
			name:  "edge delete",
			frame: `{"type":"edge_update","userId":"u1","workflowId":42,"data":{"edgeId":"e1","deleted":true}}`,
			check: func(t *testing.T, msg Message) {
				m := msg.(*EdgeUpdateMessage)
				assert.Equal(t, "e1", m.ID)
				assert.True(t, m.Deleted)
				assert.Nil(t, m.Changes)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, "u1", msg.Meta().UserID)
			assert.Equal(t, int64(42), msg.Meta().WorkflowID)
			tt.check(t, msg)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	frames := map[string]string{
		"not json":          `{"type":`,
		"missing type":      `{"userId":"u1","workflowId":1}`,
		"missing user":      `{"type":"leave","workflowId":1}`,
		"zero workflow":     `{"type":"leave","userId":"u1","workflowId":0}`,
		"string workflow":   `{"type":"leave","userId":"u1","workflowId":"1"}`,
		"cursor without y":  `{"type":"cursor_move","userId":"u1","workflowId":1,"data":{"x":1}}`,
		"cursor missing":    `{"type":"cursor_move","userId":"u1","workflowId":1}`,
		"empty chat":        `{"type":"chat_message","userId":"u1","workflowId":1,"data":{"message":""}}`,
		"selection object":  `{"type":"selection_change","userId":"u1","workflowId":1,"data":{"selection":{}}}`,
		"update no payload": `{"type":"node_update","userId":"u1","workflowId":1}`,
		"update bad id":     `{"type":"edge_update","userId":"u1","workflowId":1,"data":{"edgeId":5}}`,
		"update array":      `{"type":"node_update","userId":"u1","workflowId":1,"data":[1]}`,
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"type":"wave","userId":"u1","workflowId":1}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.NotErrorIs(t, err, ErrMalformed)
}

func TestEventOmitsIrrelevantFields(t *testing.T) {
	data, err := json.Marshal(Event{
		Type:       EventCursorUpdated,
		WorkflowID: 3,
		UserID:     "u1",
		Cursor:     &Cursor{X: 1, Y: 2},
		Timestamp:  "2024-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"cursor_updated","workflowId":3,"userId":"u1","cursor":{"x":1,"y":2},"timestamp":"2024-01-01T00:00:00Z"}`, string(data))
}
