package collab

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies an inbound message type
type Kind string

// Inbound message kinds
const (
	KindJoin            Kind = "join"
	KindLeave           Kind = "leave"
	KindCursorMove      Kind = "cursor_move"
	KindNodeUpdate      Kind = "node_update"
	KindEdgeUpdate      Kind = "edge_update"
	KindSelectionChange Kind = "selection_change"
	KindChatMessage     Kind = "chat_message"
)

// EventType identifies an outbound event
type EventType string

// Outbound event types
const (
	EventSessionState     EventType = "session_state"
	EventUserJoined       EventType = "user_joined"
	EventUserLeft         EventType = "user_left"
	EventCursorUpdated    EventType = "cursor_updated"
	EventNodeUpdated      EventType = "node_updated"
	EventEdgeUpdated      EventType = "edge_updated"
	EventSelectionChanged EventType = "selection_changed"
	EventChatMessage      EventType = "chat_message"
)

var (
	// ErrMalformed is returned for frames that cannot be decoded into a message.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownKind is returned for well-formed frames of a kind this server does not know.
	ErrUnknownKind = errors.New("unknown message kind")
)

// envelope is the wire form of every inbound message.
type envelope struct {
	Type       Kind            `json:"type"`
	UserID     string          `json:"userId"`
	WorkflowID int64           `json:"workflowId"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
}

// Header carries the fields common to every inbound message. ClientTime is
// advisory; the server's receipt order is authoritative.
type Header struct {
	UserID     string
	WorkflowID int64
	ClientTime string
}

// Message is a decoded inbound message. The set of implementations is
// closed: each one routes itself to the matching handler method, so a new
// kind does not compile until the dispatcher handles it.
type Message interface {
	Kind() Kind
	Meta() Header
	dispatch(h handler, ch Channel)
}

// handler has one method per message kind.
type handler interface {
	handleJoin(ch Channel, m *JoinMessage)
	handleLeave(ch Channel, m *LeaveMessage)
	handleCursorMove(ch Channel, m *CursorMoveMessage)
	handleNodeUpdate(ch Channel, m *NodeUpdateMessage)
	handleEdgeUpdate(ch Channel, m *EdgeUpdateMessage)
	handleSelectionChange(ch Channel, m *SelectionChangeMessage)
	handleChatMessage(ch Channel, m *ChatMessage)
}

// Cursor is a pointer position on the workflow canvas.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Patch is a field-level change set for one node or edge. A nil Patch in a
// graph overlay marks a deletion.
type Patch map[string]json.RawMessage

// JoinMessage admits a user into a workflow session.
type JoinMessage struct {
	Header
	Name   string
	Avatar string
}

// LeaveMessage removes a user from a workflow session.
type LeaveMessage struct {
	Header
}

// CursorMoveMessage reports the sender's cursor position.
type CursorMoveMessage struct {
	Header
	Cursor Cursor
}

// SelectionChangeMessage reports the sender's selected element IDs.
type SelectionChangeMessage struct {
	Header
	Selection []string
}

// ChatMessage is a chat line from the sender.
type ChatMessage struct {
	Header
	Text string
}

// GraphChange is the payload shared by node and edge updates. Raw is the
// data object as received and is forwarded verbatim to peers.
type GraphChange struct {
	ID      string
	Changes Patch
	Deleted bool
	Raw     json.RawMessage
}

// NodeUpdateMessage mutates a workflow node.
type NodeUpdateMessage struct {
	Header
	GraphChange
}

// EdgeUpdateMessage mutates a workflow edge.
type EdgeUpdateMessage struct {
	Header
	GraphChange
}

func (m *JoinMessage) Kind() Kind            { return KindJoin }
func (m *LeaveMessage) Kind() Kind           { return KindLeave }
func (m *CursorMoveMessage) Kind() Kind      { return KindCursorMove }
func (m *NodeUpdateMessage) Kind() Kind      { return KindNodeUpdate }
func (m *EdgeUpdateMessage) Kind() Kind      { return KindEdgeUpdate }
func (m *SelectionChangeMessage) Kind() Kind { return KindSelectionChange }
func (m *ChatMessage) Kind() Kind            { return KindChatMessage }

// Meta returns the common header.
func (h Header) Meta() Header { return h }

func (m *JoinMessage) dispatch(h handler, ch Channel)       { h.handleJoin(ch, m) }
func (m *LeaveMessage) dispatch(h handler, ch Channel)      { h.handleLeave(ch, m) }
func (m *CursorMoveMessage) dispatch(h handler, ch Channel) { h.handleCursorMove(ch, m) }
func (m *NodeUpdateMessage) dispatch(h handler, ch Channel) { h.handleNodeUpdate(ch, m) }
func (m *EdgeUpdateMessage) dispatch(h handler, ch Channel) { h.handleEdgeUpdate(ch, m) }
func (m *SelectionChangeMessage) dispatch(h handler, ch Channel) {
	h.handleSelectionChange(ch, m)
}
func (m *ChatMessage) dispatch(h handler, ch Channel) { h.handleChatMessage(ch, m) }

// Decode parses one inbound frame. It returns ErrMalformed (wrapped) for
// frames that are not a valid envelope or whose payload does not fit the
// kind, and ErrUnknownKind for kinds this server does not handle.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	hdr := Header{UserID: env.UserID, WorkflowID: env.WorkflowID, ClientTime: env.Timestamp}

	var msg Message
	var err error
	switch env.Type {
	case KindJoin:
		msg, err = decodeJoin(hdr, env.Data)
	case KindLeave:
		msg = &LeaveMessage{Header: hdr}
	case KindCursorMove:
		msg, err = decodeCursor(hdr, env.Data)
	case KindSelectionChange:
		msg, err = decodeSelection(hdr, env.Data)
	case KindChatMessage:
		msg, err = decodeChat(hdr, env.Data)
	case KindNodeUpdate:
		var change GraphChange
		change, err = decodeGraphChange(env.Data, "nodeId")
		msg = &NodeUpdateMessage{Header: hdr, GraphChange: change}
	case KindEdgeUpdate:
		var change GraphChange
		change, err = decodeGraphChange(env.Data, "edgeId")
		msg = &EdgeUpdateMessage{Header: hdr, GraphChange: change}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}

	// Identity is trusted but must be present to route anything.
	if hdr.UserID == "" {
		return nil, fmt.Errorf("%w: %s: missing userId", ErrMalformed, env.Type)
	}
	if hdr.WorkflowID <= 0 {
		return nil, fmt.Errorf("%w: %s: invalid workflowId %d", ErrMalformed, env.Type, hdr.WorkflowID)
	}
	return msg, nil
}

func isNull(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeJoin(hdr Header, data json.RawMessage) (Message, error) {
	msg := &JoinMessage{Header: hdr}
	if isNull(data) {
		return msg, nil
	}
	var payload struct {
		Name   string `json:"name"`
		Avatar string `json:"avatar"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	msg.Name = payload.Name
	msg.Avatar = payload.Avatar
	return msg, nil
}

func decodeCursor(hdr Header, data json.RawMessage) (Message, error) {
	if isNull(data) {
		return nil, errors.New("missing cursor")
	}
	var payload struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	if payload.X == nil || payload.Y == nil {
		return nil, errors.New("cursor needs x and y")
	}
	return &CursorMoveMessage{Header: hdr, Cursor: Cursor{X: *payload.X, Y: *payload.Y}}, nil
}

func decodeSelection(hdr Header, data json.RawMessage) (Message, error) {
	msg := &SelectionChangeMessage{Header: hdr}
	if isNull(data) {
		return msg, nil
	}
	var payload struct {
		Selection []string `json:"selection"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	msg.Selection = payload.Selection
	return msg, nil
}

func decodeChat(hdr Header, data json.RawMessage) (Message, error) {
	if isNull(data) {
		return nil, errors.New("missing chat payload")
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	if payload.Message == "" {
		return nil, errors.New("empty chat message")
	}
	return &ChatMessage{Header: hdr, Text: payload.Message}, nil
}

func decodeGraphChange(data json.RawMessage, idField string) (GraphChange, error) {
	if isNull(data) {
		return GraphChange{}, errors.New("missing update payload")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return GraphChange{}, err
	}

	change := GraphChange{Raw: append(json.RawMessage(nil), data...)}
	if raw, ok := fields[idField]; ok {
		if err := json.Unmarshal(raw, &change.ID); err != nil {
			return GraphChange{}, fmt.Errorf("%s: %v", idField, err)
		}
	}
	if raw, ok := fields["changes"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &change.Changes); err != nil {
			return GraphChange{}, fmt.Errorf("changes: %v", err)
		}
	}
	if raw, ok := fields["deleted"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &change.Deleted); err != nil {
			return GraphChange{}, fmt.Errorf("deleted: %v", err)
		}
	}
	return change, nil
}

// Event is the single outbound envelope. Fields not relevant to Type are
// omitted from the encoding; an absent selection means an empty one.
type Event struct {
	Type       EventType        `json:"type"`
	WorkflowID int64            `json:"workflowId,omitempty"`
	UserID     string           `json:"userId,omitempty"`
	UserName   string           `json:"userName,omitempty"`
	Users      []Participant    `json:"users,omitempty"`
	Cursor     *Cursor          `json:"cursor,omitempty"`
	Selection  []string         `json:"selection,omitempty"`
	Data       json.RawMessage  `json:"data,omitempty"`
	Message    string           `json:"message,omitempty"`
	Version    int64            `json:"version,omitempty"`
	Nodes      map[string]Patch `json:"nodes,omitempty"`
	Edges      map[string]Patch `json:"edges,omitempty"`
	Timestamp  string           `json:"timestamp"`
}
