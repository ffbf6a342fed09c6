package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// TestMessage is a simple test message type
type TestMessage struct {
	ID      string
	Content string
}

func (m *TestMessage) Type() string {
	return "test"
}

// ErrorMessage makes TestActor.Receive fail
type ErrorMessage struct{}

func (m *ErrorMessage) Type() string {
	return "error"
}

// CountQuery asks TestActor how many messages it has received
type CountQuery struct{}

func (CountQuery) Type() string {
	return "count_query"
}

// TestActor records what it receives. It answers CountQuery via Reply.
type TestActor struct {
	mu           sync.Mutex
	received     []Message
	startCalled  atomic.Bool
	stopCalled   atomic.Bool
	block        chan struct{}
	receiveCount atomic.Int32
}

func NewTestActor() *TestActor {
	return &TestActor{}
}

func (a *TestActor) Start(ctx context.Context) error {
	a.startCalled.Store(true)
	return nil
}

func (a *TestActor) Stop(ctx context.Context) error {
	a.stopCalled.Store(true)
	return nil
}

func (a *TestActor) Receive(ctx context.Context, msg Message) error {
	if a.block != nil {
		<-a.block
	}
	a.receiveCount.Add(1)
	if _, ok := msg.(*ErrorMessage); ok {
		return errors.New("boom")
	}
	a.mu.Lock()
	a.received = append(a.received, msg)
	a.mu.Unlock()
	return nil
}

func (a *TestActor) Reply(ctx context.Context, msg Message) (interface{}, error) {
	if _, ok := msg.(CountQuery); !ok {
		return nil, errors.New("unsupported query")
	}
	return int(a.receiveCount.Load()), nil
}

func (a *TestActor) Received() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Message(nil), a.received...)
}

// plainActor has no Reply method
type plainActor struct{}

func (plainActor) Receive(context.Context, Message) error { return nil }
func (plainActor) Start(context.Context) error            { return nil }
func (plainActor) Stop(context.Context) error             { return nil }
