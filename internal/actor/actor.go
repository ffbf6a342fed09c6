package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/flowsync/internal/logger"
)

var (
	// ErrStopped is returned when sending to an actor that has been stopped.
	ErrStopped = errors.New("actor stopped")
	// ErrMailboxFull is returned by Tell when the mailbox has no free slot.
	ErrMailboxFull = errors.New("actor mailbox full")
	// ErrNoReplier is returned by Ask when the actor cannot answer queries.
	ErrNoReplier = errors.New("actor does not answer queries")
)

// Message represents a message sent to an actor
type Message interface {
	Type() string
}

// Actor processes messages one at a time on its own goroutine.
type Actor interface {
	// Receive processes a fire-and-forget message
	Receive(ctx context.Context, msg Message) error
	// Start is called once before the first message
	Start(ctx context.Context) error
	// Stop is called once after the last message
	Stop(ctx context.Context) error
}

// Replier is implemented by actors that answer Ask queries. Reply runs on
// the actor goroutine, interleaved with Receive in mailbox order.
type Replier interface {
	Reply(ctx context.Context, msg Message) (interface{}, error)
}

type result struct {
	value interface{}
	err   error
}

type envelope struct {
	msg   Message
	reply chan result // nil for Tell/Send
}

// Stats is a point-in-time view of an actor's mailbox and throughput.
type Stats struct {
	ID              string    `json:"id"`
	MailboxDepth    int       `json:"mailbox_depth"`
	MailboxCapacity int       `json:"mailbox_capacity"`
	Processed       int64     `json:"processed"`
	Errors          int64     `json:"errors"`
	LastActivity    time.Time `json:"last_activity,omitempty"`
	Running         bool      `json:"running"`
}

// Ref is a handle for delivering messages to a running actor.
type Ref struct {
	id      string
	actor   Actor
	mailbox chan envelope
	done    chan struct{}

	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool

	sequential bool
	sequenceMu sync.Mutex

	processed    atomic.Int64
	errors       atomic.Int64
	lastActivity atomic.Int64
}

// Option configures a Ref
type Option func(*Ref)

// WithSequentialProcessing makes Tell, Send and Ask run the actor inline on
// the caller's goroutine, serialized by a mutex, instead of through the
// mailbox. Message handling stays one-at-a-time; tests use it to observe
// effects without waiting.
func WithSequentialProcessing() Option {
	return func(ref *Ref) {
		ref.sequential = true
	}
}

// NewRef creates a reference for actor with the given mailbox size.
func NewRef(id string, actor Actor, mailboxSize int, opts ...Option) *Ref {
	if mailboxSize < 1 {
		mailboxSize = 1
	}
	ref := &Ref{
		id:      id,
		actor:   actor,
		mailbox: make(chan envelope, mailboxSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ref)
	}
	return ref
}

// ID returns the actor's ID
func (ref *Ref) ID() string {
	return ref.id
}

// Start starts the actor and, unless sequential, its processing loop.
func (ref *Ref) Start(ctx context.Context) error {
	ref.mu.Lock()
	defer ref.mu.Unlock()

	if ref.started {
		return fmt.Errorf("actor %s already started", ref.id)
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := ref.actor.Start(ctx); err != nil {
		cancel()
		return err
	}
	ref.ctx = ctx
	ref.cancel = cancel
	ref.started = true

	if ref.sequential {
		close(ref.done)
		return nil
	}
	go ref.run(ctx)
	return nil
}

// Stop cancels the processing loop, waits for the in-flight message and
// calls the actor's Stop. Messages still queued are discarded.
func (ref *Ref) Stop(ctx context.Context) error {
	ref.mu.Lock()
	if ref.stopped || !ref.started {
		ref.stopped = true
		ref.mu.Unlock()
		return nil
	}
	ref.stopped = true
	cancel := ref.cancel
	ref.mu.Unlock()

	cancel()

	select {
	case <-ref.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Serialize with any inline caller still inside Receive.
	ref.sequenceMu.Lock()
	defer ref.sequenceMu.Unlock()
	return ref.actor.Stop(ctx)
}

// Tell enqueues msg without blocking.
func (ref *Ref) Tell(msg Message) error {
	actorCtx, err := ref.accepting()
	if err != nil {
		return err
	}
	if ref.sequential {
		ref.receiveInline(actorCtx, msg)
		return nil
	}

	select {
	case ref.mailbox <- envelope{msg: msg}:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrMailboxFull, ref.id)
	}
}

// Send enqueues msg, blocking while the mailbox is full until ctx is done
// or the actor stops.
func (ref *Ref) Send(ctx context.Context, msg Message) error {
	actorCtx, err := ref.accepting()
	if err != nil {
		return err
	}
	if ref.sequential {
		ref.receiveInline(actorCtx, msg)
		return nil
	}
	return ref.enqueue(ctx, envelope{msg: msg})
}

// Ask delivers msg to the actor's Replier and waits for the answer.
func (ref *Ref) Ask(ctx context.Context, msg Message) (interface{}, error) {
	replier, ok := ref.actor.(Replier)
	if !ok {
		return nil, ErrNoReplier
	}

	actorCtx, err := ref.accepting()
	if err != nil {
		return nil, err
	}
	if ref.sequential {
		ref.sequenceMu.Lock()
		defer ref.sequenceMu.Unlock()
		ref.recordActivity()
		return replier.Reply(actorCtx, msg)
	}

	reply := make(chan result, 1)
	if err := ref.enqueue(ctx, envelope{msg: msg, reply: reply}); err != nil {
		return nil, err
	}

	select {
	case res := <-reply:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ref.done:
		// The loop may have answered just before exiting.
		select {
		case res := <-reply:
			return res.value, res.err
		default:
			return nil, fmt.Errorf("%w: %s", ErrStopped, ref.id)
		}
	}
}

// Stats returns mailbox and throughput counters.
func (ref *Ref) Stats() Stats {
	ref.mu.RLock()
	running := ref.started && !ref.stopped
	ref.mu.RUnlock()

	s := Stats{
		ID:              ref.id,
		MailboxDepth:    len(ref.mailbox),
		MailboxCapacity: cap(ref.mailbox),
		Processed:       ref.processed.Load(),
		Errors:          ref.errors.Load(),
		Running:         running,
	}
	if ts := ref.lastActivity.Load(); ts != 0 {
		s.LastActivity = time.Unix(0, ts)
	}
	return s
}

func (ref *Ref) accepting() (context.Context, error) {
	ref.mu.RLock()
	defer ref.mu.RUnlock()
	if ref.stopped || !ref.started {
		return nil, fmt.Errorf("%w: %s", ErrStopped, ref.id)
	}
	return ref.ctx, nil
}

func (ref *Ref) enqueue(ctx context.Context, env envelope) error {
	select {
	case ref.mailbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-ref.done:
		return fmt.Errorf("%w: %s", ErrStopped, ref.id)
	}
}

func (ref *Ref) receiveInline(ctx context.Context, msg Message) {
	ref.sequenceMu.Lock()
	defer ref.sequenceMu.Unlock()
	ref.handle(ctx, envelope{msg: msg})
}

func (ref *Ref) run(ctx context.Context) {
	defer close(ref.done)

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-ref.mailbox:
			ref.handle(ctx, env)
		}
	}
}

func (ref *Ref) handle(ctx context.Context, env envelope) {
	ref.recordActivity()

	if env.reply != nil {
		value, err := ref.actor.(Replier).Reply(ctx, env.msg)
		env.reply <- result{value: value, err: err}
		return
	}

	if err := ref.actor.Receive(ctx, env.msg); err != nil {
		ref.errors.Add(1)
		logger.Error("Actor %s error processing %s: %v", ref.id, env.msg.Type(), err)
	}
}

func (ref *Ref) recordActivity() {
	ref.processed.Add(1)
	ref.lastActivity.Store(time.Now().UnixNano())
}
