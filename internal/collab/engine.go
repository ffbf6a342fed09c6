package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codefionn/flowsync/internal/actor"
	"github.com/codefionn/flowsync/internal/consts"
	"github.com/codefionn/flowsync/internal/logger"
)

// Options configures an Engine.
type Options struct {
	// MailboxSize bounds the number of queued frames and disconnects.
	MailboxSize int
	// Sequential runs every handler inline on the caller's goroutine.
	Sequential bool
	// Sink receives archives of reclaimed sessions. Nil disables archiving.
	Sink ArchiveSink
	// ArchiveTimeout bounds each ArchiveSession call.
	ArchiveTimeout time.Duration
	// Clock replaces time.Now.
	Clock func() time.Time
	// Logger defaults to the global logger with a "collab" prefix.
	Logger *logger.Logger
}

// Engine owns the session registry and processes every inbound frame and
// disconnect on a single actor goroutine.
type Engine struct {
	ref *actor.Ref
	d   *dispatcher
}

// NewEngine builds an engine. Call Start before delivering frames.
func NewEngine(opts Options) *Engine {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = consts.DefaultMailboxSize
	}
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = consts.Timeout10Seconds
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global().WithPrefix("collab")
	}

	registry := NewRegistry()
	registry.now = opts.Clock

	d := &dispatcher{
		registry:       registry,
		sink:           opts.Sink,
		archiveTimeout: opts.ArchiveTimeout,
		now:            opts.Clock,
		log:            opts.Logger,
	}

	var refOpts []actor.Option
	if opts.Sequential {
		refOpts = append(refOpts, actor.WithSequentialProcessing())
	}
	return &Engine{
		ref: actor.NewRef("collab-engine", d, opts.MailboxSize, refOpts...),
		d:   d,
	}
}

// Start begins processing.
func (e *Engine) Start(ctx context.Context) error {
	return e.ref.Start(ctx)
}

// Stop ends processing, archives sessions that are still live and waits for
// pending archive writes until ctx is done.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.ref.Stop(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		e.d.archives.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session archives: %w", ctx.Err())
	}
}

// Deliver queues one raw inbound frame received on ch. It blocks while the
// mailbox is full so a connection's frames keep their read order.
func (e *Engine) Deliver(ctx context.Context, ch Channel, frame []byte) error {
	return e.ref.Send(ctx, inboundFrame{ch: ch, data: frame})
}

// Disconnect reports that ch is gone. Whoever was joined through it leaves.
func (e *Engine) Disconnect(ctx context.Context, ch Channel) error {
	return e.ref.Send(ctx, disconnectNotice{ch: ch})
}

// Sessions lists live sessions ordered by workflow ID.
func (e *Engine) Sessions(ctx context.Context) ([]Summary, error) {
	res, err := e.ref.Ask(ctx, sessionsQuery{})
	if err != nil {
		return nil, err
	}
	return res.([]Summary), nil
}

// Snapshot returns a copy of the live session for workflowID. The boolean
// is false when nobody is collaborating on it.
func (e *Engine) Snapshot(ctx context.Context, workflowID int64) (Snapshot, bool, error) {
	res, err := e.ref.Ask(ctx, snapshotQuery{workflowID: workflowID})
	if err != nil {
		return Snapshot{}, false, err
	}
	r := res.(snapshotResult)
	return r.snapshot, r.found, nil
}

// Stats exposes the dispatch mailbox counters.
func (e *Engine) Stats() actor.Stats {
	return e.ref.Stats()
}

type inboundFrame struct {
	ch   Channel
	data []byte
}

func (inboundFrame) Type() string { return "inbound_frame" }

type disconnectNotice struct {
	ch Channel
}

func (disconnectNotice) Type() string { return "disconnect" }

type sessionsQuery struct{}

func (sessionsQuery) Type() string { return "sessions_query" }

type snapshotQuery struct {
	workflowID int64
}

func (snapshotQuery) Type() string { return "snapshot_query" }

type snapshotResult struct {
	snapshot Snapshot
	found    bool
}

// dispatcher is the actor behind Engine. Every method runs on the actor
// goroutine except the archive writers it spawns.
type dispatcher struct {
	registry       *Registry
	sink           ArchiveSink
	archiveTimeout time.Duration
	archives       sync.WaitGroup
	now            func() time.Time
	log            *logger.Logger
}

func (d *dispatcher) Start(ctx context.Context) error {
	d.log.Debug("engine started")
	return nil
}

func (d *dispatcher) Stop(ctx context.Context) error {
	now := d.now()
	var live []*Session
	d.registry.Each(func(s *Session) bool {
		live = append(live, s)
		return true
	})
	for _, s := range live {
		d.registry.Remove(s.WorkflowID)
		d.archive(s, now)
	}
	d.log.Info("engine stopped, %d live sessions closed", len(live))
	return nil
}

func (d *dispatcher) Receive(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case inboundFrame:
		d.route(m.ch, m.data)
	case disconnectNotice:
		d.disconnect(m.ch)
	default:
		return fmt.Errorf("unexpected message %s", msg.Type())
	}
	return nil
}

func (d *dispatcher) Reply(ctx context.Context, msg actor.Message) (interface{}, error) {
	switch m := msg.(type) {
	case sessionsQuery:
		out := make([]Summary, 0, d.registry.Len())
		d.registry.Each(func(s *Session) bool {
			out = append(out, Summary{
				WorkflowID:   s.WorkflowID,
				Version:      s.Version,
				Users:        s.Len(),
				LastActivity: s.LastActivity,
			})
			return true
		})
		sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
		return out, nil
	case snapshotQuery:
		s, ok := d.registry.Get(m.workflowID)
		if !ok {
			return snapshotResult{}, nil
		}
		return snapshotResult{snapshot: s.Snapshot(), found: true}, nil
	default:
		return nil, fmt.Errorf("unexpected query %s", msg.Type())
	}
}

func (d *dispatcher) route(ch Channel, frame []byte) {
	msg, err := Decode(frame)
	switch {
	case errors.Is(err, ErrUnknownKind):
		d.log.Debug("ignoring frame from %s: %v", channelID(ch), err)
		return
	case err != nil:
		d.log.Warn("dropping frame from %s: %v", channelID(ch), err)
		return
	}
	msg.dispatch(d, ch)
}

// member resolves the session and participant a message refers to.
func (d *dispatcher) member(kind Kind, hdr Header) (*Session, *Participant, bool) {
	s, ok := d.registry.Get(hdr.WorkflowID)
	if !ok {
		d.log.Debug("%s for workflow %d without session, dropped", kind, hdr.WorkflowID)
		return nil, nil, false
	}
	p, ok := s.Participant(hdr.UserID)
	if !ok {
		d.log.Debug("%s from %s not joined to workflow %d, dropped", kind, hdr.UserID, hdr.WorkflowID)
		return nil, nil, false
	}
	return s, p, true
}

func (d *dispatcher) handleJoin(ch Channel, m *JoinMessage) {
	// A channel speaks for one participant in one session at a time.
	if s, p, ok := d.bound(ch); ok && (s.WorkflowID != m.WorkflowID || p.ID != m.UserID) {
		d.log.Debug("channel %s moves from %s@%d to %s@%d", channelID(ch), p.ID, s.WorkflowID, m.UserID, m.WorkflowID)
		d.leave(s, p.ID)
	}

	now := d.now()
	s := d.registry.GetOrCreate(m.WorkflowID)
	name := m.Name
	if name == "" {
		name = m.UserID
	}
	prev, replaced := s.put(&Participant{
		ID:       m.UserID,
		Name:     name,
		Avatar:   m.Avatar,
		LastSeen: now,
		channel:  ch,
	})
	s.LastActivity = now

	if replaced {
		d.log.Info("%s rejoined workflow %d (channel %s replaces %s)", m.UserID, m.WorkflowID, channelID(ch), channelID(prev.channel))
	} else {
		d.log.Info("%s joined workflow %d (%d users)", m.UserID, m.WorkflowID, s.Len())
	}

	roster := s.Roster()
	d.unicast(ch, Event{
		Type:       EventSessionState,
		WorkflowID: s.WorkflowID,
		Users:      roster,
		Version:    s.Version,
		Nodes:      copyOverlay(s.nodes),
		Edges:      copyOverlay(s.edges),
	})
	d.broadcast(s, Event{
		Type:       EventUserJoined,
		WorkflowID: s.WorkflowID,
		UserID:     m.UserID,
		UserName:   name,
		Users:      roster,
	}, m.UserID)
}

func (d *dispatcher) handleLeave(ch Channel, m *LeaveMessage) {
	s, p, ok := d.member(m.Kind(), m.Header)
	if !ok {
		return
	}
	d.leave(s, p.ID)
}

func (d *dispatcher) handleCursorMove(ch Channel, m *CursorMoveMessage) {
	s, p, ok := d.member(m.Kind(), m.Header)
	if !ok {
		return
	}
	cursor := m.Cursor
	p.Cursor = &cursor
	p.LastSeen = d.now()

	d.broadcast(s, Event{
		Type:       EventCursorUpdated,
		WorkflowID: s.WorkflowID,
		UserID:     p.ID,
		UserName:   p.Name,
		Cursor:     &cursor,
	}, p.ID)
}

func (d *dispatcher) handleSelectionChange(ch Channel, m *SelectionChangeMessage) {
	s, p, ok := d.member(m.Kind(), m.Header)
	if !ok {
		return
	}
	selection := m.Selection
	if selection == nil {
		selection = []string{}
	}
	p.Selection = selection
	p.LastSeen = d.now()

	d.broadcast(s, Event{
		Type:       EventSelectionChanged,
		WorkflowID: s.WorkflowID,
		UserID:     p.ID,
		UserName:   p.Name,
		Selection:  append([]string(nil), selection...),
	}, p.ID)
}

func (d *dispatcher) handleChatMessage(ch Channel, m *ChatMessage) {
	s, p, ok := d.member(m.Kind(), m.Header)
	if !ok {
		return
	}
	p.LastSeen = d.now()

	d.broadcast(s, Event{
		Type:       EventChatMessage,
		WorkflowID: s.WorkflowID,
		UserID:     p.ID,
		UserName:   p.Name,
		Message:    m.Text,
	}, "")
}

func (d *dispatcher) handleNodeUpdate(ch Channel, m *NodeUpdateMessage) {
	s, ok := d.graphSession(m.Kind(), m.Header)
	if !ok {
		return
	}
	s.applyNode(m.GraphChange)
	d.broadcast(s, Event{
		Type:       EventNodeUpdated,
		WorkflowID: s.WorkflowID,
		UserID:     m.UserID,
		Data:       m.Raw,
		Version:    s.Version,
	}, m.UserID)
}

func (d *dispatcher) handleEdgeUpdate(ch Channel, m *EdgeUpdateMessage) {
	s, ok := d.graphSession(m.Kind(), m.Header)
	if !ok {
		return
	}
	s.applyEdge(m.GraphChange)
	d.broadcast(s, Event{
		Type:       EventEdgeUpdated,
		WorkflowID: s.WorkflowID,
		UserID:     m.UserID,
		Data:       m.Raw,
		Version:    s.Version,
	}, m.UserID)
}

// graphSession accepts a graph edit: the session must exist, and the
// version advances by one.
func (d *dispatcher) graphSession(kind Kind, hdr Header) (*Session, bool) {
	s, ok := d.registry.Get(hdr.WorkflowID)
	if !ok {
		d.log.Debug("%s for workflow %d without session, dropped", kind, hdr.WorkflowID)
		return nil, false
	}
	s.Version++
	s.LastActivity = d.now()
	return s, true
}

// leave removes userID from s and either reclaims the empty session or tells
// the remaining participants.
func (d *dispatcher) leave(s *Session, userID string) {
	p, ok := s.Participant(userID)
	if !ok {
		return
	}
	s.remove(userID)

	if s.Len() == 0 {
		d.registry.Remove(s.WorkflowID)
		d.log.Info("%s left workflow %d, session closed at version %d", userID, s.WorkflowID, s.Version)
		d.archive(s, d.now())
		return
	}

	d.log.Info("%s left workflow %d (%d users)", userID, s.WorkflowID, s.Len())
	d.broadcast(s, Event{
		Type:       EventUserLeft,
		WorkflowID: s.WorkflowID,
		UserID:     userID,
		UserName:   p.Name,
		Users:      s.Roster(),
	}, "")
}

// bound finds the participant currently speaking through ch.
func (d *dispatcher) bound(ch Channel) (*Session, *Participant, bool) {
	var (
		session     *Session
		participant *Participant
	)
	d.registry.Each(func(s *Session) bool {
		if p, ok := s.findChannel(ch); ok {
			session, participant = s, p
			return false
		}
		return true
	})
	return session, participant, session != nil
}

func (d *dispatcher) disconnect(ch Channel) {
	s, p, ok := d.bound(ch)
	if !ok {
		d.log.Debug("channel %s closed with no participant bound", channelID(ch))
		return
	}
	d.log.Debug("channel %s closed, %s leaves workflow %d", channelID(ch), p.ID, s.WorkflowID)
	d.leave(s, p.ID)
}

func (d *dispatcher) encode(ev Event) ([]byte, error) {
	if ev.Timestamp == "" {
		ev.Timestamp = d.now().UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(ev)
}

func (d *dispatcher) unicast(ch Channel, ev Event) {
	data, err := d.encode(ev)
	if err != nil {
		d.log.Error("encode %s: %v", ev.Type, err)
		return
	}
	d.send(ch, data, ev.Type)
}

// broadcast encodes ev once and hands it to every participant of s except
// exclude. A failing recipient does not stop the fan-out.
func (d *dispatcher) broadcast(s *Session, ev Event, exclude string) {
	recipients := s.recipients(exclude)
	if len(recipients) == 0 {
		return
	}
	data, err := d.encode(ev)
	if err != nil {
		d.log.Error("encode %s: %v", ev.Type, err)
		return
	}
	for _, ch := range recipients {
		d.send(ch, data, ev.Type)
	}
}

func (d *dispatcher) send(ch Channel, data []byte, typ EventType) {
	if ch == nil || ch.Closed() {
		return
	}
	if err := ch.Send(data); err != nil {
		d.log.Warn("send %s to %s: %v", typ, ch.ID(), err)
	}
}

func (d *dispatcher) archive(s *Session, ended time.Time) {
	if d.sink == nil {
		return
	}
	a := newArchive(s, ended)
	d.archives.Add(1)
	go func() {
		defer d.archives.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.archiveTimeout)
		defer cancel()
		if err := d.sink.ArchiveSession(ctx, a); err != nil {
			d.log.Error("archive workflow %d: %v", a.WorkflowID, err)
		}
	}()
}

func channelID(ch Channel) string {
	if ch == nil {
		return "<nil>"
	}
	return ch.ID()
}
