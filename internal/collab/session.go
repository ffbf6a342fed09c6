package collab

import (
	"sort"
	"time"
)

// Participant is one joined user. The channel is a transport resource and
// never part of the encoded roster.
type Participant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Avatar    string    `json:"avatar,omitempty"`
	Cursor    *Cursor   `json:"cursor,omitempty"`
	Selection []string  `json:"selection,omitempty"`
	LastSeen  time.Time `json:"-"`

	channel Channel
}

// Channel returns the connection the participant currently speaks through.
func (p *Participant) Channel() Channel {
	return p.channel
}

func (p *Participant) clone() Participant {
	c := *p
	c.channel = nil
	if p.Cursor != nil {
		cursor := *p.Cursor
		c.Cursor = &cursor
	}
	if p.Selection != nil {
		c.Selection = append([]string(nil), p.Selection...)
	}
	return c
}

// Session is the live collaboration state of one workflow.
type Session struct {
	WorkflowID   int64
	Version      int64
	CreatedAt    time.Time
	LastActivity time.Time

	participants map[string]*Participant
	peak         int
	nodes        map[string]Patch
	edges        map[string]Patch
}

func newSession(workflowID int64, now time.Time) *Session {
	return &Session{
		WorkflowID:   workflowID,
		Version:      1,
		CreatedAt:    now,
		LastActivity: now,
		participants: make(map[string]*Participant),
		nodes:        make(map[string]Patch),
		edges:        make(map[string]Patch),
	}
}

// Participant looks up a joined user.
func (s *Session) Participant(userID string) (*Participant, bool) {
	p, ok := s.participants[userID]
	return p, ok
}

// Len returns the roster size.
func (s *Session) Len() int {
	return len(s.participants)
}

// Roster returns copies of all participants ordered by user ID.
func (s *Session) Roster() []Participant {
	roster := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		roster = append(roster, p.clone())
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
	return roster
}

// put adds p, replacing any entry with the same user ID. The replaced entry
// is returned so its channel can be released.
func (s *Session) put(p *Participant) (*Participant, bool) {
	prev, existed := s.participants[p.ID]
	s.participants[p.ID] = p
	if len(s.participants) > s.peak {
		s.peak = len(s.participants)
	}
	return prev, existed
}

func (s *Session) remove(userID string) bool {
	if _, ok := s.participants[userID]; !ok {
		return false
	}
	delete(s.participants, userID)
	return true
}

func (s *Session) findChannel(ch Channel) (*Participant, bool) {
	for _, p := range s.participants {
		if p.channel == ch {
			return p, true
		}
	}
	return nil, false
}

// recipients lists the channels of everyone except the excluded user.
func (s *Session) recipients(exclude string) []Channel {
	out := make([]Channel, 0, len(s.participants))
	for id, p := range s.participants {
		if id == exclude {
			continue
		}
		out = append(out, p.channel)
	}
	return out
}

// applyNode merges a node change into the overlay.
func (s *Session) applyNode(change GraphChange) {
	applyChange(s.nodes, change)
}

// applyEdge merges an edge change into the overlay.
func (s *Session) applyEdge(change GraphChange) {
	applyChange(s.edges, change)
}

// applyChange merges field by field, later writes winning. Deletion leaves a
// nil tombstone so late joiners learn about it too.
func applyChange(overlay map[string]Patch, change GraphChange) {
	if change.ID == "" {
		return
	}
	if change.Deleted {
		overlay[change.ID] = nil
		return
	}
	current := overlay[change.ID]
	if current == nil {
		current = make(Patch, len(change.Changes))
		overlay[change.ID] = current
	}
	for field, value := range change.Changes {
		current[field] = value
	}
}

func copyOverlay(overlay map[string]Patch) map[string]Patch {
	if len(overlay) == 0 {
		return nil
	}
	out := make(map[string]Patch, len(overlay))
	for id, patch := range overlay {
		if patch == nil {
			out[id] = nil
			continue
		}
		cp := make(Patch, len(patch))
		for k, v := range patch {
			cp[k] = v
		}
		out[id] = cp
	}
	return out
}

// Snapshot is a detached copy of a session, safe to use off the dispatch
// goroutine.
type Snapshot struct {
	WorkflowID   int64            `json:"workflowId"`
	Version      int64            `json:"version"`
	Users        []Participant    `json:"users"`
	Nodes        map[string]Patch `json:"nodes,omitempty"`
	Edges        map[string]Patch `json:"edges,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	LastActivity time.Time        `json:"lastActivity"`
}

// Snapshot copies the session state.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		WorkflowID:   s.WorkflowID,
		Version:      s.Version,
		Users:        s.Roster(),
		Nodes:        copyOverlay(s.nodes),
		Edges:        copyOverlay(s.edges),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
}

// Summary is the short form of a session used in listings.
type Summary struct {
	WorkflowID   int64     `json:"workflowId"`
	Version      int64     `json:"version"`
	Users        int       `json:"users"`
	LastActivity time.Time `json:"lastActivity"`
}

// Registry maps workflow IDs to live sessions. It is not safe for concurrent
// use; an Engine owns it and touches it only from its dispatch goroutine.
type Registry struct {
	sessions map[int64]*Session
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[int64]*Session),
		now:      time.Now,
	}
}

// GetOrCreate returns the live session for workflowID, creating it with
// version 1 if none exists.
func (r *Registry) GetOrCreate(workflowID int64) *Session {
	if s, ok := r.sessions[workflowID]; ok {
		return s
	}
	s := newSession(workflowID, r.now())
	r.sessions[workflowID] = s
	return s
}

// Get returns the live session for workflowID. A miss means nobody is
// collaborating on that workflow.
func (r *Registry) Get(workflowID int64) (*Session, bool) {
	s, ok := r.sessions[workflowID]
	return s, ok
}

// Remove drops the session for workflowID. Removing an unknown ID is a no-op.
func (r *Registry) Remove(workflowID int64) {
	delete(r.sessions, workflowID)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// Each calls fn for every live session until fn returns false.
func (r *Registry) Each(fn func(*Session) bool) {
	for _, s := range r.sessions {
		if !fn(s) {
			return
		}
	}
}
