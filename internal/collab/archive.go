package collab

import (
	"context"
	"time"
)

// Archive is the record of a session kept after it is reclaimed.
type Archive struct {
	WorkflowID       int64            `json:"workflowId"`
	FinalVersion     int64            `json:"finalVersion"`
	PeakParticipants int              `json:"peakParticipants"`
	CreatedAt        time.Time        `json:"createdAt"`
	EndedAt          time.Time        `json:"endedAt"`
	Nodes            map[string]Patch `json:"nodes,omitempty"`
	Edges            map[string]Patch `json:"edges,omitempty"`
}

// ArchiveSink persists archives of reclaimed sessions. It is called off the
// dispatch goroutine.
type ArchiveSink interface {
	ArchiveSession(ctx context.Context, archive Archive) error
}

func newArchive(s *Session, ended time.Time) Archive {
	return Archive{
		WorkflowID:       s.WorkflowID,
		FinalVersion:     s.Version,
		PeakParticipants: s.peak,
		CreatedAt:        s.CreatedAt,
		EndedAt:          ended,
		Nodes:            copyOverlay(s.nodes),
		Edges:            copyOverlay(s.edges),
	}
}
