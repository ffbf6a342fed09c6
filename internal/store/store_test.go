package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/flowsync/internal/collab"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "flowsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWorkflowCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := &Workflow{Name: "Intro cut", Description: "trim and blur", Graph: json.RawMessage(`{"nodes":[{"id":"n1"}]}`)}
	require.NoError(t, s.CreateWorkflow(ctx, w))
	require.NotZero(t, w.ID)
	assert.False(t, w.CreatedAt.IsZero())

	got, err := s.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "Intro cut", got.Name)
	assert.Equal(t, "trim and blur", got.Description)
	assert.JSONEq(t, `{"nodes":[{"id":"n1"}]}`, string(got.Graph))
	assert.True(t, w.CreatedAt.Equal(got.CreatedAt))

	got.Name = "Outro cut"
	got.Graph = nil
	require.NoError(t, s.UpdateWorkflow(ctx, got))
	again, err := s.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "Outro cut", again.Name)
	assert.Nil(t, again.Graph)

	second := &Workflow{Name: "Second"}
	require.NoError(t, s.CreateWorkflow(ctx, second))
	list, err := s.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.DeleteWorkflow(ctx, w.ID))
	_, err = s.GetWorkflow(ctx, w.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteWorkflow(ctx, w.ID), ErrNotFound)
	assert.ErrorIs(t, s.UpdateWorkflow(ctx, &Workflow{ID: 999, Name: "x"}), ErrNotFound)
}

func TestGalleryItems(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w := &Workflow{Name: "Trailer"}
	require.NoError(t, s.CreateWorkflow(ctx, w))

	linked := &GalleryItem{WorkflowID: &w.ID, Title: "clip", MediaURI: "file:///tmp/clip.mp4", MIMEType: "video/mp4"}
	loose := &GalleryItem{Title: "still", MediaURI: "file:///tmp/still.png", MIMEType: "image/png"}
	require.NoError(t, s.CreateGalleryItem(ctx, linked))
	require.NoError(t, s.CreateGalleryItem(ctx, loose))

	all, err := s.ListGalleryItems(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	forWorkflow, err := s.ListGalleryItems(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, forWorkflow, 1)
	assert.Equal(t, "clip", forWorkflow[0].Title)

	require.NoError(t, s.SetGalleryAnalysis(ctx, linked.ID, json.RawMessage(`{"tags":["beach"]}`)))
	got, err := s.GetGalleryItem(ctx, linked.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tags":["beach"]}`, string(got.Analysis))
	require.NotNil(t, got.AnalyzedAt)
	require.NotNil(t, got.WorkflowID)
	assert.Equal(t, w.ID, *got.WorkflowID)

	// Deleting the workflow unlinks its items.
	require.NoError(t, s.DeleteWorkflow(ctx, w.ID))
	got, err = s.GetGalleryItem(ctx, linked.ID)
	require.NoError(t, err)
	assert.Nil(t, got.WorkflowID)

	require.NoError(t, s.DeleteGalleryItem(ctx, loose.ID))
	_, err = s.GetGalleryItem(ctx, loose.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetGalleryAnalysis(ctx, loose.ID, json.RawMessage(`{}`)), ErrNotFound)
}

func TestArchiveSessionHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.ArchiveSession(ctx, collab.Archive{
		WorkflowID:       42,
		FinalVersion:     3,
		PeakParticipants: 2,
		CreatedAt:        start,
		EndedAt:          start.Add(time.Minute),
		Nodes:            map[string]collab.Patch{"n1": {"label": json.RawMessage(`"Blur"`)}},
	}))
	require.NoError(t, s.ArchiveSession(ctx, collab.Archive{
		WorkflowID:   42,
		FinalVersion: 1,
		CreatedAt:    start.Add(time.Hour),
		EndedAt:      start.Add(2 * time.Hour),
	}))
	require.NoError(t, s.ArchiveSession(ctx, collab.Archive{WorkflowID: 7, CreatedAt: start, EndedAt: start}))

	history, err := s.SessionHistory(ctx, 42)
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, int64(1), history[0].FinalVersion)
	assert.Nil(t, history[0].Overlay)

	assert.Equal(t, int64(3), history[1].FinalVersion)
	assert.Equal(t, 2, history[1].PeakParticipants)
	assert.True(t, start.Equal(history[1].StartedAt))
	assert.True(t, start.Add(time.Minute).Equal(history[1].EndedAt))
	assert.JSONEq(t, `{"nodes":{"n1":{"label":"Blur"}}}`, string(history[1].Overlay))

	empty, err := s.SessionHistory(ctx, 1000)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowsync.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateWorkflow(context.Background(), &Workflow{Name: "kept"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	list, err := s.ListWorkflows(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "kept", list[0].Name)
	assert.Equal(t, path, s.Path())
}
