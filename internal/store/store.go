package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codefionn/flowsync/internal/collab"
	"github.com/codefionn/flowsync/internal/logger"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Workflow is a saved workflow graph.
type Workflow struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Graph       json.RawMessage `json:"graph,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// GalleryItem is a media file produced by or uploaded for a workflow.
type GalleryItem struct {
	ID         int64           `json:"id"`
	WorkflowID *int64          `json:"workflowId,omitempty"`
	Title      string          `json:"title"`
	MediaURI   string          `json:"mediaUri"`
	MIMEType   string          `json:"mimeType"`
	Analysis   json.RawMessage `json:"analysis,omitempty"`
	AnalyzedAt *time.Time      `json:"analyzedAt,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// SessionRecord is an archived collaboration session.
type SessionRecord struct {
	ID               int64           `json:"id"`
	WorkflowID       int64           `json:"workflowId"`
	FinalVersion     int64           `json:"finalVersion"`
	PeakParticipants int             `json:"peakParticipants"`
	StartedAt        time.Time       `json:"startedAt"`
	EndedAt          time.Time       `json:"endedAt"`
	Overlay          json.RawMessage `json:"overlay,omitempty"`
}

// Store handles SQLite persistence of workflows, gallery items and
// collaboration history.
type Store struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// Open opens (and creates if needed) the database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("store: opened %s", dbPath)
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		graph TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS gallery_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id INTEGER,
		title TEXT NOT NULL,
		media_uri TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		analysis TEXT,
		analyzed_at DATETIME,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE SET NULL
	);

	CREATE TABLE IF NOT EXISTS collab_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id INTEGER NOT NULL,
		final_version INTEGER NOT NULL,
		peak_participants INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL,
		overlay TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_gallery_items_workflow ON gallery_items(workflow_id);
	CREATE INDEX IF NOT EXISTS idx_collab_sessions_workflow ON collab_sessions(workflow_id, ended_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// Workflow operations

// CreateWorkflow inserts w and fills in its ID and timestamps.
func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) error {
	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (name, description, graph, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, w.Name, w.Description, nullJSON(w.Graph), now, now)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	w.ID = id
	w.CreatedAt = now
	w.UpdatedAt = now
	return nil
}

// GetWorkflow loads one workflow.
func (s *Store) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	w := &Workflow{ID: id}
	var graph sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT name, description, graph, created_at, updated_at
		FROM workflows WHERE id = ?
	`, id).Scan(&w.Name, &w.Description, &graph, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if graph.Valid {
		w.Graph = json.RawMessage(graph.String)
	}
	return w, nil
}

// ListWorkflows returns all workflows, most recently updated first. Graphs
// are left out of the listing.
func (s *Store) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM workflows
		ORDER BY updated_at DESC, id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	workflows := []*Workflow{}
	for rows.Next() {
		w := &Workflow{}
		if err := rows.Scan(&w.ID, &w.Name, &w.Description, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

// UpdateWorkflow replaces name, description and graph of an existing
// workflow.
func (s *Store) UpdateWorkflow(ctx context.Context, w *Workflow) error {
	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET name = ?, description = ?, graph = ?, updated_at = ?
		WHERE id = ?
	`, w.Name, w.Description, nullJSON(w.Graph), now, w.ID)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if err := expectOne(result, "workflow", w.ID); err != nil {
		return err
	}
	w.UpdatedAt = now
	return nil
}

// DeleteWorkflow removes a workflow. Gallery items keep existing without it.
func (s *Store) DeleteWorkflow(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(result, "workflow", id)
}

// Gallery operations

// CreateGalleryItem inserts item and fills in its ID and creation time.
func (s *Store) CreateGalleryItem(ctx context.Context, item *GalleryItem) error {
	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO gallery_items (workflow_id, title, media_uri, mime_type, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, item.WorkflowID, item.Title, item.MediaURI, item.MIMEType, now)
	if err != nil {
		return fmt.Errorf("insert gallery item: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	item.ID = id
	item.CreatedAt = now
	return nil
}

// GetGalleryItem loads one gallery item.
func (s *Store) GetGalleryItem(ctx context.Context, id int64) (*GalleryItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, title, media_uri, mime_type, analysis, analyzed_at, created_at
		FROM gallery_items WHERE id = ?
	`, id)
	item, err := scanGalleryItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("gallery item %d: %w", id, ErrNotFound)
	}
	return item, err
}

// ListGalleryItems returns gallery items, newest first. A workflowID of zero
// lists every item.
func (s *Store) ListGalleryItems(ctx context.Context, workflowID int64) ([]*GalleryItem, error) {
	query := `
		SELECT id, workflow_id, title, media_uri, mime_type, analysis, analyzed_at, created_at
		FROM gallery_items`
	var args []interface{}
	if workflowID > 0 {
		query += " WHERE workflow_id = ?"
		args = append(args, workflowID)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*GalleryItem{}
	for rows.Next() {
		item, err := scanGalleryItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetGalleryAnalysis stores the analyzer result on an item.
func (s *Store) SetGalleryAnalysis(ctx context.Context, id int64, analysis json.RawMessage) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE gallery_items SET analysis = ?, analyzed_at = ? WHERE id = ?
	`, nullJSON(analysis), s.now().UTC(), id)
	if err != nil {
		return err
	}
	return expectOne(result, "gallery item", id)
}

// DeleteGalleryItem removes a gallery item.
func (s *Store) DeleteGalleryItem(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM gallery_items WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(result, "gallery item", id)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanGalleryItem(row scanner) (*GalleryItem, error) {
	item := &GalleryItem{}
	var (
		workflowID sql.NullInt64
		analysis   sql.NullString
		analyzedAt sql.NullTime
	)
	if err := row.Scan(&item.ID, &workflowID, &item.Title, &item.MediaURI, &item.MIMEType, &analysis, &analyzedAt, &item.CreatedAt); err != nil {
		return nil, err
	}
	if workflowID.Valid {
		id := workflowID.Int64
		item.WorkflowID = &id
	}
	if analysis.Valid {
		item.Analysis = json.RawMessage(analysis.String)
	}
	if analyzedAt.Valid {
		t := analyzedAt.Time
		item.AnalyzedAt = &t
	}
	return item, nil
}

// Collaboration history

// ArchiveSession records a reclaimed collaboration session.
func (s *Store) ArchiveSession(ctx context.Context, a collab.Archive) error {
	overlay, err := json.Marshal(struct {
		Nodes map[string]collab.Patch `json:"nodes,omitempty"`
		Edges map[string]collab.Patch `json:"edges,omitempty"`
	}{a.Nodes, a.Edges})
	if err != nil {
		return fmt.Errorf("encode overlay: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO collab_sessions (workflow_id, final_version, peak_participants, started_at, ended_at, overlay)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.WorkflowID, a.FinalVersion, a.PeakParticipants, a.CreatedAt.UTC(), a.EndedAt.UTC(), string(overlay))
	if err != nil {
		return fmt.Errorf("insert session archive: %w", err)
	}
	return nil
}

// SessionHistory lists archived sessions of a workflow, most recent first.
func (s *Store) SessionHistory(ctx context.Context, workflowID int64) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, final_version, peak_participants, started_at, ended_at, overlay
		FROM collab_sessions WHERE workflow_id = ?
		ORDER BY ended_at DESC, id DESC
	`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*SessionRecord{}
	for rows.Next() {
		r := &SessionRecord{}
		var overlay sql.NullString
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.FinalVersion, &r.PeakParticipants, &r.StartedAt, &r.EndedAt, &overlay); err != nil {
			return nil, err
		}
		if overlay.Valid && overlay.String != "{}" {
			r.Overlay = json.RawMessage(overlay.String)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func expectOne(result sql.Result, what string, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

var _ collab.ArchiveSink = (*Store)(nil)
