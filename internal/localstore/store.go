// Package localstore is the local durable store: the fallback target for
// content that could not be saved at teardown, and the session snapshot kept
// for UI continuity.
package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/appedme/sketchflow-sub001/internal/session"
	"github.com/appedme/sketchflow-sub001/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when no fallback entry exists for an entity.
var ErrNotFound = errors.New("fallback entry not found")

// ErrCorrupt is returned when a stored entry fails its digest check.
var ErrCorrupt = errors.New("fallback entry digest mismatch")

// Store is a SQLite-backed local store. It survives a process restart.
type Store struct {
	db *sql.DB
}

var _ session.Store = (*Store)(nil)

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutFallback stores or replaces the entry for e.EntityID.
func (s *Store) PutFallback(ctx context.Context, e models.FallbackEntry) error {
	if e.Digest == "" {
		e.Digest = e.Content.Digest()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fallback_entries
		   (entity_id, kind, content, digest, base_version, base_token, base_updated, saved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_id) DO UPDATE SET
		   kind = excluded.kind,
		   content = excluded.content,
		   digest = excluded.digest,
		   base_version = excluded.base_version,
		   base_token = excluded.base_token,
		   base_updated = excluded.base_updated,
		   saved_at = excluded.saved_at`,
		e.EntityID, string(e.Kind), []byte(e.Content), e.Digest,
		e.Base.Version, e.Base.Token, unixNano(e.Base.UpdatedAt), unixNano(e.SavedAt),
	)
	if err != nil {
		return fmt.Errorf("put fallback %s: %w", e.EntityID, err)
	}
	return nil
}

// GetFallback returns the entry for id.
func (s *Store) GetFallback(ctx context.Context, id string) (models.FallbackEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, kind, content, digest, base_version, base_token, base_updated, saved_at
		 FROM fallback_entries WHERE entity_id = ?`, id)
	e, err := scanFallback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.FallbackEntry{}, ErrNotFound
	}
	if err != nil {
		return models.FallbackEntry{}, fmt.Errorf("get fallback %s: %w", id, err)
	}
	if e.Content.Digest() != e.Digest {
		return e, ErrCorrupt
	}
	return e, nil
}

// DeleteFallback removes the entry for id. Deleting a missing entry is not
// an error.
func (s *Store) DeleteFallback(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM fallback_entries WHERE entity_id = ?`, id); err != nil {
		return fmt.Errorf("delete fallback %s: %w", id, err)
	}
	return nil
}

// ListFallback returns all entries, oldest first.
func (s *Store) ListFallback(ctx context.Context) ([]models.FallbackEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, kind, content, digest, base_version, base_token, base_updated, saved_at
		 FROM fallback_entries ORDER BY saved_at, entity_id`)
	if err != nil {
		return nil, fmt.Errorf("list fallback: %w", err)
	}
	defer rows.Close()

	var out []models.FallbackEntry
	for rows.Next() {
		e, err := scanFallback(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fallback: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFallback(row scanner) (models.FallbackEntry, error) {
	var (
		e                  models.FallbackEntry
		kind               string
		content            []byte
		baseUpdated, saved int64
	)
	err := row.Scan(&e.EntityID, &kind, &content, &e.Digest,
		&e.Base.Version, &e.Base.Token, &baseUpdated, &saved)
	if err != nil {
		return models.FallbackEntry{}, err
	}
	e.Kind = models.EntityKind(kind)
	e.Content = models.Snapshot(content)
	e.Base.UpdatedAt = fromUnixNano(baseUpdated)
	e.SavedAt = fromUnixNano(saved)
	return e, nil
}

// SaveSession stores the session snapshot for its project.
func (s *Store) SaveSession(ctx context.Context, ws models.WorkspaceSession) error {
	data, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (project_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		ws.ProjectID, string(data), unixNano(ws.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save session %s: %w", ws.ProjectID, err)
	}
	return nil
}

// LoadSession returns the saved session, or session.ErrNoSession.
func (s *Store) LoadSession(ctx context.Context, projectID string) (models.WorkspaceSession, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM sessions WHERE project_id = ?`, projectID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return models.WorkspaceSession{}, session.ErrNoSession
	}
	if err != nil {
		return models.WorkspaceSession{}, fmt.Errorf("load session %s: %w", projectID, err)
	}
	var ws models.WorkspaceSession
	if err := json.Unmarshal([]byte(data), &ws); err != nil {
		return models.WorkspaceSession{}, fmt.Errorf("unmarshal session %s: %w", projectID, err)
	}
	return ws, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
