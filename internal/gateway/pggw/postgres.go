// Package pggw provides a PostgreSQL-backed persistence gateway. The version
// column is the save precondition.
package pggw

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/appedme/sketchflow-sub001/internal/gateway"
	"github.com/appedme/sketchflow-sub001/internal/logging"
	"github.com/appedme/sketchflow-sub001/pkg/models"
)

//go:embed schema.sql
var schema string

// Store is a PostgreSQL gateway.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ gateway.Gateway = (*Store)(nil)

// New opens a PostgreSQL gateway.
func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, logger: logging.Named(logger, "pggw")}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the entities table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Load returns the stored entity.
func (s *Store) Load(ctx context.Context, id string) (models.Document, error) {
	var (
		doc     models.Document
		kind    string
		content []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, content, version, hash, updated_at FROM entities WHERE id = $1`, id,
	).Scan(&kind, &content, &doc.Revision.Version, &doc.Revision.Token, &doc.Revision.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, gateway.ErrNotFound
	}
	if err != nil {
		return models.Document{}, s.transport("load", id, err)
	}
	doc.ID = id
	doc.Kind = models.EntityKind(kind)
	doc.Content = models.Snapshot(content)
	return doc, nil
}

// Save writes content when the stored version equals precondition.Version.
// A zero precondition only succeeds for an entity that does not exist yet.
func (s *Store) Save(ctx context.Context, id string, content models.Snapshot, precondition models.Revision) gateway.SaveResult {
	hash := content.Digest()
	var rev models.Revision

	var err error
	if precondition.Version == 0 {
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO entities (id, content, version, hash, updated_at)
			 VALUES ($1, $2, 1, $3, NOW())
			 ON CONFLICT (id) DO NOTHING
			 RETURNING version, hash, updated_at`,
			id, []byte(content), hash,
		).Scan(&rev.Version, &rev.Token, &rev.UpdatedAt)
	} else {
		err = s.db.QueryRowContext(ctx,
			`UPDATE entities
			 SET content = $2, version = version + 1, hash = $3, updated_at = NOW()
			 WHERE id = $1 AND version = $4
			 RETURNING version, hash, updated_at`,
			id, []byte(content), hash, precondition.Version,
		).Scan(&rev.Version, &rev.Token, &rev.UpdatedAt)
	}

	switch {
	case err == nil:
		return gateway.Success(rev)
	case errors.Is(err, sql.ErrNoRows):
		current, cerr := s.current(ctx, id)
		if cerr != nil {
			return gateway.Failed(s.transport("save", id, cerr))
		}
		s.logger.Debug("save precondition failed",
			logging.Entity(id),
			zap.Int64("expected", precondition.Version),
			zap.Int64("current", current.Version))
		return gateway.Conflicted(current)
	default:
		return gateway.Failed(s.transport("save", id, err))
	}
}

func (s *Store) current(ctx context.Context, id string) (models.Revision, error) {
	var rev models.Revision
	err := s.db.QueryRowContext(ctx,
		`SELECT version, hash, updated_at FROM entities WHERE id = $1`, id,
	).Scan(&rev.Version, &rev.Token, &rev.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Revision{}, nil
	}
	return rev, err
}

func (s *Store) transport(op, id string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		s.logger.Warn("postgres error",
			zap.String("op", op),
			logging.Entity(id),
			zap.String("code", string(pqErr.Code)),
			zap.String("condition", pqErr.Code.Name()))
	}
	return &gateway.TransportError{Op: op, ID: id, Err: err}
}
