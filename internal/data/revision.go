package data

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
	"github.com/devricklin/feishu-anonbot/internal/biz/repo"

	_ "modernc.org/sqlite"
)

// revisionRepo implements the config revision journal
type revisionRepo struct {
	db *sql.DB
}

// NewRevisionRepo opens (or creates) the revision journal at dbPath
func NewRevisionRepo(dbPath string) (repo.RevisionRepo, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS config_revisions (
			revision INTEGER PRIMARY KEY,
			created_at INTEGER NOT NULL,
			actor TEXT NOT NULL,
			summary TEXT NOT NULL,
			document TEXT NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &revisionRepo{db: db}, nil
}

// Append records a revision, replacing a stale entry with the same number
func (r *revisionRepo) Append(ctx context.Context, rev *domain.ConfigRevision) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO config_revisions (revision, created_at, actor, summary, document)
		VALUES (?, ?, ?, ?, ?)
	`,
		rev.Revision,
		rev.CreatedAt.Unix(),
		rev.Actor,
		rev.Summary,
		rev.Document,
	)
	if err != nil {
		return fmt.Errorf("failed to append revision: %w", err)
	}
	return nil
}

// List returns up to limit revisions, newest first. limit <= 0 means all.
func (r *revisionRepo) List(ctx context.Context, limit int) ([]*domain.ConfigRevision, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT revision, created_at, actor, summary, document
		FROM config_revisions
		ORDER BY revision DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	defer rows.Close()

	var revisions []*domain.ConfigRevision
	for rows.Next() {
		var rev domain.ConfigRevision
		var createdAt int64
		if err := rows.Scan(&rev.Revision, &createdAt, &rev.Actor, &rev.Summary, &rev.Document); err != nil {
			return nil, fmt.Errorf("failed to scan revision: %w", err)
		}
		rev.CreatedAt = time.Unix(createdAt, 0)
		revisions = append(revisions, &rev)
	}

	return revisions, rows.Err()
}

// Close closes the database connection
func (r *revisionRepo) Close() error {
	return r.db.Close()
}
