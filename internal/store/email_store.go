// Package store persists accepted emails: a SQLite table enforcing
// per-(job,email) uniqueness and an append-only batched fingerprint log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mailsweep/internal/models"
)

const emailSchema = `
CREATE TABLE IF NOT EXISTS emails (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    email TEXT NOT NULL,
    domain TEXT NOT NULL,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    company_name TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    UNIQUE(job_id, email)
);
CREATE INDEX IF NOT EXISTS idx_emails_job ON emails(job_id);
CREATE INDEX IF NOT EXISTS idx_emails_job_domain ON emails(job_id, domain);
`

// EmailStore is the single system of record for accepted emails.
type EmailStore struct {
	db *sql.DB
}

// OpenEmailStore opens (creating if needed) the SQLite database at path.
// WAL mode lets the store-writer insert while the API reads exports.
func OpenEmailStore(path string) (*EmailStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(emailSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &EmailStore{db: db}, nil
}

// Close closes the underlying database.
func (s *EmailStore) Close() error {
	return s.db.Close()
}

// Insert adds an email with insert-or-ignore semantics. inserted is
// false when the per-(job,email) uniqueness constraint swallowed the row.
func (s *EmailStore) Insert(ctx context.Context, e models.Email) (inserted bool, err error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO emails (job_id, email, domain, type, source, company_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.Email, e.Domain, string(e.Type), string(e.Source), e.CompanyName, e.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert email: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountByJob returns how many emails a job has recorded.
func (s *EmailStore) CountByJob(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM emails WHERE job_id = ?`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count emails: %w", err)
	}
	return n, nil
}

// ListFilter narrows ListByJob; zero values mean no filtering.
type ListFilter struct {
	Type   models.EmailType
	Domain string
}

// ListByJob returns a job's emails in insertion order, optionally
// filtered by type and domain.
func (s *EmailStore) ListByJob(ctx context.Context, jobID string, f ListFilter) ([]models.Email, error) {
	query := `SELECT id, job_id, email, domain, type, source, company_name, created_at
	          FROM emails WHERE job_id = ?`
	args := []any{jobID}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.Domain != "" {
		query += ` AND domain = ?`
		args = append(args, f.Domain)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}
	defer rows.Close()

	var out []models.Email
	for rows.Next() {
		var e models.Email
		var typ, source string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Email, &e.Domain, &typ, &source, &e.CompanyName, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		e.Type = models.EmailType(typ)
		e.Source = models.EmailSource(source)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteByJob removes a job's emails; part of job-delete cascade.
func (s *EmailStore) DeleteByJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM emails WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete emails: %w", err)
	}
	return nil
}
