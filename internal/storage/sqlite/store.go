// Package sqlite provides a SQLite-backed AuditStore. The schema is
// append-only: there are no UPDATE or DELETE statements for audit rows.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veilcare/redact/internal/core/domain"
	"github.com/veilcare/redact/internal/storage"
)

// Store is a SQLite implementation of storage.AuditStore.
type Store struct {
	db *sql.DB
}

var _ storage.AuditStore = (*Store)(nil)

// New opens the database at dbPath and initializes the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS job_trails (
			job_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_records (
			job_id TEXT NOT NULL,
			record_id INTEGER NOT NULL,
			action TEXT NOT NULL,
			start_ms INTEGER NOT NULL,
			end_ms INTEGER NOT NULL,
			evidence_source_ids TEXT,
			reason_code TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (job_id, record_id),
			FOREIGN KEY (job_id) REFERENCES job_trails(job_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_records_action ON audit_records(action)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// SaveTrail writes the job's state and records in one transaction. The
// job_trails primary key rejects a second write for the same job, which
// keeps the trail append-only at the job level.
func (s *Store) SaveTrail(ctx context.Context, jobID string, state string, records []domain.AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job_trails (job_id, state, created_at) VALUES (?, ?, ?)`,
		jobID, state, time.Now().UTC(),
	); err != nil {
		// Release the doomed transaction's lock before querying on
		// another connection, or JobState deadlocks on shared-cache DBs.
		tx.Rollback()
		// The primary key rejects a second trail for the same job.
		if _, stateErr := s.JobState(ctx, jobID); stateErr == nil {
			return fmt.Errorf("job %s: %w", jobID, storage.ErrAlreadyStored)
		}
		return fmt.Errorf("insert job trail: %w", err)
	}

	for _, rec := range records {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_records
				(job_id, record_id, action, start_ms, end_ms, evidence_source_ids, reason_code, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.JobID,
			rec.RecordID,
			string(rec.Action),
			rec.TimeRange.StartMs,
			rec.TimeRange.EndMs,
			strings.Join(rec.EvidenceSourceIDs, ","),
			rec.ReasonCode,
			rec.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert audit record %d: %w", rec.RecordID, err)
		}
	}

	return tx.Commit()
}

// ListRecords returns the job's records ordered by record ID.
func (s *Store) ListRecords(ctx context.Context, jobID string) ([]domain.AuditRecord, error) {
	if _, err := s.JobState(ctx, jobID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, action, start_ms, end_ms, evidence_source_ids, reason_code, created_at
		 FROM audit_records WHERE job_id = ? ORDER BY record_id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		rec := domain.AuditRecord{JobID: jobID}
		var action, sourceIDs string
		if err := rows.Scan(
			&rec.RecordID,
			&action,
			&rec.TimeRange.StartMs,
			&rec.TimeRange.EndMs,
			&sourceIDs,
			&rec.ReasonCode,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Action = domain.Action(action)
		if sourceIDs != "" {
			rec.EvidenceSourceIDs = strings.Split(sourceIDs, ",")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// JobState returns the stored terminal state for a job.
func (s *Store) JobState(ctx context.Context, jobID string) (string, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM job_trails WHERE job_id = ?`, jobID,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return "", storage.ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query job state: %w", err)
	}
	return state, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
