// Package ledger persists job bookkeeping in Postgres: the bills-of-lading
// control table, the backup log, and encrypted archive secrets. It is the
// single source of truth for whether a job has run.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"data-mover/internal/models"
)

// Store wraps pgxpool for ledger persistence.
type Store struct {
	pool      *pgxpool.Pool
	table     string // schema-qualified bills-of-lading table
	cryptoKey string // symmetric key prefix for pgcrypto columns
}

// New creates a pooled connection to the ledger database.
func New(ctx context.Context, dsn, table, cryptoKey string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse ledger dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect ledger: %w", err)
	}
	if table == "" {
		table = "client.data_bills_of_lading"
	}
	return &Store{pool: pool, table: table, cryptoKey: cryptoKey}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// writableFields is the allowlist for WriteField; field names are spliced
// into SQL and must never come from job data.
var writableFields = map[string]struct{}{
	"dump_hash":       {},
	"zip_hash":        {},
	"s3_hash":         {},
	"s3_location":     {},
	"error_message":   {},
	"results":         {},
	"new_schema_name": {},
	"include_flag":    {},
}

// WriteField updates a single bookkeeping column on a job row.
func (s *Store) WriteField(ctx context.Context, jobID int64, field, value string) error {
	if _, ok := writableFields[field]; !ok {
		return fmt.Errorf("field %q is not writable", field)
	}
	sql := fmt.Sprintf(`UPDATE %s SET %s = $2 WHERE id = $1`, s.table, field)
	_, err := s.pool.Exec(ctx, sql, jobID, value)
	if err != nil {
		return fmt.Errorf("write %s for job %d: %w", field, jobID, err)
	}
	return nil
}

// MarkStarted stamps start_time and clears any prior result.
func (s *Store) MarkStarted(ctx context.Context, jobID int64) error {
	sql := fmt.Sprintf(`
		UPDATE %s
		SET start_time = CURRENT_TIMESTAMP, end_time = NULL, running_time = NULL,
		    results = NULL, error_message = NULL
		WHERE id = $1`, s.table)
	_, err := s.pool.Exec(ctx, sql, jobID)
	if err != nil {
		return fmt.Errorf("mark job %d started: %w", jobID, err)
	}
	return nil
}

// MarkFinished stamps end_time, derives running_time in minutes on the ledger
// host's clock, and records success. Computing the difference in SQL keeps
// worker clock skew out of the duration.
func (s *Store) MarkFinished(ctx context.Context, jobID int64) error {
	sql := fmt.Sprintf(`
		UPDATE %s
		SET end_time = CURRENT_TIMESTAMP,
		    running_time = (DATE_PART('day', CURRENT_TIMESTAMP - start_time) * 24 +
		                    DATE_PART('hour', CURRENT_TIMESTAMP - start_time)) * 60 +
		                    DATE_PART('minute', CURRENT_TIMESTAMP - start_time),
		    results = $2
		WHERE id = $1`, s.table)
	_, err := s.pool.Exec(ctx, sql, jobID, models.ResultSuccess)
	if err != nil {
		return fmt.Errorf("mark job %d finished: %w", jobID, err)
	}
	return nil
}

// MarkError records a stage failure. The stage label, not the raw tool
// output, goes in error_message; full output stays in the process log.
func (s *Store) MarkError(ctx context.Context, jobID int64, stage string) error {
	sql := fmt.Sprintf(`
		UPDATE %s SET error_message = $2, results = $3 WHERE id = $1`, s.table)
	_, err := s.pool.Exec(ctx, sql, jobID, stage, models.ResultError)
	if err != nil {
		return fmt.Errorf("mark job %d errored: %w", jobID, err)
	}
	return nil
}

// ClearIncludeFlag retires a single-run job so the next dispatch skips it.
func (s *Store) ClearIncludeFlag(ctx context.Context, jobID int64) error {
	return s.WriteField(ctx, jobID, "include_flag", "N")
}

// ListEligibleJobs returns included jobs for a move type in sequence order.
func (s *Store) ListEligibleJobs(ctx context.Context, moveType string) ([]models.JobDescriptor, error) {
	sql := fmt.Sprintf(`
		SELECT id, table_name, schema_name, new_schema_name, sequence_id
		FROM %s
		WHERE include_flag = 'Y' AND session_type = $1
		ORDER BY sequence_id`, s.table)
	rows, err := s.pool.Query(ctx, sql, moveType)
	if err != nil {
		return nil, fmt.Errorf("list eligible jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.JobDescriptor
	for rows.Next() {
		var (
			d         models.JobDescriptor
			tableName pgtype.Text
			schema    pgtype.Text
			newSchema pgtype.Text
		)
		if err := rows.Scan(&d.ID, &tableName, &schema, &newSchema, &d.Sequence); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		if tableName.Valid && tableName.String != "" {
			d.ObjectName = tableName.String
			d.ObjectKind = models.KindTable
		} else {
			d.ObjectName = schema.String
			d.ObjectKind = models.KindSchema
		}
		if newSchema.Valid {
			d.NewSchema = newSchema.String
		}
		jobs = append(jobs, d)
	}
	return jobs, rows.Err()
}

// ListArchivedObjects returns the latest backup-log entry per object for a
// source database, with the archive password decrypted for the restore
// pipeline.
func (s *Store) ListArchivedObjects(ctx context.Context, sourceDB string) ([]models.JobDescriptor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (object_name)
		       id, object_name, object_type, s3_location,
		       PGP_SYM_DECRYPT(encrypted_password, $2)
		FROM client.data_backup_log
		WHERE source_db = $1 AND results = 'Success'
		ORDER BY object_name, id DESC`,
		sourceDB, s.cryptoKey+sourceDB)
	if err != nil {
		return nil, fmt.Errorf("list archived objects: %w", err)
	}
	defer rows.Close()

	var jobs []models.JobDescriptor
	for rows.Next() {
		var (
			d   models.JobDescriptor
			loc pgtype.Text
			pwd pgtype.Text
		)
		if err := rows.Scan(&d.ID, &d.ObjectName, &d.ObjectKind, &loc, &pwd); err != nil {
			return nil, fmt.Errorf("scan backup log row: %w", err)
		}
		d.S3Location = loc.String
		d.ArchivePassword = pwd.String
		jobs = append(jobs, d)
	}
	return jobs, rows.Err()
}

// BackupLogEntry is one completed store-to-archive move.
type BackupLogEntry struct {
	SessionType string
	SourceDB    string
	ObjectName  string
	ObjectKind  string
	S3Location  string
	StartDate   string
	Password    string
}

// AppendBackupLog records a completed backup with its password encrypted
// under the ledger's pgcrypto key.
func (s *Store) AppendBackupLog(ctx context.Context, e BackupLogEntry) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO client.data_backup_log
			(results, session_type, source_db, object_name, object_type,
			 s3_location, start_date, end_time, error_message, encrypted_password)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), '', PGP_SYM_ENCRYPT($8, $9))`,
		models.ResultSuccess, e.SessionType, e.SourceDB, e.ObjectName, e.ObjectKind,
		e.S3Location, e.StartDate, e.Password, s.cryptoKey+e.SourceDB)
	if err != nil {
		return fmt.Errorf("append backup log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New("backup log insert affected no rows")
	}
	return nil
}

// LoadSecret returns the decrypted archive secret for an owner, if stored.
func (s *Store) LoadSecret(ctx context.Context, owner string) (string, bool, error) {
	var value pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT PGP_SYM_DECRYPT(value, $2)
		FROM client.move_secrets
		WHERE owner = $1`,
		owner, s.cryptoKey+owner).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load secret for %s: %w", owner, err)
	}
	if !value.Valid || value.String == "" {
		return "", false, nil
	}
	return value.String, true, nil
}

// SaveSecret upserts the encrypted archive secret for an owner.
func (s *Store) SaveSecret(ctx context.Context, owner, secret string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO client.move_secrets (owner, value, updated_at)
		VALUES ($1, PGP_SYM_ENCRYPT($2, $3), NOW())
		ON CONFLICT (owner)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		owner, secret, s.cryptoKey+owner)
	if err != nil {
		return fmt.Errorf("save secret for %s: %w", owner, err)
	}
	return nil
}

// ClearSecret removes the stored secret for an owner. Seed runs call this
// after rebuilding a template so the next backup cycle generates a fresh key.
func (s *Store) ClearSecret(ctx context.Context, owner string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM client.move_secrets WHERE owner = $1`, owner)
	if err != nil {
		return fmt.Errorf("clear secret for %s: %w", owner, err)
	}
	return nil
}

// ResetRows clears bookkeeping for a move type ahead of a fresh run. When the
// previous run succeeded for every row, include flags are restored to 'Y' so
// retired single-run jobs become eligible again.
func (s *Store) ResetRows(ctx context.Context, moveType string) error {
	var allSucceeded pgtype.Bool
	countSQL := fmt.Sprintf(`
		SELECT SUM(CASE WHEN results = $2 THEN 1 ELSE 0 END) = COUNT(*)
		FROM %s WHERE session_type = $1`, s.table)
	if err := s.pool.QueryRow(ctx, countSQL, moveType, models.ResultSuccess).Scan(&allSucceeded); err != nil {
		return fmt.Errorf("check prior run for %s: %w", moveType, err)
	}

	includeReset := ""
	if allSucceeded.Valid && allSucceeded.Bool {
		includeReset = "include_flag = 'Y',"
	}
	sql := fmt.Sprintf(`
		UPDATE %s
		SET %s dump_hash = NULL, zip_hash = NULL, s3_hash = NULL, s3_location = NULL,
		    start_time = NULL, end_time = NULL, running_time = NULL,
		    results = NULL, error_message = NULL, encrypted_password = NULL
		WHERE session_type = $1`, s.table, includeReset)
	if _, err := s.pool.Exec(ctx, sql, moveType); err != nil {
		return fmt.Errorf("reset rows for %s: %w", moveType, err)
	}
	return nil
}

// Exec runs side-effect SQL against the ledger pool. Destination-side DDL
// (schema precreation, relocation) goes through here when the target shares
// the ledger host; otherwise callers open their own connection.
func (s *Store) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := s.pool.Exec(ctx, sql, args...)
	return err
}

// Ping verifies ledger connectivity with a bounded deadline.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
