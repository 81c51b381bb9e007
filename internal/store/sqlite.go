package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/obsched/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every connection to ":memory:" opens its own empty database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Job CRUD ---

// encodeJob returns the JSON document stored in jobs.data. Captured frames
// live in their own table.
func encodeJob(job *model.Job) (string, error) {
	c := *job
	c.CapturedFrames = nil
	data, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return string(data), nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "insert", "table", "jobs", "id", job.ID)

	data, err := encodeJob(job)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, name, profile, state, priority, sequence_file, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.Profile, string(job.State), job.Priority, job.SequenceFile, data,
		job.CreatedAt.Format(time.RFC3339Nano), job.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	if err := replaceFrames(ctx, tx, job.ID, job.CapturedFrames); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)

	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	frames, err := s.GetCapturedFrames(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load captured frames: %w", err)
	}
	job.CapturedFrames = frames
	return &job, nil
}

// ListJobs returns jobs in insertion order. opts.State filters on the
// lifecycle state.
func (s *SQLiteStore) ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var whereClauses []string
	var countArgs []any
	if opts.State != "" {
		whereClauses = append(whereClauses, "state = ?")
		countArgs = append(countArgs, strings.ToUpper(opts.State))
	}
	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listArgs := append(countArgs, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM jobs`+whereSQL+` ORDER BY rowid LIMIT ? OFFSET ?`, listArgs...)
	if err != nil {
		return nil, 0, err
	}

	var jobs []*model.Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return nil, 0, err
		}
		var job model.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("unmarshal job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, err
	}
	rows.Close()

	// Frames are loaded after the cursor is released; the in-memory database
	// runs on a single connection.
	for _, job := range jobs {
		frames, err := s.GetCapturedFrames(ctx, job.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("load captured frames: %w", err)
		}
		job.CapturedFrames = frames
	}
	return jobs, total, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "update", "table", "jobs", "id", job.ID)

	data, err := encodeJob(job)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE jobs SET name=?, profile=?, state=?, priority=?, sequence_file=?, data=?, updated_at=? WHERE id=?`,
		job.Name, job.Profile, string(job.State), job.Priority, job.SequenceFile, data,
		job.UpdatedAt.Format(time.RFC3339Nano), job.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s not found", job.ID)
	}
	if err := replaceFrames(ctx, tx, job.ID, job.CapturedFrames); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveJob inserts the job or overwrites the stored copy.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "upsert", "table", "jobs", "id", job.ID)

	data, err := encodeJob(job)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, name, profile, state, priority, sequence_file, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, profile=excluded.profile,
		   state=excluded.state, priority=excluded.priority, sequence_file=excluded.sequence_file,
		   data=excluded.data, updated_at=excluded.updated_at`,
		job.ID, job.Name, job.Profile, string(job.State), job.Priority, job.SequenceFile, data,
		job.CreatedAt.Format(time.RFC3339Nano), job.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	if err := replaceFrames(ctx, tx, job.ID, job.CapturedFrames); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "jobs", "id", id)

	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s not found", id)
	}
	return nil
}

// --- Journal ---

func (s *SQLiteStore) AppendJournal(ctx context.Context, e *model.JournalEntry) error {
	attrsJSON, err := json.Marshal(e.Attrs)
	if err != nil {
		return fmt.Errorf("marshal attrs: %w", err)
	}
	if e.Attrs == nil {
		attrsJSON = []byte("{}")
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO journal (time, level, message, attrs) VALUES (?, ?, ?, ?)`,
		e.Time.UTC().Format(time.RFC3339Nano), e.Level, e.Message, string(attrsJSON),
	)
	if err != nil {
		return err
	}
	e.ID, _ = result.LastInsertId()
	return nil
}

// ListJournal returns up to limit entries, newest first. limit <= 0 uses 100.
func (s *SQLiteStore) ListJournal(ctx context.Context, limit int) ([]model.JournalEntry, error) {
	s.logger.Debug("sql", "op", "list", "table", "journal", "limit", limit)
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, time, level, message, attrs FROM journal ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var at, attrsJSON string
		if err := rows.Scan(&e.ID, &at, &e.Level, &e.Message, &attrsJSON); err != nil {
			return nil, err
		}
		e.Time, _ = time.Parse(time.RFC3339Nano, at)
		json.Unmarshal([]byte(attrsJSON), &e.Attrs)
		if len(e.Attrs) == 0 {
			e.Attrs = nil
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Run history ---

func (s *SQLiteStore) RecordTransition(ctx context.Context, runID, jobID string, from, to model.JobState, at time.Time) error {
	s.logger.Debug("sql", "op", "insert", "table", "transitions", "job_id", jobID, "from", from, "to", to)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (run_id, job_id, from_state, to_state, at) VALUES (?, ?, ?, ?, ?)`,
		runID, jobID, string(from), string(to), at.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListTransitions returns a job's history in the order it was recorded.
func (s *SQLiteStore) ListTransitions(ctx context.Context, jobID string) ([]model.Transition, error) {
	s.logger.Debug("sql", "op", "list", "table", "transitions", "job_id", jobID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, job_id, from_state, to_state, at FROM transitions WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transition
	for rows.Next() {
		var tr model.Transition
		var from, to, at string
		if err := rows.Scan(&tr.RunID, &tr.JobID, &from, &to, &at); err != nil {
			return nil, err
		}
		tr.From = model.JobState(from)
		tr.To = model.JobState(to)
		tr.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// --- Captured frames ---

// SetCapturedFrames replaces the stored counts for a job. The job must exist.
func (s *SQLiteStore) SetCapturedFrames(ctx context.Context, jobID string, frames map[string]int) error {
	s.logger.Debug("sql", "op", "replace", "table", "captured_frames", "job_id", jobID, "signatures", len(frames))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := replaceFrames(ctx, tx, jobID, frames); err != nil {
		return err
	}
	return tx.Commit()
}

// GetCapturedFrames returns the stored counts; a job without any has an
// empty map.
func (s *SQLiteStore) GetCapturedFrames(ctx context.Context, jobID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT signature, count FROM captured_frames WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	frames := make(map[string]int)
	for rows.Next() {
		var sig string
		var n int
		if err := rows.Scan(&sig, &n); err != nil {
			return nil, err
		}
		frames[sig] = n
	}
	return frames, rows.Err()
}

func replaceFrames(ctx context.Context, tx *sql.Tx, jobID string, frames map[string]int) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM captured_frames WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("clear captured frames: %w", err)
	}
	for sig, n := range frames {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO captured_frames (job_id, signature, count) VALUES (?, ?, ?)`,
			jobID, sig, n); err != nil {
			return fmt.Errorf("insert captured frames %s: %w", sig, err)
		}
	}
	return nil
}
