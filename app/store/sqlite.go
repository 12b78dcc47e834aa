package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// SQLiteStore implements job persistence using SQLite. A single pooled handle
// is shared by all callers; if it turns out to be closed out from under an
// operation, the store opens a brand-new connection and retries the operation
// exactly once. This retry is invisible to the caller.
type SQLiteStore struct {
	path        string
	busyTimeout time.Duration
	opTimeout   time.Duration

	mu sync.RWMutex
	db *sqlx.DB
}

// Opts holds optional settings for NewSQLiteStore
type Opts struct {
	BusyTimeout time.Duration // sqlite busy_timeout pragma, default 5s
	OpTimeout   time.Duration // per-operation deadline, default 10s
}

// NewSQLiteStore opens the database, applies pragmas and creates the schema
func NewSQLiteStore(dbPath string, opts Opts) (*SQLiteStore, error) {
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.OpTimeout == 0 {
		opts.OpTimeout = 10 * time.Second
	}

	db, err := openDB(dbPath, opts.BusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %q: %w", dbPath, err)
	}

	return &SQLiteStore{path: dbPath, busyTimeout: opts.BusyTimeout, opTimeout: opts.OpTimeout, db: db}, nil
}

// openDB opens a fresh connection, applies pragmas and ensures the schema.
// Used for both the initial open and the transparent reconnect.
func openDB(dbPath string, busyTimeout time.Duration) (*sqlx.DB, error) {
	// pragmas go into the DSN so every pooled connection gets them.
	// WAL favors reader/writer concurrency, busy_timeout bounds lock waits.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", dbPath, busyTimeout.Milliseconds())
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			job_name TEXT NOT NULL CHECK (job_name != ''),
			status TEXT NOT NULL,
			progress REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			start_time INTEGER,
			end_time INTEGER,
			result_file TEXT,
			aggregated_result_file TEXT,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS job_params (
			job_id TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (job_id, name),
			FOREIGN KEY (job_id) REFERENCES jobs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at)`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to create schema: %w (also failed to close db: %v)", err, closeErr)
			}
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return db, nil
}

// Close closes the current database handle
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// handle returns the current shared connection handle
func (s *SQLiteStore) handle() *sqlx.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// reconnect replaces the stale handle with a freshly opened one. If another
// caller already swapped it, the current handle is kept as is.
func (s *SQLiteStore) reconnect(stale *sqlx.DB) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != stale {
		return nil
	}
	fresh, err := openDB(s.path, s.busyTimeout)
	if err != nil {
		return err
	}
	if err := s.db.Close(); err != nil {
		log.Printf("[WARN] failed to close stale db handle: %v", err)
	}
	s.db = fresh
	return nil
}

// transientHandle classifies an error as the recoverable handle-closed kind,
// as opposed to a query error, constraint violation or missing row
func transientHandle(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConstraint) || errors.Is(err, ErrInvalidTransition) {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is closed") || strings.Contains(msg, "connection is already closed")
}

// classifyErr keeps the typed failures and caller cancellation as is and
// folds anything else, like driver or schema faults, into ErrStorageUnavailable
// so callers only ever match the declared sentinels
func classifyErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConstraint),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStorageUnavailable):
		return err
	case errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%s: %v: %w", op, err, ErrStorageUnavailable)
}

// withRetry runs fn with a bounded deadline against the current handle.
// On a handle-closed class failure it reopens the connection and retries the
// operation exactly once; any further failure surfaces as ErrStorageUnavailable.
// Genuine constraint and not-found failures pass through untouched, everything
// else is normalized through classifyErr.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func(ctx context.Context, db *sqlx.DB) error) error {
	db := s.handle()
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	err := fn(opCtx, db)
	cancel()

	if err == nil {
		return nil
	}
	if !transientHandle(err) {
		return classifyErr(op, err)
	}
	if ctx.Err() != nil { // caller gave up, no point retrying
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}

	log.Printf("[WARN] %s hit stale db handle, reopening connection: %v", op, err)
	if rerr := s.reconnect(db); rerr != nil {
		return fmt.Errorf("%s: reconnect failed: %v: %w", op, rerr, ErrStorageUnavailable)
	}

	opCtx, cancel = context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err = fn(opCtx, s.handle()); err != nil {
		if transientHandle(err) {
			return fmt.Errorf("%s failed after reconnect: %v: %w", op, err, ErrStorageUnavailable)
		}
		return classifyErr(op, err)
	}
	return nil
}

// jobRow is the database representation of a job's base row
type jobRow struct {
	ID             string         `db:"id"`
	Name           string         `db:"job_name"`
	Status         JobStatus      `db:"status"`
	Progress       float64        `db:"progress"`
	CreatedAt      int64          `db:"created_at"`
	StartTime      sql.NullInt64  `db:"start_time"`
	EndTime        sql.NullInt64  `db:"end_time"`
	ResultFile     sql.NullString `db:"result_file"`
	AggregatedFile sql.NullString `db:"aggregated_result_file"`
	Error          sql.NullString `db:"error"`
}

// toJob converts the row to the public Job, params attached separately
func (r *jobRow) toJob() Job {
	job := Job{
		ID:         r.ID,
		Name:       r.Name,
		Status:     r.Status,
		Progress:   r.Progress,
		CreatedAt:  time.Unix(0, r.CreatedAt),
		ResultFile: r.ResultFile.String,
		Error:      r.Error.String,
		Params:     map[string]string{},
	}
	job.AggregatedResultFile = r.AggregatedFile.String
	if r.StartTime.Valid {
		job.StartTime = time.Unix(0, r.StartTime.Int64)
	}
	if r.EndTime.Valid {
		job.EndTime = time.Unix(0, r.EndTime.Int64)
	}
	return job
}

// Create persists a new job with submitted status and zero progress.
// The job name is derived from params ("input_file" when present) and is
// never empty. Parameters are stored as separate keyed rows and are immutable
// after creation. A duplicate id fails with ErrConstraint leaving the
// original row unmodified.
func (s *SQLiteStore) Create(ctx context.Context, id string, params map[string]string) (Job, error) {
	if id == "" {
		return Job{}, fmt.Errorf("empty job id: %w", ErrConstraint)
	}

	job := Job{
		ID:        id,
		Name:      jobName(params),
		Status:    StatusSubmitted,
		CreatedAt: time.Now(),
		Params:    map[string]string{},
	}
	for k, v := range params {
		job.Params[k] = v
	}

	if err := s.create(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// create inserts the fully formed job. On a duplicate id it checks whether the
// existing row carries this job's creation timestamp, which means an earlier
// attempt committed but its result got lost to a deadline, and treats that as
// success instead of a duplicate.
func (s *SQLiteStore) create(ctx context.Context, job Job) error {
	return s.withRetry(ctx, "create job", func(ctx context.Context, db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // no-op after commit or explicit rollback

		_, err = tx.ExecContext(ctx, `
			INSERT INTO jobs (id, job_name, status, progress, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			job.ID, job.Name, job.Status, job.Progress, job.CreatedAt.UnixNano())
		if err != nil {
			if isConstraintErr(err) {
				_ = tx.Rollback()
				var existing int64
				if qerr := db.GetContext(ctx, &existing, `SELECT created_at FROM jobs WHERE id = ?`, job.ID); qerr == nil &&
					existing == job.CreatedAt.UnixNano() {
					return nil // our own earlier insert made it through
				}
				return fmt.Errorf("job %s already exists: %w", job.ID, ErrConstraint)
			}
			return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}

		for name, value := range job.Params {
			if _, err := tx.ExecContext(ctx, `INSERT INTO job_params (job_id, name, value) VALUES (?, ?, ?)`,
				job.ID, name, value); err != nil {
				return fmt.Errorf("failed to insert parameter %q for job %s: %w", name, job.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit job %s: %w", job.ID, err)
		}
		return nil
	})
}

// Get retrieves a job by id with its parameters merged back onto the base row.
// Returns ErrNotFound when no row matches.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Job, error) {
	var job Job
	err := s.withRetry(ctx, "get job", func(ctx context.Context, db *sqlx.DB) error {
		var row jobRow
		if err := db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = ?`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to query job %s: %w", id, err)
		}
		job = row.toJob()

		params, err := loadParams(ctx, db, []string{id})
		if err != nil {
			return err
		}
		if p, ok := params[id]; ok {
			job.Params = p
		}
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

// List returns jobs ordered most-recent-created first, optionally filtered to
// a single status, with limit/offset pagination. Limit <= 0 means no limit.
func (s *SQLiteStore) List(ctx context.Context, statusFilter JobStatus, limit, offset int) ([]Job, error) {
	if limit <= 0 {
		limit = -1 // sqlite treats negative LIMIT as unlimited
	}

	var jobs []Job
	err := s.withRetry(ctx, "list jobs", func(ctx context.Context, db *sqlx.DB) error {
		query := `SELECT * FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
		args := []any{limit, offset}
		if statusFilter != "" {
			query = `SELECT * FROM jobs WHERE status = ? ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
			args = []any{statusFilter, limit, offset}
		}

		var rows []jobRow
		if err := db.SelectContext(ctx, &rows, query, args...); err != nil {
			return fmt.Errorf("failed to query jobs: %w", err)
		}

		jobs = make([]Job, 0, len(rows))
		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			jobs = append(jobs, row.toJob())
			ids = append(ids, row.ID)
		}

		params, err := loadParams(ctx, db, ids)
		if err != nil {
			return err
		}
		for i := range jobs {
			if p, ok := params[jobs[i].ID]; ok {
				jobs[i].Params = p
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Stats returns the number of jobs per status
func (s *SQLiteStore) Stats(ctx context.Context) (map[JobStatus]int, error) {
	res := map[JobStatus]int{}
	err := s.withRetry(ctx, "job stats", func(ctx context.Context, db *sqlx.DB) error {
		rows, err := db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
		if err != nil {
			return fmt.Errorf("failed to query stats: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var status JobStatus
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				return fmt.Errorf("failed to scan stats row: %w", err)
			}
			res[status] = count
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// UpdateStatus transitions the job's status and applies optional fields.
// Transitions outside the lifecycle edge set are rejected with
// ErrInvalidTransition, including any mutation of a terminal job and progress
// going backwards while running. StartTime is stamped on submitted->running,
// EndTime on entering a terminal state.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status JobStatus, opts ...UpdateOption) error {
	req := updateReq{}
	for _, opt := range opts {
		opt(&req)
	}
	if err := req.validate(status); err != nil {
		return err
	}

	return s.withRetry(ctx, "update status", func(ctx context.Context, db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // no-op after commit

		var current struct {
			Status   JobStatus `db:"status"`
			Progress float64   `db:"progress"`
		}
		if err := tx.GetContext(ctx, &current, `SELECT status, progress FROM jobs WHERE id = ?`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to read job %s: %w", id, err)
		}

		if !current.Status.CanTransition(status) {
			return fmt.Errorf("job %s: %s -> %s: %w", id, current.Status, status, ErrInvalidTransition)
		}
		if req.progress != nil && !status.Terminal() && *req.progress < current.Progress {
			return fmt.Errorf("job %s: progress regression %.1f -> %.1f: %w",
				id, current.Progress, *req.progress, ErrInvalidTransition)
		}

		set := []string{"status = ?"}
		args := []any{status}
		now := time.Now().UnixNano()
		if current.Status == StatusSubmitted && status == StatusRunning {
			set = append(set, "start_time = ?")
			args = append(args, now)
		}
		if status.Terminal() {
			set = append(set, "end_time = ?")
			args = append(args, now)
		}
		if req.progress != nil {
			set = append(set, "progress = ?")
			args = append(args, *req.progress)
		}
		if req.errorMsg != nil {
			set = append(set, "error = ?")
			args = append(args, *req.errorMsg)
		}
		if req.resultFile != nil {
			set = append(set, "result_file = ?")
			args = append(args, *req.resultFile)
		}
		if req.aggregatedFile != nil {
			set = append(set, "aggregated_result_file = ?")
			args = append(args, *req.aggregatedFile)
		}
		args = append(args, id)

		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...); err != nil {
			return fmt.Errorf("failed to update job %s: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit update for job %s: %w", id, err)
		}
		return nil
	})
}

// Delete removes a job and its parameters. Used by cleanup tooling only,
// jobs are never deleted in normal operation.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	return s.withRetry(ctx, "delete job", func(ctx context.Context, db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // no-op after commit

		if _, err := tx.ExecContext(ctx, `DELETE FROM job_params WHERE job_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete parameters for job %s: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete job %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows for job %s: %w", id, err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return tx.Commit()
	})
}

// loadParams fetches parameters for the given job ids in one query
func loadParams(ctx context.Context, db *sqlx.DB, ids []string) (map[string]map[string]string, error) {
	res := map[string]map[string]string{}
	if len(ids) == 0 {
		return res, nil
	}

	query, args, err := sqlx.In(`SELECT job_id, name, value FROM job_params WHERE job_id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build params query: %w", err)
	}

	rows, err := db.QueryContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query params: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var jobID, name, value string
		if err := rows.Scan(&jobID, &name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan params row: %w", err)
		}
		if res[jobID] == nil {
			res[jobID] = map[string]string{}
		}
		res[jobID][name] = value
	}
	return res, rows.Err()
}

// isConstraintErr detects sqlite constraint violations (unique, check, not null)
func isConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}
