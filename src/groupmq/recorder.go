package groupmq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type JobEvent struct {
	Namespace string
	JobID     string
	GroupID   string
	// Attempt is 1-based.
	Attempt int
	Error   string
	At      time.Time
	// NextRunAt is set on retries that were held back.
	NextRunAt time.Time
}

// JobRecorder receives lifecycle transitions observed by a worker.
// Implementations must be safe for concurrent use.
type JobRecorder interface {
	RecordStarted(ctx context.Context, ev JobEvent) error
	RecordCompleted(ctx context.Context, ev JobEvent) error
	RecordRetry(ctx context.Context, ev JobEvent) error
	RecordFailed(ctx context.Context, ev JobEvent) error
}

type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

type JobRecord struct {
	ID         string
	Namespace  string
	GroupID    string
	Status     Status
	Attempts   int
	LastError  *string
	StartedAt  *time.Time
	FinishedAt *time.Time
	NextRunAt  *time.Time
	UpdatedAt  time.Time
}

const createJobsTableSQL = `
CREATE TABLE IF NOT EXISTS groupmq_jobs (
    id          VARCHAR(64)  PRIMARY KEY,
    namespace   VARCHAR(255) NOT NULL,
    group_id    VARCHAR(255) NOT NULL,
    status      VARCHAR(32)  NOT NULL,
    attempts    INTEGER      NOT NULL DEFAULT 0,
    last_error  TEXT         NULL,
    started_at  BIGINT       NULL,
    finished_at BIGINT       NULL,
    next_run_at BIGINT       NULL,
    updated_at  BIGINT       NOT NULL
)`

const upsertJobSQL = `INSERT INTO groupmq_jobs
    (id, namespace, group_id, status, attempts, last_error, started_at, finished_at, next_run_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    status = excluded.status,
    attempts = excluded.attempts,
    last_error = COALESCE(excluded.last_error, groupmq_jobs.last_error),
    started_at = COALESCE(excluded.started_at, groupmq_jobs.started_at),
    finished_at = excluded.finished_at,
    next_run_at = excluded.next_run_at,
    updated_at = excluded.updated_at`

const selectJobSQL = `SELECT id, namespace, group_id, status, attempts, last_error, started_at, finished_at, next_run_at, updated_at
FROM groupmq_jobs WHERE id = ?`

// SQLRecorder archives job lifecycle rows in a relational database. Times
// are stored as unix milliseconds.
type SQLRecorder struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLRecorder(db *sql.DB, dialect Dialect) *SQLRecorder {
	return &SQLRecorder{db: db, dialect: dialect}
}

func (s *SQLRecorder) Migrate(ctx context.Context) error {
	if s.db == nil {
		return errors.New("nil db")
	}
	_, err := s.db.ExecContext(ctx, createJobsTableSQL)
	return err
}

// rebind rewrites ? placeholders for drivers that number them.
func (s *SQLRecorder) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}

	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type jobRow struct {
	status     Status
	attempts   int
	lastError  *string
	startedAt  *time.Time
	finishedAt *time.Time
	nextRunAt  *time.Time
}

func msOrNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func (s *SQLRecorder) upsert(ctx context.Context, ev JobEvent, row jobRow) error {
	if s.db == nil {
		return errors.New("nil db")
	}

	var lastErr any
	if row.lastError != nil {
		lastErr = *row.lastError
	}

	_, err := s.db.ExecContext(ctx, s.rebind(upsertJobSQL),
		ev.JobID,
		ev.Namespace,
		ev.GroupID,
		string(row.status),
		row.attempts,
		lastErr,
		msOrNil(row.startedAt),
		msOrNil(row.finishedAt),
		msOrNil(row.nextRunAt),
		eventTime(ev).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record job %s: %w", ev.JobID, err)
	}
	return nil
}

func eventTime(ev JobEvent) time.Time {
	if ev.At.IsZero() {
		return time.Now()
	}
	return ev.At
}

func (s *SQLRecorder) RecordStarted(ctx context.Context, ev JobEvent) error {
	at := eventTime(ev)
	return s.upsert(ctx, ev, jobRow{
		status:    StatusReserved,
		attempts:  ev.Attempt - 1,
		startedAt: &at,
	})
}

func (s *SQLRecorder) RecordCompleted(ctx context.Context, ev JobEvent) error {
	at := eventTime(ev)
	return s.upsert(ctx, ev, jobRow{
		status:     StatusCompleted,
		attempts:   ev.Attempt - 1,
		finishedAt: &at,
	})
}

func (s *SQLRecorder) RecordRetry(ctx context.Context, ev JobEvent) error {
	msg := ev.Error
	row := jobRow{
		status:    StatusWaiting,
		attempts:  ev.Attempt,
		lastError: &msg,
	}
	if !ev.NextRunAt.IsZero() {
		next := ev.NextRunAt
		row.nextRunAt = &next
	}
	return s.upsert(ctx, ev, row)
}

func (s *SQLRecorder) RecordFailed(ctx context.Context, ev JobEvent) error {
	at := eventTime(ev)
	msg := ev.Error
	return s.upsert(ctx, ev, jobRow{
		status:     StatusFailed,
		attempts:   ev.Attempt,
		lastError:  &msg,
		finishedAt: &at,
	})
}

func (s *SQLRecorder) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}

	var (
		rec                         JobRecord
		status                      string
		lastError                   sql.NullString
		startedAt, finished, nextAt sql.NullInt64
		updatedAt                   int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(selectJobSQL), jobID).Scan(
		&rec.ID, &rec.Namespace, &rec.GroupID, &status, &rec.Attempts,
		&lastError, &startedAt, &finished, &nextAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	if lastError.Valid {
		v := lastError.String
		rec.LastError = &v
	}
	rec.StartedAt = nullMsTime(startedAt)
	rec.FinishedAt = nullMsTime(finished)
	rec.NextRunAt = nullMsTime(nextAt)
	return &rec, nil
}

func nullMsTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
