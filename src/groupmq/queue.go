package groupmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

type ClientOpts struct {
	// Redis, when set, is used as-is and never closed by the queue.
	Redis RedisLike

	RedisURL             string
	Host                 string
	Port                 int
	DB                   int
	Username             string
	Password             string
	SSL                  bool
	SocketTimeout        *time.Duration
	SocketConnectTimeout *time.Duration

	ScriptsDir string
}

type QueueOpts struct {
	Client    ClientOpts
	Namespace string

	JobTimeout       time.Duration
	MaxAttempts      int
	ReserveScanLimit int
	OrderingDelay    time.Duration
	ReclaimBatch     int

	// Retention of finished jobs. Nil uses the default, negative keeps all.
	KeepCompleted *int
	KeepFailed    *int

	Logger *slog.Logger
}

const (
	defaultJobTimeout       = 30 * time.Second
	defaultMaxAttempts      = 3
	defaultReserveScanLimit = 20
	defaultReclaimBatch     = 100
	defaultKeepCompleted    = 100
	defaultKeepFailed       = 1000

	emptyPollInterval = 100 * time.Millisecond
)

func applyQueueDefaults(opts *QueueOpts) {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.ReserveScanLimit <= 0 {
		opts.ReserveScanLimit = defaultReserveScanLimit
	}
	if opts.OrderingDelay < 0 {
		opts.OrderingDelay = 0
	}
	if opts.ReclaimBatch <= 0 {
		opts.ReclaimBatch = defaultReclaimBatch
	}
	if opts.KeepCompleted == nil {
		n := defaultKeepCompleted
		opts.KeepCompleted = &n
	}
	if opts.KeepFailed == nil {
		n := defaultKeepFailed
		opts.KeepFailed = &n
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
}

func validNamespace(ns string) bool {
	if strings.TrimSpace(ns) == "" {
		return false
	}
	return strings.IndexFunc(ns, unicode.IsSpace) < 0
}

// Queue is the producer side of one namespace. It also exposes the
// reservation primitive the worker builds on.
type Queue[T any] struct {
	ops       Ops
	opts      QueueOpts
	ns        string
	ownsRedis bool
	log       *slog.Logger
}

func connect(opts ClientOpts) (RedisLike, bool, error) {
	if opts.Redis != nil {
		return opts.Redis, false, nil
	}

	port := opts.Port
	if port == 0 {
		port = 6379
	}

	r, err := BuildRedisClient(RedisConnOpts{
		RedisURL:             opts.RedisURL,
		Host:                 opts.Host,
		Port:                 port,
		DB:                   opts.DB,
		Username:             opts.Username,
		Password:             opts.Password,
		SSL:                  opts.SSL,
		SocketTimeout:        opts.SocketTimeout,
		SocketConnectTimeout: opts.SocketConnectTimeout,
	})
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func NewQueue[T any](opts QueueOpts) (*Queue[T], error) {
	if !validNamespace(opts.Namespace) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNamespace, opts.Namespace)
	}
	applyQueueDefaults(&opts)

	r, owns, err := connect(opts.Client)
	if err != nil {
		return nil, err
	}

	scripts, err := LoadScripts(context.Background(), r, opts.Client.ScriptsDir)
	if err != nil {
		if owns {
			_ = r.Close()
		}
		return nil, err
	}

	return &Queue[T]{
		ops:       Ops{R: r, Scripts: scripts},
		opts:      opts,
		ns:        opts.Namespace,
		ownsRedis: owns,
		log:       opts.Logger.With("namespace", opts.Namespace),
	}, nil
}

func (q *Queue[T]) Namespace() string {
	return q.ns
}

func (q *Queue[T]) JobTimeout() time.Duration {
	return q.opts.JobTimeout
}

type AddOpts[T any] struct {
	GroupID string
	Payload T

	// OrderMs positions the job inside its group. Zero means now.
	OrderMs int64
	// MaxAttempts overrides the queue default when > 0.
	MaxAttempts int
	// JobID is generated when empty. Reusing an existing id fails with
	// ErrDuplicateJob.
	JobID string
}

func (q *Queue[T]) Add(ctx context.Context, opts AddOpts[T]) (string, error) {
	if strings.TrimSpace(opts.GroupID) == "" {
		return "", ErrMissingGroupID
	}

	payload, err := jsonCompactNoEscape(opts.Payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	now := NowMs()
	orderMs := opts.OrderMs
	if orderMs <= 0 {
		orderMs = now
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}
	jobID := opts.JobID
	if jobID == "" {
		jobID = NewJobID()
	}

	id, seq, err := q.ops.Enqueue(ctx, q.ns, EnqueueArgs{
		JobID:       jobID,
		GroupID:     opts.GroupID,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		OrderMs:     orderMs,
		NowMs:       now,
	})
	if err != nil {
		return "", err
	}

	q.log.Debug("job added", "job_id", id, "group_id", opts.GroupID, "seq", seq)
	return id, nil
}

// Reserve leases the head job of the oldest eligible group. It returns nil
// when nothing can run right now. A job whose payload does not decode is
// still returned, together with an ErrPayloadDecode error, so the caller can
// fail it.
func (q *Queue[T]) Reserve(ctx context.Context) (*Job[T], error) {
	return q.reserve(ctx, "", false)
}

func (q *Queue[T]) reserve(ctx context.Context, restoreGroup string, restoreOnly bool) (*Job[T], error) {
	rj, err := q.ops.Reserve(ctx, q.ns, ReserveArgs{
		NowMs:           NowMs(),
		LeaseMs:         q.opts.JobTimeout.Milliseconds(),
		ScanLimit:       q.opts.ReserveScanLimit,
		Token:           uuid.NewString(),
		OrderingDelayMs: q.opts.OrderingDelay.Milliseconds(),
		Batch:           q.opts.ReclaimBatch,
		RestoreGroup:    restoreGroup,
		RestoreOnly:     restoreOnly,
	})
	if err != nil || rj == nil {
		return nil, err
	}

	job := &Job[T]{
		ID:             rj.JobID,
		GroupID:        rj.GroupID,
		PayloadRaw:     rj.Payload,
		Attempts:       rj.Attempts,
		MaxAttempts:    rj.MaxAttempts,
		Seq:            rj.Seq,
		OrderMs:        rj.OrderMs,
		EnqueuedAt:     rj.EnqueuedAt,
		Status:         StatusReserved,
		LastError:      rj.LastError,
		LeaseExpiresAt: rj.DeadlineMs,
		LeaseToken:     rj.LeaseToken,
	}
	if err := decodePayload(rj.Payload, &job.Payload); err != nil {
		return job, fmt.Errorf("%w: job %s: %v", ErrPayloadDecode, job.ID, err)
	}
	return job, nil
}

func decodePayload[T any](raw string, out *T) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

// Complete acknowledges a reserved job and frees its group.
func (q *Queue[T]) Complete(ctx context.Context, job *Job[T]) error {
	return q.ops.Complete(ctx, q.ns, job.ID, job.LeaseToken, NowMs(), *q.opts.KeepCompleted)
}

// Retry records a failed attempt. The job stays at the head of its group and
// the group is held back for backoff; once attempts reach the job's limit
// the job is failed instead.
func (q *Queue[T]) Retry(ctx context.Context, job *Job[T], backoff time.Duration, cause error) (RetryResult, error) {
	return q.retry(ctx, job, backoff, cause, 0)
}

func (q *Queue[T]) retry(ctx context.Context, job *Job[T], backoff time.Duration, cause error, workerMax int) (RetryResult, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if backoff < 0 {
		backoff = 0
	}
	return q.ops.Retry(ctx, q.ns, RetryArgs{
		JobID:             job.ID,
		Token:             job.LeaseToken,
		NowMs:             NowMs(),
		BackoffMs:         backoff.Milliseconds(),
		Error:             msg,
		WorkerMaxAttempts: workerMax,
		KeepFailed:        *q.opts.KeepFailed,
	})
}

// Heartbeat extends the job's lease by JobTimeout from now and returns the
// new deadline in ms. job is not modified.
func (q *Queue[T]) Heartbeat(ctx context.Context, job *Job[T]) (int64, error) {
	return q.ops.Heartbeat(ctx, q.ns, job.ID, job.LeaseToken, NowMs(), q.opts.JobTimeout.Milliseconds())
}

// Cleanup reclaims expired leases, promotes groups whose hold elapsed and
// puts back groups that fell out of the ready index.
func (q *Queue[T]) Cleanup(ctx context.Context) (CleanupResult, error) {
	return q.ops.Cleanup(ctx, q.ns, NowMs(), q.opts.ReclaimBatch, true)
}

func (q *Queue[T]) GetCounts(ctx context.Context) (Counts, error) {
	return q.ops.Counts(ctx, q.ns)
}

func (q *Queue[T]) GetActiveCount(ctx context.Context) (int64, error) {
	c, err := q.ops.Counts(ctx, q.ns)
	if err != nil {
		return 0, err
	}
	return c.Active, nil
}

// GetWaitingCount includes jobs of groups held back by backoff.
func (q *Queue[T]) GetWaitingCount(ctx context.Context) (int64, error) {
	c, err := q.ops.Counts(ctx, q.ns)
	if err != nil {
		return 0, err
	}
	return c.Waiting, nil
}

func (q *Queue[T]) GetDelayedCount(ctx context.Context) (int64, error) {
	c, err := q.ops.Counts(ctx, q.ns)
	if err != nil {
		return 0, err
	}
	return c.Delayed, nil
}

func (q *Queue[T]) GetUniqueGroups(ctx context.Context) ([]string, error) {
	return q.ops.Groups(ctx, q.ns)
}

// GetActiveJobs lists the ids of reserved jobs, soonest lease expiry first.
func (q *Queue[T]) GetActiveJobs(ctx context.Context) ([]string, error) {
	return q.ops.ActiveJobIDs(ctx, q.ns)
}

// GetWaitingJobs lists the ids of jobs not yet reserved, group by group in
// reservation order. Jobs of groups held back by backoff are included, as in
// GetWaitingCount.
func (q *Queue[T]) GetWaitingJobs(ctx context.Context) ([]string, error) {
	groups, err := q.ops.Groups(ctx, q.ns)
	if err != nil {
		return nil, err
	}
	sort.Strings(groups)
	return q.groupJobIDs(ctx, groups)
}

// GetDelayedJobs lists the ids of jobs whose group is parked until a backoff
// or ordering delay elapses.
func (q *Queue[T]) GetDelayedJobs(ctx context.Context) ([]string, error) {
	groups, err := q.ops.DelayedGroups(ctx, q.ns)
	if err != nil {
		return nil, err
	}
	return q.groupJobIDs(ctx, groups)
}

func (q *Queue[T]) groupJobIDs(ctx context.Context, groups []string) ([]string, error) {
	ids := []string{}
	for _, gid := range groups {
		g, err := q.ops.GroupJobIDs(ctx, q.ns, gid)
		if err != nil {
			return nil, fmt.Errorf("list group %s: %w", gid, err)
		}
		ids = append(ids, g...)
	}
	return ids, nil
}

// GetJobs lists job ids by state. The reads are not atomic with each other.
func (q *Queue[T]) GetJobs(ctx context.Context) (JobIDs, error) {
	var (
		out JobIDs
		err error
	)
	if out.Active, err = q.GetActiveJobs(ctx); err != nil {
		return JobIDs{}, err
	}
	if out.Waiting, err = q.GetWaitingJobs(ctx); err != nil {
		return JobIDs{}, err
	}
	if out.Delayed, err = q.GetDelayedJobs(ctx); err != nil {
		return JobIDs{}, err
	}
	return out, nil
}

// GetJob loads a job by id. Finished jobs are only found while retained.
func (q *Queue[T]) GetJob(ctx context.Context, jobID string) (*Job[T], error) {
	m, err := q.ops.JobFields(ctx, q.ns, jobID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	job := jobFromFields[T](m)
	if err := decodePayload(job.PayloadRaw, &job.Payload); err != nil {
		return job, fmt.Errorf("%w: job %s: %v", ErrPayloadDecode, job.ID, err)
	}
	return job, nil
}

func jobFromFields[T any](m map[string]string) *Job[T] {
	num := func(k string) int64 {
		n, _ := parseIntLoose(m[k])
		return n
	}

	return &Job[T]{
		ID:             m["id"],
		GroupID:        m["gid"],
		PayloadRaw:     m["payload"],
		Attempts:       int(num("attempts")),
		MaxAttempts:    int(num("max_attempts")),
		Seq:            num("seq"),
		OrderMs:        num("order_ms"),
		EnqueuedAt:     num("enqueued_at"),
		Status:         Status(m["status"]),
		LastError:      m["last_error"],
		LeaseExpiresAt: num("lease_until"),
		LeaseToken:     m["token"],
		FinishedAt:     num("finished_at"),
	}
}

// GetFailedJobs returns up to limit failed jobs, newest first. A limit <= 0
// returns all retained failures.
func (q *Queue[T]) GetFailedJobs(ctx context.Context, limit int) ([]*Job[T], error) {
	ids, err := q.ops.FailedJobIDs(ctx, q.ns, limit)
	if err != nil {
		return nil, err
	}

	out := make([]*Job[T], 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		switch {
		case errors.Is(err, ErrJobNotFound):
			continue
		case errors.Is(err, ErrPayloadDecode):
			out = append(out, job)
		case err != nil:
			return nil, err
		default:
			out = append(out, job)
		}
	}
	return out, nil
}

// RetryFailed puts a failed job back at its original position in its group
// with a fresh attempt budget.
func (q *Queue[T]) RetryFailed(ctx context.Context, jobID string) error {
	if err := q.ops.RetryFailed(ctx, q.ns, jobID); err != nil {
		return err
	}
	q.log.Info("failed job re-queued", "job_id", jobID)
	return nil
}

// WaitForEmpty polls until no job is waiting or reserved. It reports false
// when timeout elapses first.
func (q *Queue[T]) WaitForEmpty(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		c, err := q.ops.Counts(ctx, q.ns)
		if err != nil {
			return false, err
		}
		if c.Total() == 0 {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}

		wait := emptyPollInterval
		if left := time.Until(deadline); left < wait {
			wait = left
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}
}

// Close releases the connection when the queue created it.
func (q *Queue[T]) Close() error {
	if !q.ownsRedis {
		return nil
	}
	return q.ops.R.Close()
}
