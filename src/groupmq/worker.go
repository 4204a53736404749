package groupmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
)

type Handler[T any] func(ctx context.Context, job *Job[T]) error

type WorkerOpts[T any] struct {
	Queue QueueOpts

	Handler  Handler[T]
	Observer ErrorObserver[T]
	Recorder JobRecorder

	// MaxAttempts caps the per-job attempt limit when > 0.
	MaxAttempts int
	Backoff     BackoffFunc
	// JobTimeout overrides Queue.JobTimeout when > 0.
	JobTimeout time.Duration

	// HeartbeatInterval defaults to a third of the job timeout. A value <= 0
	// disables lease renewal.
	HeartbeatInterval *time.Duration

	PollInterval    time.Duration
	UseBlocking     *bool
	BlockingTimeout time.Duration
	// CleanupInterval <= 0 disables the periodic cleanup pass.
	CleanupInterval *time.Duration
	// CloseTimeout bounds how long Close waits for the in-flight job.
	CloseTimeout time.Duration

	WorkerID string
	Logger   *slog.Logger
}

const (
	defaultPollInterval    = 100 * time.Millisecond
	defaultBlockingTimeout = 5 * time.Second
	minBlockingTimeout     = time.Second
	defaultCleanupInterval = 60 * time.Second

	storeErrorDelay = 200 * time.Millisecond
)

func applyWorkerDefaults[T any](opts *WorkerOpts[T]) {
	if opts.JobTimeout > 0 {
		opts.Queue.JobTimeout = opts.JobTimeout
	}
	if opts.Logger == nil {
		opts.Logger = opts.Queue.Logger
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Queue.Logger = opts.Logger
	applyQueueDefaults(&opts.Queue)
	opts.JobTimeout = opts.Queue.JobTimeout

	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff
	}
	if opts.HeartbeatInterval == nil {
		d := deriveHeartbeatInterval(opts.JobTimeout)
		opts.HeartbeatInterval = &d
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.UseBlocking == nil {
		b := true
		opts.UseBlocking = &b
	}
	if opts.BlockingTimeout <= 0 {
		opts.BlockingTimeout = defaultBlockingTimeout
	}
	if opts.BlockingTimeout < minBlockingTimeout {
		opts.BlockingTimeout = minBlockingTimeout
	}
	if opts.CleanupInterval == nil {
		d := defaultCleanupInterval
		opts.CleanupInterval = &d
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = opts.JobTimeout
	}
	if opts.WorkerID == "" {
		opts.WorkerID = uuid.NewString()
	}
}

// Worker reserves and runs one job at a time from a single namespace.
type Worker[T any] struct {
	q    *Queue[T]
	opts WorkerOpts[T]
	log  *slog.Logger

	started  atomic.Bool
	stopping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}

	// reserveMu serializes reservation against Stop so no job is leased
	// after Stop has looked at the in-flight slot.
	reserveMu sync.Mutex

	mu        sync.Mutex
	current   *Job[T]
	startedAt time.Time
	jobDone   chan struct{}

	bg conc.WaitGroup
}

func NewWorker[T any](opts WorkerOpts[T]) (*Worker[T], error) {
	if opts.Handler == nil {
		return nil, ErrMissingHandler
	}
	if !validNamespace(opts.Queue.Namespace) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNamespace, opts.Queue.Namespace)
	}
	applyWorkerDefaults(&opts)

	q, err := NewQueue[T](opts.Queue)
	if err != nil {
		return nil, err
	}

	return &Worker[T]{
		q:        q,
		opts:     opts,
		log:      opts.Logger.With("namespace", opts.Queue.Namespace, "worker_id", opts.WorkerID),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}, nil
}

func (w *Worker[T]) ID() string {
	return w.opts.WorkerID
}

func (w *Worker[T]) Queue() *Queue[T] {
	return w.q
}

// Run processes jobs until Stop is called or ctx is done. The in-flight
// handler is never cancelled; Run returns after it finishes.
func (w *Worker[T]) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrWorkerRunning
	}
	defer close(w.loopDone)
	defer w.bg.Wait()

	if iv := *w.opts.CleanupInterval; iv > 0 {
		w.bg.Go(func() { w.cleanupLoop(ctx, iv) })
	}

	w.log.Info("worker started", "blocking", *w.opts.UseBlocking)

	for {
		if w.stopping.Load() || ctx.Err() != nil {
			w.log.Info("worker stopped")
			return nil
		}

		job, err := w.next(ctx)
		if err != nil && job == nil {
			if w.stopping.Load() || ctx.Err() != nil {
				continue
			}
			w.log.Error("reserve failed", "error", err)
			w.notify(err, nil)
			w.sleep(ctx, storeErrorDelay)
			continue
		}

		if job == nil {
			if !*w.opts.UseBlocking {
				w.sleep(ctx, w.opts.PollInterval)
			}
			continue
		}

		w.process(ctx, job, err)
	}
}

func (w *Worker[T]) next(ctx context.Context) (*Job[T], error) {
	job, err := w.tryReserve(ctx, "")
	if err != nil || job != nil || !*w.opts.UseBlocking {
		return job, err
	}

	gid, ok, err := w.q.ops.WaitReady(ctx, w.q.ns, w.blockTimeout(ctx))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return w.tryReserve(context.WithoutCancel(ctx), gid)
}

// blockTimeout shortens the blocking wait when a held-back group or an
// expiring lease is due sooner.
func (w *Worker[T]) blockTimeout(ctx context.Context) time.Duration {
	timeout := w.opts.BlockingTimeout

	at, ok, err := w.q.ops.NextWakeMs(ctx, w.q.ns)
	if err != nil || !ok {
		return timeout
	}
	if until := msToDuration(at - NowMs()); until < timeout {
		timeout = until
	}
	if timeout < minBlockingTimeout {
		timeout = minBlockingTimeout
	}
	return timeout
}

func (w *Worker[T]) tryReserve(ctx context.Context, restoreGroup string) (*Job[T], error) {
	w.reserveMu.Lock()
	defer w.reserveMu.Unlock()

	if w.stopping.Load() {
		if restoreGroup != "" {
			_, err := w.q.reserve(ctx, restoreGroup, true)
			return nil, err
		}
		return nil, nil
	}

	job, err := w.q.reserve(ctx, restoreGroup, false)
	if job != nil {
		w.begin(job)
	}
	return job, err
}

func (w *Worker[T]) begin(job *Job[T]) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = job
	w.startedAt = time.Now()
	w.jobDone = make(chan struct{})
}

func (w *Worker[T]) finish() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.jobDone != nil {
		close(w.jobDone)
	}
	w.current = nil
	w.startedAt = time.Time{}
	w.jobDone = nil
}

func (w *Worker[T]) process(ctx context.Context, job *Job[T], decodeErr error) {
	defer w.finish()

	jctx := context.WithoutCancel(ctx)
	log := w.log.With("job_id", job.ID, "group_id", job.GroupID)
	attempt := job.Attempts + 1

	log.Debug("job reserved", "attempt", attempt)
	w.record(jctx, log, JobRecorder.RecordStarted, w.event(job, attempt, nil))

	hb := startHeartbeater(jctx, w.q, job, *w.opts.HeartbeatInterval, log)

	err := decodeErr
	if err == nil {
		err = w.invoke(jctx, job)
	}

	stopHeartbeater(hb)

	if hb.lost.Load() {
		log.Warn("lease lost; skipping ack")
		w.notify(fmt.Errorf("%w: job %s", ErrLeaseLost, job.ID), job)
		return
	}

	if err == nil {
		w.ackSuccess(jctx, log, job, attempt)
		return
	}
	w.ackFail(jctx, log, job, attempt, err)
}

func (w *Worker[T]) invoke(ctx context.Context, job *Job[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return w.opts.Handler(ctx, job)
}

func (w *Worker[T]) ackSuccess(ctx context.Context, log *slog.Logger, job *Job[T], attempt int) {
	if err := w.q.Complete(ctx, job); err != nil {
		log.Error("ack success failed", "error", err)
		w.notify(fmt.Errorf("complete job %s: %w", job.ID, err), job)
		return
	}
	log.Debug("job completed", "attempt", attempt)
	w.record(ctx, log, JobRecorder.RecordCompleted, w.event(job, attempt, nil))
}

func (w *Worker[T]) ackFail(ctx context.Context, log *slog.Logger, job *Job[T], attempt int, cause error) {
	w.notify(cause, job)

	res, err := w.q.retry(ctx, job, w.opts.Backoff(attempt), cause, w.opts.MaxAttempts)
	if err != nil {
		log.Error("ack fail failed", "error", err)
		w.notify(fmt.Errorf("retry job %s: %w", job.ID, err), job)
		return
	}

	ev := w.event(job, res.Attempts, cause)
	if res.Status == RetryScheduled {
		var due time.Time
		if res.NextRunAtMs != nil {
			due = time.UnixMilli(*res.NextRunAtMs)
			ev.NextRunAt = due
		}
		log.Warn("job failed; retry scheduled", "attempt", res.Attempts, "due", due, "error", cause)
		w.record(ctx, log, JobRecorder.RecordRetry, ev)
		return
	}

	log.Warn("job failed permanently", "attempts", res.Attempts, "error", cause)
	w.record(ctx, log, JobRecorder.RecordFailed, ev)
}

func (w *Worker[T]) event(job *Job[T], attempt int, cause error) JobEvent {
	ev := JobEvent{
		Namespace: w.q.ns,
		JobID:     job.ID,
		GroupID:   job.GroupID,
		Attempt:   attempt,
		At:        time.Now(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	return ev
}

func (w *Worker[T]) record(ctx context.Context, log *slog.Logger, fn func(JobRecorder, context.Context, JobEvent) error, ev JobEvent) {
	if w.opts.Recorder == nil {
		return
	}
	if err := fn(w.opts.Recorder, ctx, ev); err != nil {
		log.Error("record job event failed", "error", err)
	}
}

func (w *Worker[T]) notify(err error, job *Job[T]) {
	if w.opts.Observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("error observer panicked", "panic", r)
		}
	}()
	w.opts.Observer.OnError(err, job)
}

func (w *Worker[T]) cleanupLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		res, err := w.q.Cleanup(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			w.log.Error("cleanup failed", "error", err)
		case res.Reclaimed+res.Promoted+res.Repaired > 0:
			w.log.Debug("cleanup", "reclaimed", res.Reclaimed, "promoted", res.Promoted, "repaired", res.Repaired)
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-t.C:
		}
	}
}

func (w *Worker[T]) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-t.C:
	}
}

func (w *Worker[T]) IsProcessing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current != nil
}

func (w *Worker[T]) GetCurrentJob() *CurrentJob[T] {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	return &CurrentJob[T]{Job: w.current, ProcessingTime: time.Since(w.startedAt)}
}

func (w *Worker[T]) CurrentJobInfo() *CurrentJobInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	return &CurrentJobInfo{
		JobID:          w.current.ID,
		GroupID:        w.current.GroupID,
		ProcessingTime: time.Since(w.startedAt),
	}
}

// Stop stops reserving and waits up to timeout for the in-flight job. The
// handler is not interrupted: when it outlives the timeout ErrStopTimeout is
// returned and its lease expires unless it finishes and acks first.
func (w *Worker[T]) Stop(timeout time.Duration) error {
	w.stopping.Store(true)
	w.stopOnce.Do(func() { close(w.stopCh) })

	// wait out a reservation already in flight
	w.reserveMu.Lock()
	w.reserveMu.Unlock() //nolint:staticcheck

	w.mu.Lock()
	done := w.jobDone
	var jobID string
	if w.current != nil {
		jobID = w.current.ID
	}
	w.mu.Unlock()

	if done == nil {
		return nil
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		w.log.Warn("stop timed out with job in flight", "job_id", jobID, "timeout", timeout)
		return fmt.Errorf("%w: job %s after %s", ErrStopTimeout, jobID, timeout)
	}
}

// Close stops the worker and releases its connection.
func (w *Worker[T]) Close() error {
	stopErr := w.Stop(w.opts.CloseTimeout)

	if w.started.Load() && !errors.Is(stopErr, ErrStopTimeout) {
		t := time.NewTimer(w.opts.BlockingTimeout + time.Second)
		select {
		case <-w.loopDone:
		case <-t.C:
		}
		t.Stop()
	}

	return multierr.Combine(stopErr, w.q.Close())
}
