package groupmq

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
)

type Runner interface {
	Run(ctx context.Context) error
}

type Stopper interface {
	Stop(timeout time.Duration) error
}

type Drainer interface {
	Namespace() string
	WaitForEmpty(ctx context.Context, timeout time.Duration) (bool, error)
}

type ShutdownOpts struct {
	// QueueEmptyTimeout bounds the wait for queues to drain. Zero skips it.
	QueueEmptyTimeout time.Duration
	WorkerStopTimeout time.Duration
	Logger            *slog.Logger
}

const defaultWorkerStopTimeout = 30 * time.Second

// RunWorkers runs every runner on its own goroutine and returns when all of
// them have returned.
func RunWorkers(ctx context.Context, runners ...Runner) error {
	p := pool.New().WithContext(ctx).WithCancelOnError()
	for _, r := range runners {
		p.Go(func(ctx context.Context) error {
			return r.Run(ctx)
		})
	}
	return p.Wait()
}

// Shutdown waits for the queues to drain, then stops every worker
// concurrently. Queues that do not drain in time are logged and the workers
// are stopped anyway.
func Shutdown(ctx context.Context, opts ShutdownOpts, queues []Drainer, workers []Stopper) error {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	stopTimeout := opts.WorkerStopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultWorkerStopTimeout
	}

	var drainErr error
	if opts.QueueEmptyTimeout > 0 && len(queues) > 0 {
		p := pool.New().WithErrors()
		for _, q := range queues {
			p.Go(func() error {
				empty, err := q.WaitForEmpty(ctx, opts.QueueEmptyTimeout)
				if err != nil {
					return err
				}
				if !empty {
					log.Warn("queue not empty at shutdown", "namespace", q.Namespace(), "timeout", opts.QueueEmptyTimeout)
				}
				return nil
			})
		}
		drainErr = p.Wait()
	}

	p := pool.New().WithErrors()
	for _, w := range workers {
		p.Go(func() error {
			return w.Stop(stopTimeout)
		})
	}
	stopErr := p.Wait()

	if err := multierr.Combine(drainErr, stopErr); err != nil {
		log.Error("shutdown finished with errors", "error", err)
		return err
	}
	log.Info("shutdown complete", "queues", len(queues), "workers", len(workers))
	return nil
}

// ShutdownOnSignal blocks until SIGTERM or SIGINT (or ctx is done) and then
// runs Shutdown.
func ShutdownOnSignal(ctx context.Context, opts ShutdownOpts, queues []Drainer, workers []Stopper) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	if opts.Logger != nil {
		opts.Logger.Info("shutdown requested")
	} else {
		slog.Default().Info("shutdown requested")
	}

	return Shutdown(context.WithoutCancel(ctx), opts, queues, workers)
}
