package groupmq

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	minHeartbeatInterval = 100 * time.Millisecond
	maxHeartbeatInterval = 10 * time.Second
)

type heartbeatHandle struct {
	stopCh chan struct{}
	lost   atomic.Bool
	doneCh chan struct{}
}

// deriveHeartbeatInterval renews three times per lease.
func deriveHeartbeatInterval(jobTimeout time.Duration) time.Duration {
	d := jobTimeout / 3
	if d < minHeartbeatInterval {
		d = minHeartbeatInterval
	}
	if d > maxHeartbeatInterval {
		d = maxHeartbeatInterval
	}
	return d
}

func startHeartbeater[T any](ctx context.Context, q *Queue[T], job *Job[T], interval time.Duration, log *slog.Logger) *heartbeatHandle {
	h := &heartbeatHandle{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if interval <= 0 {
		close(h.doneCh)
		return h
	}

	markLostIfLease := func(err error) bool {
		if err == nil {
			return false
		}
		if errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrJobNotFound) {
			h.lost.Store(true)
			log.Warn("lease lost while processing", "error", err)
			return true
		}
		log.Error("heartbeat failed", "error", err)
		return false
	}

	go func() {
		defer close(h.doneCh)

		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-h.stopCh:
				return
			case <-t.C:
				if _, err := q.Heartbeat(ctx, job); markLostIfLease(err) {
					return
				}
			}
		}
	}()

	return h
}

func stopHeartbeater(hb *heartbeatHandle) {
	select {
	case <-hb.stopCh:
	default:
		close(hb.stopCh)
	}
	select {
	case <-hb.doneCh:
	case <-time.After(100 * time.Millisecond):
	}
}
