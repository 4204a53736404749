package groupmq

import (
	"sync/atomic"
	"time"
)

// ErrorObserver receives every error a worker handles without returning it:
// handler failures, store errors and failed acknowledgements. job is nil when
// the error is not tied to a reserved job.
type ErrorObserver[T any] interface {
	OnError(err error, job *Job[T])
}

type ErrorObserverFunc[T any] func(err error, job *Job[T])

func (f ErrorObserverFunc[T]) OnError(err error, job *Job[T]) { f(err, job) }

type JobError[T any] struct {
	Err error
	Job *Job[T]
	At  time.Time
}

// ChanObserver publishes errors on a buffered channel. When the buffer is
// full the error is dropped and counted.
type ChanObserver[T any] struct {
	ch      chan JobError[T]
	dropped atomic.Int64
}

func NewChanObserver[T any](buffer int) *ChanObserver[T] {
	if buffer < 0 {
		buffer = 0
	}
	return &ChanObserver[T]{ch: make(chan JobError[T], buffer)}
}

func (o *ChanObserver[T]) OnError(err error, job *Job[T]) {
	select {
	case o.ch <- JobError[T]{Err: err, Job: job, At: time.Now()}:
	default:
		o.dropped.Add(1)
	}
}

func (o *ChanObserver[T]) Errors() <-chan JobError[T] {
	return o.ch
}

func (o *ChanObserver[T]) Dropped() int64 {
	return o.dropped.Load()
}
