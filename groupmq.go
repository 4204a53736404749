package groupmq

import internal "github.com/not-empty/groupmq-go/src/groupmq"

type ClientOpts = internal.ClientOpts
type QueueOpts = internal.QueueOpts
type Queue[T any] = internal.Queue[T]
type AddOpts[T any] = internal.AddOpts[T]
type Job[T any] = internal.Job[T]
type Status = internal.Status
type Counts = internal.Counts
type RetryResult = internal.RetryResult
type CleanupResult = internal.CleanupResult
type JobIDs = internal.JobIDs

type Worker[T any] = internal.Worker[T]
type WorkerOpts[T any] = internal.WorkerOpts[T]
type Handler[T any] = internal.Handler[T]
type BackoffFunc = internal.BackoffFunc
type CurrentJob[T any] = internal.CurrentJob[T]
type CurrentJobInfo = internal.CurrentJobInfo
type ErrorObserver[T any] = internal.ErrorObserver[T]
type ErrorObserverFunc[T any] = internal.ErrorObserverFunc[T]
type ChanObserver[T any] = internal.ChanObserver[T]
type JobError[T any] = internal.JobError[T]

type JobRecorder = internal.JobRecorder
type JobEvent = internal.JobEvent
type JobRecord = internal.JobRecord
type SQLRecorder = internal.SQLRecorder
type Dialect = internal.Dialect

type ShardOpts = internal.ShardOpts
type ShardedQueues[T any] = internal.ShardedQueues[T]

type StatusSource = internal.StatusSource
type WorkerStatus = internal.WorkerStatus
type WorkersStatus = internal.WorkersStatus

type Runner = internal.Runner
type Stopper = internal.Stopper
type Drainer = internal.Drainer
type ShutdownOpts = internal.ShutdownOpts

type EnvConfig = internal.EnvConfig

const (
	StatusWaiting   = internal.StatusWaiting
	StatusReserved  = internal.StatusReserved
	StatusCompleted = internal.StatusCompleted
	StatusFailed    = internal.StatusFailed

	DialectSQLite   = internal.DialectSQLite
	DialectPostgres = internal.DialectPostgres
)

var (
	ErrInvalidNamespace  = internal.ErrInvalidNamespace
	ErrMissingHandler    = internal.ErrMissingHandler
	ErrMissingGroupID    = internal.ErrMissingGroupID
	ErrInvalidShardCount = internal.ErrInvalidShardCount
	ErrJobNotFound       = internal.ErrJobNotFound
	ErrLeaseLost         = internal.ErrLeaseLost
	ErrNotFailed         = internal.ErrNotFailed
	ErrDuplicateJob      = internal.ErrDuplicateJob
	ErrPayloadDecode     = internal.ErrPayloadDecode
	ErrHandlerPanic      = internal.ErrHandlerPanic
	ErrWorkerRunning     = internal.ErrWorkerRunning
	ErrStopTimeout       = internal.ErrStopTimeout
)

var (
	NewSQLRecorder     = internal.NewSQLRecorder
	PickShard          = internal.PickShard
	ShardNamespace     = internal.ShardNamespace
	DefaultBackoff     = internal.DefaultBackoff
	ExponentialBackoff = internal.ExponentialBackoff
	ConstantBackoff    = internal.ConstantBackoff
	NoBackoff          = internal.NoBackoff
	RunWorkers         = internal.RunWorkers
	Shutdown           = internal.Shutdown
	ShutdownOnSignal   = internal.ShutdownOnSignal
	DefaultEnvConfig   = internal.DefaultEnvConfig
	FromEnv            = internal.FromEnv
	ParseEnabledShards = internal.ParseEnabledShards
)

func NewQueue[T any](opts QueueOpts) (*Queue[T], error) {
	return internal.NewQueue[T](opts)
}

func NewWorker[T any](opts WorkerOpts[T]) (*Worker[T], error) {
	return internal.NewWorker[T](opts)
}

func NewShardedQueues[T any](opts ShardOpts) (*ShardedQueues[T], error) {
	return internal.NewShardedQueues[T](opts)
}

func NewChanObserver[T any](buffer int) *ChanObserver[T] {
	return internal.NewChanObserver[T](buffer)
}

func GetWorkersStatus[W StatusSource](workers []W) WorkersStatus {
	return internal.GetWorkersStatus(workers)
}

