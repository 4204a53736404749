package groupmq

import "time"

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusReserved  Status = "reserved"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one unit of work. Jobs sharing GroupID run one at a time in
// (OrderMs, Seq) order.
type Job[T any] struct {
	ID          string
	GroupID     string
	Payload     T
	PayloadRaw  string
	Attempts    int
	MaxAttempts int
	Seq         int64
	OrderMs     int64
	EnqueuedAt  int64
	Status      Status
	LastError   string

	// Set while reserved.
	LeaseExpiresAt int64
	LeaseToken     string

	FinishedAt int64
}

// ReservedJob is the undecoded reply of the reserve script.
type ReservedJob struct {
	JobID       string
	GroupID     string
	Payload     string
	Attempts    int
	MaxAttempts int
	Seq         int64
	OrderMs     int64
	EnqueuedAt  int64
	DeadlineMs  int64
	LeaseToken  string
	LastError   string
}

type RetryStatus string

const (
	RetryScheduled RetryStatus = "RETRY"
	RetryFailed    RetryStatus = "FAILED"
)

type RetryResult struct {
	Status      RetryStatus
	Attempts    int
	NextRunAtMs *int64
}

// JobIDs lists job ids by state. Waiting includes the jobs of delayed
// groups.
type JobIDs struct {
	Active  []string
	Waiting []string
	Delayed []string
}

type CleanupResult struct {
	Reclaimed int
	Promoted  int
	Repaired  int
}

// Counts is a point-in-time snapshot of one namespace.
type Counts struct {
	Active    int64
	Waiting   int64
	Delayed   int64
	Completed int64
	Failed    int64
	Groups    int64
}

// Total counts jobs not yet in a terminal state. Delayed jobs are already
// part of Waiting.
func (c Counts) Total() int64 {
	return c.Active + c.Waiting
}

type CurrentJob[T any] struct {
	Job            *Job[T]
	ProcessingTime time.Duration
}

// CurrentJobInfo is the payload-free view of a worker's in-flight job.
type CurrentJobInfo struct {
	JobID          string
	GroupID        string
	ProcessingTime time.Duration
}
