package groupmq

import "errors"

var (
	ErrInvalidNamespace  = errors.New("groupmq: invalid namespace")
	ErrMissingHandler    = errors.New("groupmq: worker handler is required")
	ErrMissingGroupID    = errors.New("groupmq: group id is required")
	ErrInvalidShardCount = errors.New("groupmq: shard count must be > 0")

	ErrJobNotFound  = errors.New("groupmq: job not found")
	ErrLeaseLost    = errors.New("groupmq: lease lost")
	ErrNotFailed    = errors.New("groupmq: job is not in failed state")
	ErrDuplicateJob = errors.New("groupmq: job id already exists")

	ErrPayloadDecode = errors.New("groupmq: payload decode failed")
	ErrHandlerPanic  = errors.New("groupmq: handler panicked")

	ErrWorkerRunning = errors.New("groupmq: worker already running")
	ErrStopTimeout   = errors.New("groupmq: in-flight job did not finish before stop timeout")
)

// scriptErr maps the reason word of an {"ERR", reason} reply.
func scriptErr(reason string) error {
	switch reason {
	case "NOT_FOUND":
		return ErrJobNotFound
	case "NOT_ACTIVE", "TOKEN_MISMATCH":
		return ErrLeaseLost
	case "NOT_FAILED":
		return ErrNotFailed
	case "DUPLICATE":
		return ErrDuplicateJob
	}
	return errors.New("groupmq: " + reason)
}
