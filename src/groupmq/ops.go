package groupmq

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var scriptLock sync.Mutex

// Ops issues the raw script calls for one connection. Queue layers payload
// typing and defaults on top.
type Ops struct {
	R       RedisLike
	Scripts Scripts
}

func (o *Ops) evalShaWithNoScriptFallback(ctx context.Context, def ScriptDef, numkeys int, keysAndArgs ...any) (any, error) {
	res, err := o.R.EvalSha(ctx, def.SHA, numkeys, keysAndArgs...)
	if err == nil {
		return res, nil
	}

	if strings.Contains(strings.ToUpper(err.Error()), "NOSCRIPT") {
		scriptLock.Lock()
		defer scriptLock.Unlock()
		return o.R.Eval(ctx, def.Src, numkeys, keysAndArgs...)
	}

	return nil, err
}

type EnqueueArgs struct {
	JobID       string
	GroupID     string
	Payload     string
	MaxAttempts int
	OrderMs     int64
	NowMs       int64
}

func (o *Ops) Enqueue(ctx context.Context, namespace string, a EnqueueArgs) (string, int64, error) {
	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.Enqueue, 1,
		NamespaceAnchor(namespace),
		a.JobID,
		a.GroupID,
		a.Payload,
		strconv.Itoa(a.MaxAttempts),
		strconv.FormatInt(a.OrderMs, 10),
		strconv.FormatInt(a.NowMs, 10),
	)
	if err != nil {
		return "", 0, err
	}

	arr, ok := asAnySlice(res)
	if !ok || len(arr) < 1 {
		return "", 0, fmt.Errorf("Unexpected ENQUEUE response: %v", res)
	}

	switch AsStr(arr[0]) {
	case "OK":
		if len(arr) < 3 {
			return "", 0, fmt.Errorf("Unexpected ENQUEUE response: %v", res)
		}
		seq, err := toInt64(arr[2])
		if err != nil {
			return "", 0, fmt.Errorf("Unexpected ENQUEUE response: %v", res)
		}
		return AsStr(arr[1]), seq, nil
	case "ERR":
		return "", 0, fmt.Errorf("ENQUEUE failed: %w", scriptErr(replyReason(arr)))
	default:
		return "", 0, fmt.Errorf("Unexpected ENQUEUE response: %v", res)
	}
}

type ReserveArgs struct {
	NowMs           int64
	LeaseMs         int64
	ScanLimit       int
	Token           string
	OrderingDelayMs int64
	Batch           int
	RestoreGroup    string
	RestoreOnly     bool
}

// Reserve returns nil when no group has an eligible head job.
func (o *Ops) Reserve(ctx context.Context, namespace string, a ReserveArgs) (*ReservedJob, error) {
	restoreOnly := "0"
	if a.RestoreOnly {
		restoreOnly = "1"
	}

	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.Reserve, 1,
		NamespaceAnchor(namespace),
		strconv.FormatInt(a.NowMs, 10),
		strconv.FormatInt(a.LeaseMs, 10),
		strconv.Itoa(a.ScanLimit),
		a.Token,
		strconv.FormatInt(a.OrderingDelayMs, 10),
		strconv.Itoa(a.Batch),
		a.RestoreGroup,
		restoreOnly,
	)
	if err != nil {
		return nil, err
	}

	arr, ok := asAnySlice(res)
	if !ok || len(arr) < 1 {
		return nil, fmt.Errorf("Unexpected RESERVE response: %v", res)
	}

	switch AsStr(arr[0]) {
	case "EMPTY":
		return nil, nil
	case "JOB":
		return parseReserved(arr, res)
	default:
		return nil, fmt.Errorf("Unexpected RESERVE response: %v", res)
	}
}

func parseReserved(arr []any, res any) (*ReservedJob, error) {
	if len(arr) < 12 {
		return nil, fmt.Errorf("Unexpected RESERVE response: %v", res)
	}

	var nums [6]int64
	for i, idx := range []int{4, 5, 6, 7, 8, 9} {
		n, err := toInt64(arr[idx])
		if err != nil {
			return nil, fmt.Errorf("Unexpected RESERVE response: %v", res)
		}
		nums[i] = n
	}

	return &ReservedJob{
		JobID:       AsStr(arr[1]),
		GroupID:     AsStr(arr[2]),
		Payload:     AsStr(arr[3]),
		Attempts:    int(nums[0]),
		MaxAttempts: int(nums[1]),
		Seq:         nums[2],
		OrderMs:     nums[3],
		EnqueuedAt:  nums[4],
		DeadlineMs:  nums[5],
		LeaseToken:  AsStr(arr[10]),
		LastError:   AsStr(arr[11]),
	}, nil
}

func (o *Ops) Complete(ctx context.Context, namespace, jobID, token string, nowMs int64, keep int) error {
	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.Complete, 1,
		NamespaceAnchor(namespace),
		jobID,
		token,
		strconv.FormatInt(nowMs, 10),
		strconv.Itoa(keep),
	)
	if err != nil {
		return err
	}

	arr, ok := asAnySlice(res)
	if !ok || len(arr) < 1 {
		return fmt.Errorf("Unexpected COMPLETE response: %v", res)
	}

	switch AsStr(arr[0]) {
	case "OK":
		return nil
	case "ERR":
		return fmt.Errorf("COMPLETE failed: %w", scriptErr(replyReason(arr)))
	default:
		return fmt.Errorf("Unexpected COMPLETE response: %v", res)
	}
}

type RetryArgs struct {
	JobID             string
	Token             string
	NowMs             int64
	BackoffMs         int64
	Error             string
	WorkerMaxAttempts int
	KeepFailed        int
}

func (o *Ops) Retry(ctx context.Context, namespace string, a RetryArgs) (RetryResult, error) {
	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.Retry, 1,
		NamespaceAnchor(namespace),
		a.JobID,
		a.Token,
		strconv.FormatInt(a.NowMs, 10),
		strconv.FormatInt(a.BackoffMs, 10),
		a.Error,
		strconv.Itoa(a.WorkerMaxAttempts),
		strconv.Itoa(a.KeepFailed),
	)
	if err != nil {
		return RetryResult{}, err
	}

	arr, ok := asAnySlice(res)
	if !ok || len(arr) < 1 {
		return RetryResult{}, fmt.Errorf("Unexpected RETRY response: %v", res)
	}

	switch AsStr(arr[0]) {
	case "RETRY":
		if len(arr) < 3 {
			return RetryResult{}, fmt.Errorf("Unexpected RETRY response: %v", res)
		}
		next, err := toInt64(arr[1])
		if err != nil {
			return RetryResult{}, fmt.Errorf("Unexpected RETRY response: %v", res)
		}
		attempts, err := toInt(arr[2])
		if err != nil {
			return RetryResult{}, fmt.Errorf("Unexpected RETRY response: %v", res)
		}
		return RetryResult{Status: RetryScheduled, Attempts: attempts, NextRunAtMs: &next}, nil

	case "FAILED":
		if len(arr) < 2 {
			return RetryResult{}, fmt.Errorf("Unexpected RETRY response: %v", res)
		}
		attempts, err := toInt(arr[1])
		if err != nil {
			return RetryResult{}, fmt.Errorf("Unexpected RETRY response: %v", res)
		}
		return RetryResult{Status: RetryFailed, Attempts: attempts}, nil

	case "ERR":
		return RetryResult{}, fmt.Errorf("RETRY failed: %w", scriptErr(replyReason(arr)))

	default:
		return RetryResult{}, fmt.Errorf("Unexpected RETRY response: %v", res)
	}
}

// Heartbeat pushes the lease deadline to now+extendMs and returns it.
func (o *Ops) Heartbeat(ctx context.Context, namespace, jobID, token string, nowMs, extendMs int64) (int64, error) {
	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.Heartbeat, 1,
		NamespaceAnchor(namespace),
		jobID,
		token,
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(extendMs, 10),
	)
	if err != nil {
		return 0, err
	}

	arr, ok := asAnySlice(res)
	if !ok || len(arr) < 1 {
		return 0, fmt.Errorf("Unexpected HEARTBEAT response: %v", res)
	}

	switch AsStr(arr[0]) {
	case "OK":
		if len(arr) < 2 {
			return 0, fmt.Errorf("Unexpected HEARTBEAT response: %v", res)
		}
		v, err := toInt64(arr[1])
		if err != nil {
			return 0, fmt.Errorf("Unexpected HEARTBEAT response: %v", res)
		}
		return v, nil

	case "ERR":
		return 0, fmt.Errorf("HEARTBEAT failed: %w", scriptErr(replyReason(arr)))

	default:
		return 0, fmt.Errorf("Unexpected HEARTBEAT response: %v", res)
	}
}

func (o *Ops) Cleanup(ctx context.Context, namespace string, nowMs int64, batch int, repair bool) (CleanupResult, error) {
	if batch <= 0 {
		batch = 1000
	}
	repairS := "0"
	if repair {
		repairS = "1"
	}

	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.Cleanup, 1,
		NamespaceAnchor(namespace),
		strconv.FormatInt(nowMs, 10),
		strconv.Itoa(batch),
		repairS,
	)
	if err != nil {
		return CleanupResult{}, err
	}

	arr, ok := asAnySlice(res)
	if !ok || len(arr) < 4 || AsStr(arr[0]) != "OK" {
		return CleanupResult{}, fmt.Errorf("Unexpected CLEANUP response: %v", res)
	}

	var out [3]int
	for i := range out {
		n, err := toInt(arr[i+1])
		if err != nil {
			return CleanupResult{}, fmt.Errorf("Unexpected CLEANUP response: %v", res)
		}
		out[i] = n
	}
	return CleanupResult{Reclaimed: out[0], Promoted: out[1], Repaired: out[2]}, nil
}

func (o *Ops) Counts(ctx context.Context, namespace string) (Counts, error) {
	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.Counts, 1, NamespaceAnchor(namespace))
	if err != nil {
		return Counts{}, err
	}

	arr, ok := asAnySlice(res)
	if !ok || len(arr) < 6 {
		return Counts{}, fmt.Errorf("Unexpected COUNTS response: %v", res)
	}

	var n [6]int64
	for i := range n {
		v, err := toInt64(arr[i])
		if err != nil {
			return Counts{}, fmt.Errorf("Unexpected COUNTS response: %v", res)
		}
		n[i] = v
	}
	return Counts{
		Active:    n[0],
		Waiting:   n[1],
		Delayed:   n[2],
		Completed: n[3],
		Failed:    n[4],
		Groups:    n[5],
	}, nil
}

func (o *Ops) RetryFailed(ctx context.Context, namespace, jobID string) error {
	res, err := o.evalShaWithNoScriptFallback(ctx, o.Scripts.RetryFailed, 1,
		NamespaceAnchor(namespace),
		jobID,
	)
	if err != nil {
		return err
	}

	arr, ok := asAnySlice(res)
	if !ok || len(arr) < 1 {
		return fmt.Errorf("Unexpected RETRY_FAILED response: %v", res)
	}

	switch AsStr(arr[0]) {
	case "OK":
		return nil
	case "ERR":
		return fmt.Errorf("RETRY_FAILED failed: %w", scriptErr(replyReason(arr)))
	default:
		return fmt.Errorf("Unexpected RETRY_FAILED response: %v", res)
	}
}

// JobFields returns the raw job hash, or nil when the job does not exist.
func (o *Ops) JobFields(ctx context.Context, namespace, jobID string) (map[string]string, error) {
	m, err := o.R.HGetAll(ctx, NamespaceBase(namespace)+":job:"+jobID)
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func (o *Ops) ActiveJobIDs(ctx context.Context, namespace string) ([]string, error) {
	return o.R.ZRange(ctx, NamespaceBase(namespace)+":processing", 0, -1)
}

// FailedJobIDs lists the newest failures first.
func (o *Ops) FailedJobIDs(ctx context.Context, namespace string, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	return o.R.ZRevRange(ctx, NamespaceBase(namespace)+":failed", 0, stop)
}

func (o *Ops) Groups(ctx context.Context, namespace string) ([]string, error) {
	return o.R.SMembers(ctx, NamespaceBase(namespace)+":groups")
}

// DelayedGroups lists groups parked by backoff or ordering delay, earliest
// due first.
func (o *Ops) DelayedGroups(ctx context.Context, namespace string) ([]string, error) {
	return o.R.ZRange(ctx, NamespaceBase(namespace)+":delayed", 0, -1)
}

// group members are "<20 digit seq>:<job id>"
const groupMemberPrefixLen = 21

// GroupJobIDs lists the waiting jobs of one group in reservation order.
func (o *Ops) GroupJobIDs(ctx context.Context, namespace, gid string) ([]string, error) {
	members, err := o.R.ZRange(ctx, NamespaceBase(namespace)+":g:"+gid, 0, -1)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(members))
	for _, m := range members {
		if len(m) <= groupMemberPrefixLen {
			continue
		}
		ids = append(ids, m[groupMemberPrefixLen:])
	}
	return ids, nil
}

// WaitReady blocks until a group enters the ready index and pops it. The
// caller must hand the group back through Reserve's RestoreGroup.
func (o *Ops) WaitReady(ctx context.Context, namespace string, timeout time.Duration) (string, bool, error) {
	return o.R.BZPopMin(ctx, timeout, NamespaceBase(namespace)+":ready")
}

// NextWakeMs returns the earliest moment a delayed group becomes due or a
// lease expires. ok is false when neither index has entries.
func (o *Ops) NextWakeMs(ctx context.Context, namespace string) (int64, bool, error) {
	base := NamespaceBase(namespace)

	var next int64
	found := false
	for _, key := range []string{base + ":delayed", base + ":processing"} {
		zs, err := o.R.ZRangeWithScores(ctx, key, 0, 0)
		if err != nil {
			return 0, false, err
		}
		if len(zs) == 0 {
			continue
		}
		at := int64(zs[0].Score)
		if !found || at < next {
			next = at
			found = true
		}
	}
	return next, found, nil
}
