package groupmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestNewQueue_InvalidNamespace(t *testing.T) {
	s := startMiniRedis(t)

	for _, ns := range []string{"", "   ", "has space"} {
		_, err := NewQueue[testEvent](testQueueOpts(s, ns))
		assert.ErrorIs(t, err, ErrInvalidNamespace, ns)
	}
}

func TestQueue_AddRequiresGroup(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestQueue[testEvent](t, s, "add")

	_, err := q.Add(context.Background(), AddOpts[testEvent]{Payload: testEvent{Name: "x"}})
	assert.ErrorIs(t, err, ErrMissingGroupID)
}

func TestQueue_AddDuplicateID(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestQueue[testEvent](t, s, "dup")
	ctx := context.Background()

	id, err := q.Add(ctx, AddOpts[testEvent]{GroupID: "g", JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	_, err = q.Add(ctx, AddOpts[testEvent]{GroupID: "g", JobID: "job-1"})
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestQueue_ReserveFollowsOrderWithinGroup(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestQueue[testEvent](t, s, "order")
	ctx := context.Background()

	for _, ms := range []int64{3000, 1000, 2000} {
		_, err := q.Add(ctx, AddOpts[testEvent]{GroupID: "g", Payload: testEvent{N: int(ms)}, OrderMs: ms})
		require.NoError(t, err)
	}

	var got []int
	for i := 0; i < 3; i++ {
		job, err := q.Reserve(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		got = append(got, job.Payload.N)

		// the group is locked until the head is acknowledged
		other, err := q.Reserve(ctx)
		require.NoError(t, err)
		assert.Nil(t, other)

		require.NoError(t, q.Complete(ctx, job))
	}
	assert.Equal(t, []int{1000, 2000, 3000}, got)
}

func TestQueue_EqualOrderUsesArrival(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestQueue[testEvent](t, s, "seq")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Add(ctx, AddOpts[testEvent]{GroupID: "g", Payload: testEvent{N: i}, OrderMs: 42})
		require.NoError(t, err)
	}

	var prevSeq int64
	for i := 0; i < 5; i++ {
		job, err := q.Reserve(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, i, job.Payload.N)
		assert.Greater(t, job.Seq, prevSeq)
		prevSeq = job.Seq
		require.NoError(t, q.Complete(ctx, job))
	}
}

func TestQueue_GroupsReserveIndependently(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestQueue[testEvent](t, s, "groups")
	ctx := context.Background()

	_, err := q.Add(ctx, AddOpts[testEvent]{GroupID: "a", OrderMs: 1})
	require.NoError(t, err)
	_, err = q.Add(ctx, AddOpts[testEvent]{GroupID: "b", OrderMs: 2})
	require.NoError(t, err)

	first, err := q.Reserve(ctx)
	require.NoError(t, err)
	second, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotNil(t, second)

	assert.Equal(t, "a", first.GroupID)
	assert.Equal(t, "b", second.GroupID)

	active, err := q.GetActiveCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, active)

	ids, err := q.GetActiveJobs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)

	groups, err := q.GetUniqueGroups(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, groups)
}

func TestQueue_RetryHoldsGroupDuringBackoff(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestQueue[testEvent](t, s, "backoff")
	ctx := context.Background()

	_, err := q.Add(ctx, AddOpts[testEvent]{GroupID: "g", Payload: testEvent{N: 1}, OrderMs: 1})
	require.NoError(t, err)
	_, err = q.Add(ctx, AddOpts[testEvent]{GroupID: "g", Payload: testEvent{N: 2}, OrderMs: 2})
	require.NoError(t, err)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	res, err := q.Retry(ctx, job, time.Hour, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, RetryScheduled, res.Status)
	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.NextRunAtMs)
	assert.Greater(t, *res.NextRunAtMs, NowMs()+int64(59*time.Minute/time.Millisecond))

	next, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, next, "neither the retried head nor its successor may run during backoff")

	c, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, c.Active)
	assert.EqualValues(t, 2, c.Waiting)
	assert.EqualValues(t, 2, c.Delayed)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, stored.Status)
	assert.Equal(t, "boom", stored.LastError)
}

func TestQueue_RetryWithoutBackoffKeepsHead(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestQueue[testEvent](t, s, "nobackoff")
	ctx := context.Background()

	first, err := q.Add(ctx, AddOpts[testEvent]{GroupID: "g", OrderMs: 1})
	require.NoError(t, err)
	_, err = q.Add(ctx, AddOpts[testEvent]{GroupID: "g", OrderMs: 2})
	require.NoError(t, err)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	_, err = q.Retry(ctx, job, 0, errors.New("again"))
	require.NoError(t, err)

	again, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, first, again.ID)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, "again", again.LastError)
	assert.NotEqual(t, job.LeaseToken, again.LeaseToken)
}

func TestQueue_RetryExhaustionFailsJob(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestQueue[testEvent](t, s, "exhaust")
	ctx := context.Background()

	id, err := q.Add(ctx, AddOpts[testEvent]{GroupID: "g", MaxAttempts: 2})
	require.NoError(t, err)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	res, err := q.Retry(ctx, job, 0, errors.New("one"))
	require.NoError(t, err)
	assert.Equal(t, RetryScheduled, res.Status)

	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	res, err = q.Retry(ctx, job, 0, errors.New("two"))
	require.NoError(t, err)
	assert.Equal(t, RetryFailed, res.Status)
	assert.Equal(t, 2, res.Attempts)

	next, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	failed, err := q.GetFailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
	assert.Equal(t, StatusFailed, failed[0].Status)
	assert.Equal(t, "two", failed[0].LastError)
	assert.NotZero(t, failed[0].FinishedAt)

	require.NoError(t, q.RetryFailed(ctx, id))
	assert.ErrorIs(t, q.RetryFailed(ctx, id), ErrNotFailed)

	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 0, job.Attempts)
}

func TestQueue_ExpiredLeaseIsReclaimed(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestQueue[testEvent](t, s, "lease", func(o *QueueOpts) {
		o.JobTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()

	id, err := q.Add(ctx, AddOpts[testEvent]{GroupID: "g"})
	require.NoError(t, err)

	crashed, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, crashed)

	time.Sleep(100 * time.Millisecond)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 0, job.Attempts, "a reclaim is not a failed attempt")

	assert.ErrorIs(t, q.Complete(ctx, crashed), ErrLeaseLost)
	require.NoError(t, q.Complete(ctx, job))

	assert.Equal(t, "1", s.HGet(NamespaceBase("lease")+":stats", "reclaimed"))
}

func TestQueue_HeartbeatExtendsLease(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestQueue[testEvent](t, s, "hb", func(o *QueueOpts) {
		o.JobTimeout = 150 * time.Millisecond
	})
	ctx := context.Background()

	_, err := q.Add(ctx, AddOpts[testEvent]{GroupID: "g"})
	require.NoError(t, err)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond)
		deadline, err := q.Heartbeat(ctx, job)
		require.NoError(t, err)
		assert.Greater(t, deadline, job.LeaseExpiresAt)
	}

	other, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, other)

	forged := *job
	forged.LeaseToken = "forged"
	_, err = q.Heartbeat(ctx, &forged)
	assert.ErrorIs(t, err, ErrLeaseLost)

	require.NoError(t, q.Complete(ctx, job))
	_, err = q.Heartbeat(ctx, job)
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestQueue_WaitForEmpty(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestQueue[testEvent](t, s, "empty")
	ctx := context.Background()

	start := time.Now()
	empty, err := q.WaitForEmpty(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, empty)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	_, err = q.Add(ctx, AddOpts[testEvent]{GroupID: "g"})
	require.NoError(t, err)

	empty, err = q.WaitForEmpty(ctx, 150*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, empty)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = q.Complete(context.Background(), job)
	}()

	empty, err = q.WaitForEmpty(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestQueue_CompletedRetention(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestQueue[testEvent](t, s, "keep", func(o *QueueOpts) {
		o.KeepCompleted = ptr(1)
	})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 2; i++ {
		id, err := q.Add(ctx, AddOpts[testEvent]{GroupID: "g", OrderMs: int64(i + 1)})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 0; i < 2; i++ {
		job, err := q.Reserve(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, job))
	}

	_, err := q.GetJob(ctx, ids[0])
	assert.ErrorIs(t, err, ErrJobNotFound)

	kept, err := q.GetJob(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, kept.Status)

	c, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.Completed)
	assert.EqualValues(t, 0, c.Groups)
}

func TestQueue_OrderingDelayHoldsFreshJobs(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestQueue[testEvent](t, s, "delay", func(o *QueueOpts) {
		o.OrderingDelay = time.Hour
	})
	ctx := context.Background()

	_, err := q.Add(ctx, AddOpts[testEvent]{GroupID: "g"})
	require.NoError(t, err)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	delayed, err := q.GetDelayedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, delayed)

	// an old event is past the delay already
	_, err = q.Add(ctx, AddOpts[testEvent]{GroupID: "old", OrderMs: NowMs() - 2*time.Hour.Milliseconds()})
	require.NoError(t, err)
	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "old", job.GroupID)
}

func TestQueue_CleanupRepairsLostGroup(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestQueue[testEvent](t, s, "repair")
	ctx := context.Background()

	_, err := q.Add(ctx, AddOpts[testEvent]{GroupID: "g"})
	require.NoError(t, err)

	// what a blocking pop leaves behind when its reply never arrives
	_, err = s.ZRem(NamespaceBase("repair")+":ready", "g")
	require.NoError(t, err)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	res, err := q.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Repaired)

	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestQueue_NoScriptFallback(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestQueue[testEvent](t, s, "noscript")
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	require.NoError(t, rdb.ScriptFlush(ctx).Err())

	_, err := q.Add(ctx, AddOpts[testEvent]{GroupID: "g", Payload: testEvent{Name: "after flush"}})
	require.NoError(t, err)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "after flush", job.Payload.Name)
}

func TestQueue_PayloadDecodeFailure(t *testing.T) {
	s := startMiniRedis(t)
	producer := newTestQueue[string](t, s, "decode")
	consumer := newTestQueue[testEvent](t, s, "decode")
	ctx := context.Background()

	_, err := producer.Add(ctx, AddOpts[string]{GroupID: "g", Payload: "not an object"})
	require.NoError(t, err)

	job, err := consumer.Reserve(ctx)
	assert.ErrorIs(t, err, ErrPayloadDecode)
	require.NotNil(t, job)
	assert.Equal(t, `"not an object"`, job.PayloadRaw)
}

func TestQueue_SharedClientIsNotClosed(t *testing.T) {
	s := startMiniRedis(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()

	opts := testQueueOpts(s, "shared")
	opts.Client = ClientOpts{Redis: WrapRedis(rdb)}
	q, err := NewQueue[testEvent](opts)
	require.NoError(t, err)
	require.NoError(t, q.Close())

	assert.NoError(t, rdb.Ping(context.Background()).Err())
}

func TestQueue_ListsJobsByState(t *testing.T) {
	s := startMiniRedis(t)
	q := newTestQueue[testEvent](t, s, "listing")
	ctx := context.Background()

	a1, err := q.Add(ctx, AddOpts[testEvent]{GroupID: "a", OrderMs: 1})
	require.NoError(t, err)
	a2, err := q.Add(ctx, AddOpts[testEvent]{GroupID: "a", OrderMs: 2})
	require.NoError(t, err)
	b1, err := q.Add(ctx, AddOpts[testEvent]{GroupID: "b", OrderMs: 3})
	require.NoError(t, err)
	c1, err := q.Add(ctx, AddOpts[testEvent]{GroupID: "c", OrderMs: 4})
	require.NoError(t, err)

	waiting, err := q.GetWaitingJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a1, a2, b1, c1}, waiting)

	delayed, err := q.GetDelayedJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, delayed)

	head, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	require.Equal(t, a1, head.ID)
	_, err = q.Retry(ctx, head, time.Hour, errors.New("boom"))
	require.NoError(t, err)

	running, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, running)
	require.Equal(t, b1, running.ID)

	jobs, err := q.GetJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b1}, jobs.Active)
	assert.Equal(t, []string{a1, a2, c1}, jobs.Waiting)
	assert.Equal(t, []string{a1, a2}, jobs.Delayed)

	c, err := q.GetCounts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(jobs.Waiting), c.Waiting)
	assert.EqualValues(t, len(jobs.Delayed), c.Delayed)
}
