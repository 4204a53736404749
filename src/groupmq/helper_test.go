package groupmq

import (
	"context"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func startMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	return miniredis.RunT(t)
}

func testQueueOpts(s *miniredis.Miniredis, ns string) QueueOpts {
	return QueueOpts{
		Client:    ClientOpts{RedisURL: "redis://" + s.Addr()},
		Namespace: ns,
		Logger:    quietLogger(),
	}
}

func newTestQueue[T any](t *testing.T, s *miniredis.Miniredis, ns string, mut ...func(*QueueOpts)) *Queue[T] {
	t.Helper()
	opts := testQueueOpts(s, ns)
	for _, m := range mut {
		m(&opts)
	}
	q, err := NewQueue[T](opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func newTestWorker[T any](t *testing.T, s *miniredis.Miniredis, ns string, h Handler[T], mut ...func(*WorkerOpts[T])) *Worker[T] {
	t.Helper()
	opts := WorkerOpts[T]{
		Queue:           testQueueOpts(s, ns),
		Handler:         h,
		Backoff:         NoBackoff,
		PollInterval:    10 * time.Millisecond,
		UseBlocking:     ptr(false),
		CleanupInterval: ptr(time.Duration(0)),
		CloseTimeout:    5 * time.Second,
		Logger:          quietLogger(),
	}
	for _, m := range mut {
		m(&opts)
	}
	w, err := NewWorker[T](opts)
	require.NoError(t, err)
	return w
}

// runWorker starts w and closes it when the test ends.
func runWorker[T any](t *testing.T, w *Worker[T]) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	t.Cleanup(func() {
		_ = w.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Errorf("worker %s did not exit", w.ID())
		}
	})
}

func TestNamespaceBase(t *testing.T) {
	assert.Equal(t, "groupmq:{orders}", NamespaceBase("orders"))
	assert.Equal(t, "groupmq:{group_events_0}", NamespaceBase("{group_events_0}"))
	assert.Equal(t, "groupmq:{orders}:meta", NamespaceAnchor("orders"))
}

func TestParseIntLoose(t *testing.T) {
	cases := map[string]int64{"12": 12, " 7 ": 7, "3.0": 3, "": 0}
	for in, want := range cases {
		got, err := parseIntLoose(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseIntLoose("abc")
	assert.Error(t, err)
}

func TestScriptErr(t *testing.T) {
	assert.ErrorIs(t, scriptErr("NOT_FOUND"), ErrJobNotFound)
	assert.ErrorIs(t, scriptErr("NOT_ACTIVE"), ErrLeaseLost)
	assert.ErrorIs(t, scriptErr("TOKEN_MISMATCH"), ErrLeaseLost)
	assert.ErrorIs(t, scriptErr("NOT_FAILED"), ErrNotFailed)
	assert.ErrorIs(t, scriptErr("DUPLICATE"), ErrDuplicateJob)
	assert.EqualError(t, scriptErr("BOOM"), "groupmq: BOOM")
}
