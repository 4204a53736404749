package groupmq

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"
)

// PickShard maps a routing key to a shard index in [0, shardCount). The
// mapping depends only on the key bytes, so it is stable across processes
// and restarts.
func PickShard(key string, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(shardCount))
}

func ShardNamespace(name string, index int) string {
	return fmt.Sprintf("{group_%s_%d}", name, index)
}

type ShardOpts struct {
	Name  string
	Count int
	// Queue is the template for every shard. Namespace is ignored. A shared
	// Client.Redis makes all shards use one connection.
	Queue QueueOpts
}

// ShardedQueues owns N independent queues, one namespace and connection
// each.
type ShardedQueues[T any] struct {
	name   string
	queues []*Queue[T]
}

func NewShardedQueues[T any](opts ShardOpts) (*ShardedQueues[T], error) {
	if opts.Count <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidShardCount, opts.Count)
	}
	if strings.TrimSpace(opts.Name) == "" {
		return nil, fmt.Errorf("%w: empty shard name", ErrInvalidNamespace)
	}

	s := &ShardedQueues[T]{
		name:   opts.Name,
		queues: make([]*Queue[T], 0, opts.Count),
	}
	for i := 0; i < opts.Count; i++ {
		qopts := opts.Queue
		qopts.Namespace = ShardNamespace(opts.Name, i)

		q, err := NewQueue[T](qopts)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("shard %d: %w", i, err), s.Close())
		}
		s.queues = append(s.queues, q)
	}
	return s, nil
}

func (s *ShardedQueues[T]) Len() int {
	return len(s.queues)
}

func (s *ShardedQueues[T]) Shard(index int) *Queue[T] {
	return s.queues[index]
}

// GetShardFor returns the queue that owns key.
func (s *ShardedQueues[T]) GetShardFor(key string) *Queue[T] {
	return s.queues[PickShard(key, len(s.queues))]
}

func (s *ShardedQueues[T]) Queues() []*Queue[T] {
	return append([]*Queue[T](nil), s.queues...)
}

func (s *ShardedQueues[T]) Namespaces() []string {
	out := make([]string, len(s.queues))
	for i, q := range s.queues {
		out[i] = q.Namespace()
	}
	return out
}

func (s *ShardedQueues[T]) Close() error {
	var err error
	for _, q := range s.queues {
		err = multierr.Append(err, q.Close())
	}
	return err
}
