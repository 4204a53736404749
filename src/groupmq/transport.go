package groupmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLike is the slice of Redis the queue needs. Every Queue and Worker
// owns one, so a blocking pop never queues behind other commands.
type RedisLike interface {
	EvalSha(ctx context.Context, sha string, numkeys int, args ...any) (any, error)
	Eval(ctx context.Context, script string, numkeys int, args ...any) (any, error)
	ScriptLoad(ctx context.Context, script string) (string, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]redis.Z, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	// BZPopMin blocks up to timeout for a member of key. ok is false on
	// timeout.
	BZPopMin(ctx context.Context, timeout time.Duration, key string) (member string, ok bool, err error)

	Ping(ctx context.Context) error
	Close() error
}

type RedisConnOpts struct {
	RedisURL             string
	Host                 string
	Port                 int
	DB                   int
	Username             string
	Password             string
	SSL                  bool
	SocketTimeout        *time.Duration
	SocketConnectTimeout *time.Duration
}

func looksLikeClusterError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "cluster support disabled") ||
		strings.Contains(msg, "cluster mode is not enabled") ||
		(strings.Contains(msg, "unknown command") && strings.Contains(msg, "cluster")) ||
		strings.Contains(msg, "this instance has cluster support disabled") ||
		strings.Contains(msg, "only (p)subscribe / (p)unsubscribe / ping / quit allowed in this context") ||
		strings.Contains(msg, "moved") ||
		strings.Contains(msg, "ask")
}

type redisWrap struct {
	rdb redis.UniversalClient
}

// WrapRedis adapts an existing go-redis client. Closing the returned value
// closes the client.
func WrapRedis(rdb redis.UniversalClient) RedisLike {
	return &redisWrap{rdb: rdb}
}

func (w *redisWrap) Ping(ctx context.Context) error {
	return w.rdb.Ping(ctx).Err()
}

func (w *redisWrap) Close() error {
	return w.rdb.Close()
}

func (w *redisWrap) EvalSha(ctx context.Context, sha string, numkeys int, args ...any) (any, error) {
	keys, argv := splitKeysArgs(numkeys, args)
	return w.rdb.EvalSha(ctx, sha, keys, argv...).Result()
}

func (w *redisWrap) Eval(ctx context.Context, script string, numkeys int, args ...any) (any, error) {
	keys, argv := splitKeysArgs(numkeys, args)
	return w.rdb.Eval(ctx, script, keys, argv...).Result()
}

func (w *redisWrap) ScriptLoad(ctx context.Context, script string) (string, error) {
	return w.rdb.ScriptLoad(ctx, script).Result()
}

func (w *redisWrap) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return w.rdb.HGetAll(ctx, key).Result()
}

func (w *redisWrap) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return w.rdb.ZRange(ctx, key, start, stop).Result()
}

func (w *redisWrap) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return w.rdb.ZRevRange(ctx, key, start, stop).Result()
}

func (w *redisWrap) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]redis.Z, error) {
	return w.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
}

func (w *redisWrap) SMembers(ctx context.Context, key string) ([]string, error) {
	return w.rdb.SMembers(ctx, key).Result()
}

func (w *redisWrap) BZPopMin(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	v, err := w.rdb.BZPopMin(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return AsStr(v.Member), true, nil
}

func BuildRedisClient(opts RedisConnOpts) (RedisLike, error) {
	ctx := context.Background()

	if opts.RedisURL != "" {
		ropts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis_url: %w", err)
		}
		if opts.SSL && ropts.TLSConfig == nil {
			ropts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if opts.SocketTimeout != nil {
			ropts.ReadTimeout = *opts.SocketTimeout
			ropts.WriteTimeout = *opts.SocketTimeout
		}
		if opts.SocketConnectTimeout != nil {
			ropts.DialTimeout = *opts.SocketConnectTimeout
		}

		c := redis.NewClient(ropts)
		if err := c.Ping(ctx).Err(); err != nil {
			_ = c.Close()
			return nil, err
		}
		return &redisWrap{rdb: c}, nil
	}

	if opts.Host == "" {
		return nil, fmt.Errorf("RedisConnOpts requires host (or redis_url)")
	}

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	var tlsCfg *tls.Config
	if opts.SSL {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	{
		c := redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        []string{addr},
			Username:     opts.Username,
			Password:     opts.Password,
			TLSConfig:    tlsCfg,
			ReadTimeout:  durOrZero(opts.SocketTimeout),
			WriteTimeout: durOrZero(opts.SocketTimeout),
			DialTimeout:  durOrZero(opts.SocketConnectTimeout),
		})

		err := c.Ping(ctx).Err()
		if err == nil {
			return &redisWrap{rdb: c}, nil
		}
		_ = c.Close()

		if !looksLikeClusterError(err) {
			return nil, err
		}
	}

	c := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           opts.DB,
		Username:     opts.Username,
		Password:     opts.Password,
		TLSConfig:    tlsCfg,
		ReadTimeout:  durOrZero(opts.SocketTimeout),
		WriteTimeout: durOrZero(opts.SocketTimeout),
		DialTimeout:  durOrZero(opts.SocketConnectTimeout),
	})

	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &redisWrap{rdb: c}, nil
}

func durOrZero(d *time.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return *d
}
