package groupmq

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/multierr"
)

// EnvConfig is the process-level configuration of a sharded deployment.
type EnvConfig struct {
	Name   string
	Client ClientOpts

	Shards int
	// EnabledShards lists the shard indexes this process consumes. Nil means
	// all of them.
	EnabledShards []int
	Concurrency   int

	BlockingTimeout time.Duration
	JobTimeout      time.Duration
	MaxAttempts     int
}

func DefaultEnvConfig() EnvConfig {
	return EnvConfig{
		Name:            "events",
		Shards:          1,
		Concurrency:     1,
		BlockingTimeout: defaultBlockingTimeout,
		JobTimeout:      defaultJobTimeout,
		MaxAttempts:     defaultMaxAttempts,
	}
}

// FromEnv overlays GROUPMQ_* environment variables onto cfg. Unset variables
// leave the field alone; malformed ones are reported together.
func FromEnv(cfg *EnvConfig) error {
	var errs error

	envInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := decimalInt(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}

	if v := os.Getenv("GROUPMQ_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("GROUPMQ_REDIS_URL"); v != "" {
		cfg.Client.RedisURL = v
	}
	if v := os.Getenv("GROUPMQ_REDIS_HOST"); v != "" {
		cfg.Client.Host = v
	}
	envInt("GROUPMQ_REDIS_PORT", &cfg.Client.Port)
	envInt("GROUPMQ_REDIS_DB", &cfg.Client.DB)
	if v := os.Getenv("GROUPMQ_REDIS_USERNAME"); v != "" {
		cfg.Client.Username = v
	}
	if v := os.Getenv("GROUPMQ_REDIS_PASSWORD"); v != "" {
		cfg.Client.Password = v
	}
	if v := os.Getenv("GROUPMQ_REDIS_SSL"); v != "" {
		b, err := cast.ToBoolE(strings.TrimSpace(v))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("GROUPMQ_REDIS_SSL: %w", err))
		} else {
			cfg.Client.SSL = b
		}
	}

	envInt("GROUPMQ_SHARDS", &cfg.Shards)
	envInt("GROUPMQ_CONCURRENCY", &cfg.Concurrency)
	envInt("GROUPMQ_MAX_ATTEMPTS", &cfg.MaxAttempts)

	if v := os.Getenv("GROUPMQ_BLOCKING_TIMEOUT_SEC"); v != "" {
		f, err := cast.ToFloat64E(strings.TrimSpace(v))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("GROUPMQ_BLOCKING_TIMEOUT_SEC: %w", err))
		} else {
			cfg.BlockingTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := os.Getenv("GROUPMQ_JOB_TIMEOUT_MS"); v != "" {
		n, err := decimalInt64(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("GROUPMQ_JOB_TIMEOUT_MS: %w", err))
		} else {
			cfg.JobTimeout = time.Duration(n) * time.Millisecond
		}
	}

	if cfg.Shards <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: %d", ErrInvalidShardCount, cfg.Shards))
	} else if v, ok := os.LookupEnv("GROUPMQ_ENABLED_SHARDS"); ok {
		enabled, err := ParseEnabledShards(v, cfg.Name, cfg.Shards)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("GROUPMQ_ENABLED_SHARDS: %w", err))
		} else {
			cfg.EnabledShards = enabled
		}
	}

	return errs
}

// decimalInt64 parses base 10 only; cast alone reads "010" as octal.
func decimalInt64(v string) (int64, error) {
	v = strings.TrimSpace(v)
	sign := ""
	if strings.HasPrefix(v, "-") {
		sign, v = "-", v[1:]
	}
	digits := strings.TrimLeft(v, "0")
	if digits == "" && v != "" {
		digits = "0"
	}
	if digits == "" || strings.ContainsAny(digits[:1], "xXoObB+-") || strings.Contains(digits, "_") {
		return 0, fmt.Errorf("invalid integer %q", sign+v)
	}
	return cast.ToInt64E(sign + digits)
}

func decimalInt(v string) (int, error) {
	n, err := decimalInt64(v)
	return int(n), err
}

// ParseEnabledShards resolves a comma separated selection of shards. Items
// are indexes ("2"), inclusive ranges ("0-3") or shard namespaces
// ("group_events_1", with or without braces). Empty or "*" selects all.
func ParseEnabledShards(raw, name string, count int) ([]int, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidShardCount, count)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		all := make([]int, count)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}

	byName := make(map[string]int, count)
	for i := 0; i < count; i++ {
		ns := ShardNamespace(name, i)
		byName[ns] = i
		byName[strings.Trim(ns, "{}")] = i
	}

	seen := make(map[int]struct{})
	check := func(i int) error {
		if i < 0 || i >= count {
			return fmt.Errorf("shard %d out of range [0,%d)", i, count)
		}
		seen[i] = struct{}{}
		return nil
	}

	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		if i, ok := byName[item]; ok {
			seen[i] = struct{}{}
			continue
		}

		if lo, hi, ok := strings.Cut(item, "-"); ok {
			from, err1 := decimalInt(lo)
			to, err2 := decimalInt(hi)
			if err1 != nil || err2 != nil || from > to {
				return nil, fmt.Errorf("invalid shard range %q", item)
			}
			for i := from; i <= to; i++ {
				if err := check(i); err != nil {
					return nil, err
				}
			}
			continue
		}

		i, err := decimalInt(item)
		if err != nil {
			return nil, fmt.Errorf("unknown shard %q", item)
		}
		if err := check(i); err != nil {
			return nil, err
		}
	}

	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

// ShardOpts builds the sharded queue options described by the config.
func (c EnvConfig) ShardOpts() ShardOpts {
	return ShardOpts{
		Name:  c.Name,
		Count: c.Shards,
		Queue: QueueOpts{
			Client:      c.Client,
			JobTimeout:  c.JobTimeout,
			MaxAttempts: c.MaxAttempts,
		},
	}
}

// Enabled reports the shard indexes to consume.
func (c EnvConfig) Enabled() []int {
	if c.EnabledShards != nil {
		return c.EnabledShards
	}
	all := make([]int, c.Shards)
	for i := range all {
		all[i] = i
	}
	return all
}
