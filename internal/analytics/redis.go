// Package analytics keeps per-workflow trigger outcome counters in Redis,
// bucketed by time window so dashboards can chart trigger health cheaply.
package analytics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultWindow    = time.Hour
	DefaultRetention = 7 * 24 * time.Hour

	writeTimeout = 500 * time.Millisecond
	// maxBuckets bounds the key count of one Counts call.
	maxBuckets = 24 * 31
)

type Config struct {
	// Window is the bucket size: one minute, five minutes, or one hour.
	Window    time.Duration
	Retention time.Duration
}

type RedisSink struct {
	client redis.UniversalClient
	config Config
	clock  func() time.Time
	logger *zap.SugaredLogger
}

func NewRedisSink(client redis.UniversalClient, config Config) *RedisSink {
	if config.Window != time.Minute && config.Window != 5*time.Minute && config.Window != time.Hour {
		config.Window = DefaultWindow
	}
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	return &RedisSink{
		client: client,
		config: config,
		clock:  time.Now,
		logger: zap.NewNop().Sugar(),
	}
}

func (s *RedisSink) WithLogger(logger *zap.SugaredLogger) *RedisSink {
	s.logger = logger
	return s
}

func (s *RedisSink) WithClock(clock func() time.Time) *RedisSink {
	s.clock = clock
	return s
}

// RecordTrigger increments the outcome counter for the current bucket.
// Failures are logged and dropped; counters never hold up scheduling.
func (s *RedisSink) RecordTrigger(ctx context.Context, workflowID, outcome string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := s.write(ctx, workflowID, outcome, s.clock()); err != nil {
		s.logger.Warnw("analytics write failed", "workflow_id", workflowID, "outcome", outcome, "error", err)
	}
}

func (s *RedisSink) write(ctx context.Context, workflowID, outcome string, at time.Time) error {
	key := buildKey(workflowID, outcome, at, s.config.Window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.config.Retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "redis pipeline")
	}
	return nil
}

// Counts sums each outcome's counters for workflowID over the buckets
// covering [from, to].
func (s *RedisSink) Counts(ctx context.Context, workflowID string, outcomes []string, from, to time.Time) (map[string]int64, error) {
	buckets := bucketRange(from, to, s.config.Window)
	if len(buckets) > maxBuckets {
		return nil, errors.Newf("range spans %d buckets, limit is %d", len(buckets), maxBuckets)
	}

	result := make(map[string]int64, len(outcomes))
	for _, outcome := range outcomes {
		keys := make([]string, len(buckets))
		for i, b := range buckets {
			keys[i] = keyFor(workflowID, outcome, b)
		}
		if len(keys) == 0 {
			result[outcome] = 0
			continue
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "read %s counters", outcome)
		}
		result[outcome] = sumCounters(vals)
	}
	return result, nil
}

func sumCounters(vals []any) int64 {
	var total int64
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err == nil {
			total += n
		}
	}
	return total
}

func buildKey(workflowID, outcome string, t time.Time, window time.Duration) string {
	return keyFor(workflowID, outcome, truncateToBucket(t, window))
}

func keyFor(workflowID, outcome, bucket string) string {
	return fmt.Sprintf("flowtick:wf:%s:%s:%s", workflowID, outcome, bucket)
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}

// bucketRange lists the bucket labels covering [from, to] in order.
func bucketRange(from, to time.Time, window time.Duration) []string {
	if to.Before(from) {
		return nil
	}
	from = from.UTC().Truncate(window)
	var out []string
	for t := from; !t.After(to); t = t.Add(window) {
		out = append(out, truncateToBucket(t, window))
		if len(out) > maxBuckets {
			break
		}
	}
	return out
}
