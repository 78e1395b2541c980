package counter

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Redis shares counters across service instances through an atomic
// INCR+EXPIRE pipeline. On connection errors or timeouts it serves calls
// from an embedded in-process store instead of failing the request, logging
// the degradation once per outage. The circuit breaker trips after repeated
// failures and its half-open probes detect recovery.
type Redis struct {
	client   *redis.Client
	fallback *Local
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger

	// Per-call budget for the round trip, independent of the request context.
	callTimeout time.Duration

	onDegrade func()
	degraded  atomic.Bool
}

// RedisOptions configures the distributed counter store
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	MaxRetries  int
	DialTimeout time.Duration
	CallTimeout time.Duration

	// Capacity of the embedded fallback store used during outages.
	FallbackMaxKeys int

	// OnDegrade is invoked once at the onset of each outage.
	OnDegrade func()
}

// NewRedis creates a distributed counter store. Construction succeeds even
// when the server is unreachable; calls degrade to the fallback until the
// connection recovers.
func NewRedis(opts RedisOptions, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 50 * time.Millisecond
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		PoolSize:    opts.PoolSize,
		MaxRetries:  opts.MaxRetries,
		DialTimeout: opts.DialTimeout,
		ReadTimeout: opts.CallTimeout,
	})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-counter",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Redis{
		client:      client,
		fallback:    NewLocal(opts.FallbackMaxKeys),
		breaker:     breaker,
		logger:      logger,
		callTimeout: opts.CallTimeout,
		onDegrade:   opts.OnDegrade,
	}
}

// Increment bumps the counter for (category, key) in Redis, refreshing its
// TTL, and returns the new value. Any failure is absorbed at this boundary:
// the count comes from the in-process fallback and no error reaches the
// caller.
func (r *Redis) Increment(ctx context.Context, category, key string, window time.Duration) (int64, error) {
	result, err := r.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
		return r.increment(callCtx, category, key, window)
	})
	if err != nil {
		if r.degraded.CompareAndSwap(false, true) {
			r.logger.Warn("Distributed counter store unavailable, serving counts from memory",
				zap.Error(err))
			if r.onDegrade != nil {
				r.onDegrade()
			}
		}
		return r.fallback.Increment(ctx, category, key, window)
	}

	if r.degraded.CompareAndSwap(true, false) {
		r.logger.Info("Distributed counter store recovered")
	}
	return result.(int64), nil
}

func (r *Redis) increment(ctx context.Context, category, key string, window time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, counterKey(category, key))
	pipe.Expire(ctx, counterKey(category, key), window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "redis pipeline failed")
	}
	return incr.Val(), nil
}

// Degraded reports whether the store is currently serving from the
// in-process fallback.
func (r *Redis) Degraded() bool {
	return r.degraded.Load()
}

// Ping verifies connectivity, used by the health endpoint.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
