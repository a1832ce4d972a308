package redis_infra

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects and pings once so a bad address fails at startup.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// Watchdog pings redis on an interval and fires Notify once after
// threshold consecutive failures.
type Watchdog struct {
	client    Pinger
	interval  time.Duration
	timeout   time.Duration
	threshold int
	logger    *zap.Logger

	failures int
	fired    chan struct{}
	once     sync.Once
}

func NewWatchdog(client Pinger, interval time.Duration, threshold int, logger *zap.Logger) *Watchdog {
	if threshold < 1 {
		threshold = 1
	}
	timeout := interval
	if timeout <= 0 || timeout > 2*time.Second {
		timeout = 2 * time.Second
	}
	return &Watchdog{
		client:    client,
		interval:  interval,
		timeout:   timeout,
		threshold: threshold,
		logger:    logger.With(zap.String("component", "RedisWatchdog")),
		fired:     make(chan struct{}),
	}
}

// Notify is closed when redis is considered lost.
func (w *Watchdog) Notify() <-chan struct{} {
	return w.fired
}

func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.check(ctx) {
				return
			}
		}
	}
}

// check pings once and reports whether the watchdog has fired.
func (w *Watchdog) check(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	err := w.client.Ping(pingCtx).Err()
	if err == nil {
		if w.failures > 0 {
			w.logger.Info("Redis reachable again", zap.Int("after_failures", w.failures))
		}
		w.failures = 0
		return false
	}
	if ctx.Err() != nil {
		return false
	}

	w.failures++
	w.logger.Warn("Redis ping failed",
		zap.Int("consecutive_failures", w.failures),
		zap.Int("threshold", w.threshold),
		zap.Error(err))
	if w.failures < w.threshold {
		return false
	}

	w.once.Do(func() {
		w.logger.Error("Redis lost, requesting shutdown", zap.Int("consecutive_failures", w.failures))
		close(w.fired)
	})
	return true
}
