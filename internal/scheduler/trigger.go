package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/transcription-worker/internal/events"
	"github.com/redis/go-redis/v9"
)

// Trigger decides when the next polling cycle starts.
type Trigger interface {
	Wait(ctx context.Context) error
}

type IntervalTrigger struct {
	interval time.Duration
}

func NewIntervalTrigger(interval time.Duration) *IntervalTrigger {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &IntervalTrigger{interval: interval}
}

func (t *IntervalTrigger) Wait(ctx context.Context) error {
	if !sleep(ctx, t.interval) {
		return ctx.Err()
	}
	return nil
}

// RedisTrigger waits for the poll interval but wakes early when a message
// arrives on the wake channel. While redis is unreachable it degrades to a
// plain interval.
type RedisTrigger struct {
	redis    *redis.Client
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

func NewRedisTrigger(client *redis.Client, interval time.Duration, logger *slog.Logger) *RedisTrigger {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTrigger{
		redis:    client,
		interval: interval,
		logger:   logger.With("component", "trigger"),
	}
}

func (t *RedisTrigger) Wait(ctx context.Context) error {
	ch := t.subscription(ctx)

	timer := time.NewTimer(t.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case _, ok := <-ch:
		if !ok {
			t.reset()
			return nil
		}
		t.logger.Debug("woken by signal")
		drain(ch)
		return nil
	}
}

func (t *RedisTrigger) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubsub == nil {
		return nil
	}
	err := t.pubsub.Close()
	t.pubsub = nil
	t.ch = nil
	return err
}

// subscription returns the wake channel, subscribing on first use. A nil
// channel is returned when the subscription cannot be established.
func (t *RedisTrigger) subscription(ctx context.Context) <-chan *redis.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != nil {
		return t.ch
	}

	pubsub := t.redis.Subscribe(context.WithoutCancel(ctx), events.WakeChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		t.logger.Warn("wake subscription unavailable, using interval only", "error", err)
		return nil
	}
	t.pubsub = pubsub
	t.ch = pubsub.Channel()
	return t.ch
}

func (t *RedisTrigger) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubsub != nil {
		_ = t.pubsub.Close()
	}
	t.pubsub = nil
	t.ch = nil
}

func drain(ch <-chan *redis.Message) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
