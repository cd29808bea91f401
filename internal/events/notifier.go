package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventsChannel = "transcription:events"
	WakeChannel   = "transcription:wake"

	metricsTTL = 7 * 24 * time.Hour
)

type Type string

const (
	TypeCompleted Type = "job.completed"
	TypeFailed    Type = "job.failed"
	TypeRequeued  Type = "job.requeued"
)

type Event struct {
	Type       Type      `json:"type"`
	JobID      string    `json:"job_id"`
	OwnerID    string    `json:"owner_id,omitempty"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink receives job lifecycle events. Recording is best-effort and must
// never fail the job.
type Sink interface {
	Record(ctx context.Context, evt Event)
}

type NopSink struct{}

func (NopSink) Record(context.Context, Event) {}

func MetricsRedisKey(date string, hour int) string {
	return fmt.Sprintf("transcription:metrics:%s:%d", date, hour)
}

// Notifier publishes job events on redis pub/sub and keeps hourly counters
// in redis hashes.
type Notifier struct {
	redis  *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewNotifier(redisClient *redis.Client, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		redis:  redisClient,
		logger: logger.With("component", "events"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (n *Notifier) Record(ctx context.Context, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = n.now()
	}
	if err := n.Publish(ctx, evt); err != nil {
		n.logger.Warn("publish job event failed", "job_id", evt.JobID, "type", evt.Type, "error", err)
	}
	if err := n.recordMetrics(ctx, evt); err != nil {
		n.logger.Warn("record job metrics failed", "job_id", evt.JobID, "type", evt.Type, "error", err)
	}
}

func (n *Notifier) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.redis.Publish(ctx, EventsChannel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	n.logger.Debug("published job event", "job_id", evt.JobID, "type", evt.Type)
	return nil
}

// Wake asks an idle scheduler to poll now instead of at its next interval.
func (n *Notifier) Wake(ctx context.Context) error {
	if err := n.redis.Publish(ctx, WakeChannel, "1").Err(); err != nil {
		return fmt.Errorf("publish wake: %w", err)
	}
	return nil
}

func (n *Notifier) IncrementMetric(ctx context.Context, field string, value int64) error {
	now := n.now()
	key := MetricsRedisKey(now.Format("2006-01-02"), now.Hour())

	pipe := n.redis.Pipeline()
	pipe.HIncrBy(ctx, key, field, value)
	pipe.Expire(ctx, key, metricsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (n *Notifier) recordMetrics(ctx context.Context, evt Event) error {
	switch evt.Type {
	case TypeCompleted:
		if err := n.IncrementMetric(ctx, "completed", 1); err != nil {
			return err
		}
		return n.IncrementMetric(ctx, "processing_ms", evt.DurationMs)
	case TypeFailed:
		return n.IncrementMetric(ctx, "failed", 1)
	case TypeRequeued:
		return n.IncrementMetric(ctx, "requeued", 1)
	}
	return nil
}

// CurrentMetrics returns the counters of the current hour.
func (n *Notifier) CurrentMetrics(ctx context.Context) (map[string]int64, error) {
	now := n.now()
	raw, err := n.redis.HGetAll(ctx, MetricsRedisKey(now.Format("2006-01-02"), now.Hour())).Result()
	if err != nil {
		return nil, err
	}
	metrics := make(map[string]int64, len(raw))
	for k, v := range raw {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		metrics[k] = i
	}
	return metrics, nil
}

// Subscribe delivers events to handler until ctx is done or the
// subscription fails.
func (n *Notifier) Subscribe(ctx context.Context, handler func(Event)) error {
	pubsub := n.redis.Subscribe(ctx, EventsChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				n.logger.Error("unmarshal job event", "error", err)
				continue
			}
			handler(evt)
		}
	}
}
