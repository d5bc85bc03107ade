// Package bus fans escalation lifecycle events out to subscribed supervisor
// clients. Live delivery uses Redis pub/sub on the supervisors channel; every
// publish is also mirrored into a capped stream so an external consumer can
// backfill events missed while disconnected.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"chat-escalation-service/pkg/metrics"
	"chat-escalation-service/pkg/models"
)

const (
	// SupervisorsChannel is the pub/sub topic carrying lifecycle events.
	SupervisorsChannel = "supervisors"

	// EventStreamKey is the capped stream mirroring every published event.
	EventStreamKey = "supervisor_events"

	EventNewEscalation      = "new-escalation"
	EventEscalationResolved = "escalation-resolved"
)

// Event is the envelope delivered to supervisor clients.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

type Redis struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
	maxLen  int64
}

func NewRedis(rdb *redis.Client, maxLen int64, logger *logrus.Logger, m *metrics.Metrics) *Redis {
	return &Redis{rdb: rdb, logger: logger, metrics: m, maxLen: maxLen}
}

// PublishNewEscalation broadcasts a freshly created (or re-opened) escalation
// with its full message history.
func (b *Redis) PublishNewEscalation(ctx context.Context, event models.EscalationEvent) error {
	return b.publish(ctx, EventNewEscalation, event)
}

// PublishEscalationResolved broadcasts that an escalation left the pending
// state. The same event is used for manual resolution and timeout; consumers
// re-fetch the record to distinguish the two.
func (b *Redis) PublishEscalationResolved(ctx context.Context, escalationID string) error {
	return b.publish(ctx, EventEscalationResolved, models.ResolvedEvent{EscalationID: escalationID})
}

func (b *Redis) publish(ctx context.Context, name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", name, err)
	}
	envelope, err := json.Marshal(Event{Name: name, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode %s envelope: %w", name, err)
	}

	pipe := b.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: EventStreamKey,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{"event": name, "data": string(data)},
	})
	pipe.Publish(ctx, SupervisorsChannel, envelope)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish %s: %w", name, err)
	}

	b.metrics.EventsPublished.WithLabelValues(name).Inc()
	b.logger.WithField("event", name).Debug("Published supervisor event")
	return nil
}

// Subscribe joins the supervisors topic. The returned stop function leaves it
// and closes the event channel. Slow consumers have events dropped rather
// than blocking the fan-out.
func (b *Redis) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	sub := b.rdb.Subscribe(ctx, SupervisorsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", SupervisorsChannel, err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.WithError(err).Warn("Dropping undecodable supervisor event")
				continue
			}
			select {
			case events <- ev:
			default:
				b.logger.WithField("event", ev.Name).Warn("Dropping event for slow subscriber")
			}
		}
	}()

	return events, func() { _ = sub.Close() }, nil
}
