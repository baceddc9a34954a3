package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// The actual push delivery (APNs and friends) is another service's
// job; the engine only announces what happened on a redis channel,
// fire-and-forget. A lost notification never fails a workout mutation.

const DefaultChannel = "trainhub-workout-events"

type EventType string

const (
	WorkoutStarted   EventType = "workout_started"
	WorkoutCompleted EventType = "workout_completed"
	WorkoutCancelled EventType = "workout_cancelled"
)

type Event struct {
	Type       EventType `json:"type"`
	SessionID  uuid.UUID `json:"sessionId"`
	CustomerID uuid.UUID `json:"customerId"`
	Timestamp  time.Time `json:"timestamp"`
}

type Dispatcher struct {
	redisClient *redis.Client
	channel     string
}

func NewDispatcher(redisClient *redis.Client, channel string) *Dispatcher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Dispatcher{
		redisClient: redisClient,
		channel:     channel,
	}
}

// Dispatch publishes the event. Failures are logged, never returned -
// callers must not fail a session mutation over a notification.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	if d == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eventJson, err := json.Marshal(event)
	if err != nil {
		log.Errorf("failed to marshal workout event [%s]: %s", event.Type, err)
		return
	}

	if err := d.redisClient.Publish(ctx, d.channel, eventJson).Err(); err != nil {
		log.Errorf("failed to publish workout event [%s] for session [%s]: %s",
			event.Type, event.SessionID, err)
	}
}
