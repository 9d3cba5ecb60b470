package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-service/internal/platform/metrics"
	"github.com/tinywideclouds/go-presence-service/internal/realtime"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

// EventNotification is the push event carrying a new notification.
const EventNotification = "notification"

// ConnectionSource exposes a user's live connections and drops the ones
// whose writes fail.
type ConnectionSource interface {
	HandlesFor(userID string) []*realtime.Connection
	Drop(ctx context.Context, conn *realtime.Connection, cause error)
}

// Dispatcher persists notifications and pushes them to every live
// connection of the recipient.
type Dispatcher struct {
	store       *Store
	connections ConnectionSource
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store *Store, connections ConnectionSource, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		connections: connections,
		metrics:     m,
		logger:      logger.With().Str("component", "NotificationDispatcher").Logger(),
	}
}

// Store returns the underlying store for query operations.
func (d *Dispatcher) Store() *Store { return d.store }

// Notify persists a notification and then pushes it. Only persistence
// errors are returned; delivery is best-effort and the record stays
// available by polling.
func (d *Dispatcher) Notify(ctx context.Context, params presence.CreateParams) (*presence.Notification, error) {
	n, err := d.store.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	d.metrics.NotificationCreated(string(n.Type))

	// The record is already stored, so an unencodable payload only costs the push.
	payload, err := json.Marshal(FormatForClient(*n, time.Now()))
	if err != nil {
		d.metrics.PushWrite("encode_failed")
		d.logger.Warn().Err(err).Str("user", n.UserID).Str("notification", n.ID).Msg("Failed to encode notification, skipping push.")
		return n, nil
	}
	delivered := d.Push(ctx, n.UserID, EventNotification, payload)
	d.logger.Debug().Str("user", n.UserID).Str("notification", n.ID).Int("delivered", delivered).Msg("Notification created.")
	return n, nil
}

// Push writes one event to every live connection of userID and returns how
// many writes succeeded. A user without connections is a silent no-op. A
// connection whose write fails is dropped; the others still receive the
// event.
func (d *Dispatcher) Push(ctx context.Context, userID, event string, payload []byte) int {
	handles := d.connections.HandlesFor(userID)
	delivered := 0
	for _, conn := range handles {
		if err := conn.Send(event, payload); err != nil {
			d.metrics.PushWrite("dropped")
			d.connections.Drop(ctx, conn, err)
			continue
		}
		d.metrics.PushWrite("ok")
		delivered++
	}
	return delivered
}
