// Package notify publishes review lifecycle events. Notification is
// best-effort: a failed publish is logged and dropped, it never fails the
// pipeline stage that triggered it.
//
// Events are published to subjects:
//
//	reviews.{user_id}.{review_id}.{status}
//
// so clients can subscribe to a single review (reviews.*.rev-1.>), all of
// one user's reviews (reviews.alice.>), or a single transition kind
// (reviews.*.*.completed).
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewd/internal/logging"
	"github.com/fyrsmithlabs/reviewd/internal/review"
)

// Event is the payload delivered on every status transition.
type Event struct {
	ReviewID  string        `json:"review_id"`
	UserID    string        `json:"user_id"`
	Status    review.Status `json:"status"`
	Stage     string        `json:"stage,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Notifier delivers review lifecycle events to interested clients.
type Notifier interface {
	ReviewTransitioned(ctx context.Context, ev Event)
}

// NATSNotifier publishes events over a NATS connection.
type NATSNotifier struct {
	nc  *nats.Conn
	log *logging.Logger
}

// NewNATSNotifier wraps an established NATS connection.
func NewNATSNotifier(nc *nats.Conn, log *logging.Logger) *NATSNotifier {
	return &NATSNotifier{nc: nc, log: log.Named("notify")}
}

// ReviewTransitioned publishes the event. Failures are logged, not returned.
func (n *NATSNotifier) ReviewTransitioned(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	subject := fmt.Sprintf("reviews.%s.%s.%s", ev.UserID, ev.ReviewID, ev.Status)
	data, err := json.Marshal(ev)
	if err != nil {
		n.log.Warn(ctx, "failed to marshal review event", zap.Error(err))
		return
	}

	if err := n.nc.Publish(subject, data); err != nil {
		n.log.Warn(ctx, "failed to publish review event",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}

	n.log.Debug(ctx, "review event published", zap.String("subject", subject))
}

// Nop is a Notifier that discards every event. Used when NATS is not
// configured.
type Nop struct{}

func (Nop) ReviewTransitioned(context.Context, Event) {}
