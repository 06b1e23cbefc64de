package editing

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aide-ai/aide/internal/event"
	"github.com/aide-ai/aide/internal/logging"
)

// Notifier surfaces failures the user has to see.
type Notifier interface {
	NotifyError(ctx context.Context, sessionID string, err error)
}

// BusNotifier logs the failure and publishes it as a notification.error event.
type BusNotifier struct {
	bus *event.Bus
	log *zerolog.Logger
}

// NewBusNotifier creates a notifier that publishes on bus. A nil bus only logs.
func NewBusNotifier(bus *event.Bus) *BusNotifier {
	return &BusNotifier{bus: bus, log: logging.Component("notify")}
}

func (n *BusNotifier) NotifyError(_ context.Context, sessionID string, err error) {
	n.log.Error().Err(err).Str("session", sessionID).Msg("user-visible error")
	if n.bus == nil {
		return
	}
	n.bus.Publish(event.Event{
		Type: event.NotificationError,
		Data: event.NotificationErrorData{SessionID: sessionID, Message: err.Error()},
	})
}
