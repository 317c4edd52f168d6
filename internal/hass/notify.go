package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/landirector2008-wq/ha-deepseek-control/internal/automation"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/infrastructure/mqtt"
)

// Notifier publishes persistent notifications on deepseek/notify.
//
// Messages are retained so the latest notice survives a Home Assistant
// restart, and carry a notification_id so repeated notices with the same
// id replace each other instead of stacking, like the platform's
// persistent_notification service.
type Notifier struct {
	broker Publisher
	topics mqtt.Topics
	logger Logger
}

// NewNotifier creates a notifier.
func NewNotifier(broker Publisher) *Notifier {
	return &Notifier{
		broker: broker,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the notifier.
func (n *Notifier) SetLogger(logger Logger) {
	n.logger = logger
}

// Notify publishes one notification, retained at QoS 1.
func (n *Notifier) Notify(_ context.Context, note automation.Notification) error {
	body := map[string]any{
		"title":      note.Title,
		"message":    note.Message,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	if note.ID != "" {
		body["notification_id"] = note.ID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling notification: %w", err)
	}

	topic := n.topics.Notify()
	if err := n.broker.Publish(topic, payload, 1, true); err != nil {
		return fmt.Errorf("publishing to %q: %w", topic, err)
	}

	n.logger.Debug("notification published", "title", note.Title, "id", note.ID)
	return nil
}
