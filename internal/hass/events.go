package hass

import (
	"encoding/json"
	"strings"

	"github.com/landirector2008-wq/ha-deepseek-control/internal/infrastructure/mqtt"
)

// EventPublisher mirrors loop events onto MQTT so external automations
// can react to them without going through the HTTP API.
//
// Channels of the form "rule.<event>" whose payload carries a rule_id map
// to deepseek/rule/{rule_id}/{event}; everything else lands under the
// system prefix ("quota.updated" on deepseek/system/quota).
//
// Broadcast never returns an error: event mirroring is best effort and
// must not disturb the evaluation loop.
type EventPublisher struct {
	broker Publisher
	topics mqtt.Topics
	logger Logger
}

// NewEventPublisher creates an event publisher.
func NewEventPublisher(broker Publisher) *EventPublisher {
	return &EventPublisher{
		broker: broker,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the publisher.
func (e *EventPublisher) SetLogger(logger Logger) {
	e.logger = logger
}

// Broadcast publishes one event.
func (e *EventPublisher) Broadcast(channel string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("event payload not serializable", "channel", channel, "error", err)
		return
	}

	topic := e.topicFor(channel, payload)
	if err := e.broker.Publish(topic, body, 0, false); err != nil {
		e.logger.Warn("event publish failed", "topic", topic, "error", err)
	}
}

func (e *EventPublisher) topicFor(channel string, payload any) string {
	if event, ok := strings.CutPrefix(channel, "rule."); ok {
		if m, isMap := payload.(map[string]any); isMap {
			if ruleID, hasID := m["rule_id"].(string); hasID && ruleID != "" {
				return e.topics.RuleEvent(ruleID, event)
			}
		}
	}
	// "quota.updated" -> deepseek/system/quota
	name := channel
	if idx := strings.Index(channel, "."); idx > 0 {
		name = channel[:idx]
	}
	return mqtt.TopicPrefixSystem + "/" + name
}
