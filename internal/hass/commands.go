package hass

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/landirector2008-wq/ha-deepseek-control/internal/infrastructure/mqtt"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/rule"
)

// Publisher is the broker surface the outbound adapters need.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// commandQoS: commands are delivered at least once; the service call on
// the Home Assistant side is idempotent for the supported actions.
const commandQoS = 1

// CommandPublisher delivers actuator commands to the host platform on
// deepseek/command/{domain}/{object_id}.
//
// Thread Safety: Dispatch is safe for concurrent use.
type CommandPublisher struct {
	broker Publisher
	topics mqtt.Topics
	logger Logger
}

// NewCommandPublisher creates a command publisher.
func NewCommandPublisher(broker Publisher) *CommandPublisher {
	return &CommandPublisher{
		broker: broker,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the publisher.
func (p *CommandPublisher) SetLogger(logger Logger) {
	p.logger = logger
}

// Dispatch publishes one command as a service-call message.
//
// The payload mirrors a Home Assistant service call: the action maps to
// the service, service_params to the service data. Each message carries a
// unique id and the originating source ("rule:<id>") for tracing.
func (p *CommandPublisher) Dispatch(_ context.Context, source string, cmd rule.Command) error {
	domain := rule.EntityDomain(cmd.EntityID)
	objectID := rule.EntityObjectID(cmd.EntityID)
	if domain == "" || objectID == "" {
		return fmt.Errorf("%w: %q", ErrInvalidEntity, cmd.EntityID)
	}

	params := cmd.ServiceParams
	if params == nil {
		params = make(map[string]any)
	}
	body := map[string]any{
		"id":             uuid.New().String(),
		"entity_id":      cmd.EntityID,
		"action":         cmd.Action,
		"service_params": params,
		"source":         source,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling command: %w", err)
	}

	topic := p.topics.EntityCommand(domain, objectID)
	if err := p.broker.Publish(topic, payload, commandQoS, false); err != nil {
		return fmt.Errorf("publishing to %q: %w", topic, err)
	}

	p.logger.Debug("command dispatched",
		"entity_id", cmd.EntityID,
		"action", cmd.Action,
		"topic", topic,
		"source", source,
	)
	return nil
}
