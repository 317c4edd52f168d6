package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/landirector2008-wq/ha-deepseek-control/internal/automation"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/infrastructure/mqtt"
)

// Subscriber is the broker surface StateCache needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// statePayload is the JSON body on state topics. Plain (non-JSON) payloads
// are accepted too and treated as a bare state value, matching what the
// Home Assistant MQTT statestream publishes for simple sensors.
type statePayload struct {
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// entityRecord is one cached entity state with its arrival time.
type entityRecord struct {
	state     automation.EntityState
	updatedAt time.Time
}

// StateCache caches entity states from deepseek/state/+/+ and serves
// sensor snapshots to the evaluation loop.
//
// Thread Safety: all methods are safe for concurrent use; the MQTT client
// delivers messages from its own goroutines.
type StateCache struct {
	broker Subscriber
	topics mqtt.Topics
	logger Logger

	// maxAge marks entities stale after this long without an update.
	// Zero disables staleness checks.
	maxAge time.Duration

	mu     sync.RWMutex
	states map[string]entityRecord
}

// NewStateCache creates a state cache. maxAge of zero keeps entries fresh
// forever.
func NewStateCache(broker Subscriber, maxAge time.Duration) *StateCache {
	return &StateCache{
		broker: broker,
		maxAge: maxAge,
		logger: noopLogger{},
		states: make(map[string]entityRecord),
	}
}

// SetLogger sets the logger for the cache.
func (c *StateCache) SetLogger(logger Logger) {
	c.logger = logger
}

// Start subscribes to the entity state hierarchy. Messages flow into the
// cache from the broker's goroutines until the client disconnects.
func (c *StateCache) Start() error {
	topic := c.topics.AllEntityStates()
	if err := c.broker.Subscribe(topic, 1, c.handleState); err != nil {
		return fmt.Errorf("subscribing to %q: %w", topic, err)
	}
	return nil
}

// handleState parses one state message and stores it.
func (c *StateCache) handleState(topic string, payload []byte) error {
	entityID, err := entityIDFromStateTopic(topic)
	if err != nil {
		return err
	}

	var parsed statePayload
	if jsonErr := json.Unmarshal(payload, &parsed); jsonErr != nil || parsed.State == "" {
		// Bare payloads carry just the state value.
		parsed = statePayload{State: strings.TrimSpace(string(payload))}
	}

	c.mu.Lock()
	c.states[entityID] = entityRecord{
		state: automation.EntityState{
			State:      parsed.State,
			Attributes: parsed.Attributes,
		},
		updatedAt: time.Now().UTC(),
	}
	c.mu.Unlock()

	c.logger.Debug("entity state updated", "entity_id", entityID, "state", parsed.State)
	return nil
}

// States returns the current states of the requested entities. Unknown
// and stale entities are omitted; the evaluation proceeds with what is
// available.
func (c *StateCache) States(_ context.Context, entityIDs []string) (automation.Snapshot, error) {
	now := time.Now().UTC()

	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := make(automation.Snapshot, len(entityIDs))
	for _, id := range entityIDs {
		rec, ok := c.states[id]
		if !ok {
			c.logger.Warn("entity not in state cache", "entity_id", id)
			continue
		}
		if c.maxAge > 0 && now.Sub(rec.updatedAt) > c.maxAge {
			c.logger.Warn("entity state stale, treating as unavailable",
				"entity_id", id, "age", now.Sub(rec.updatedAt))
			continue
		}
		snapshot[id] = rec.state
	}
	return snapshot, nil
}

// Get returns one entity's cached state.
func (c *StateCache) Get(entityID string) (automation.EntityState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.states[entityID]
	if !ok {
		return automation.EntityState{}, false
	}
	return rec.state, true
}

// Len returns the number of cached entities.
func (c *StateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.states)
}

// entityIDFromStateTopic rebuilds "light.hallway" from
// "deepseek/state/light/hallway".
func entityIDFromStateTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != mqtt.TopicPrefix || parts[1] != "state" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if parts[2] == "" || parts[3] == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return parts[2] + "." + parts[3], nil
}
