package mqtt

import "fmt"

// Topic prefixes for the DeepSeek Control MQTT hierarchy.
//
// Home Assistant state mirroring and command delivery use the flat scheme
// deepseek/{category}/{domain}/{object_id}, where domain and object_id are
// the two halves of a Home Assistant entity ID ("light.hallway" publishes
// on deepseek/state/light/hallway).
const (
	// TopicPrefix is the base for all DeepSeek Control topics.
	TopicPrefix = "deepseek"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "deepseek/system"

	// TopicPrefixRule is the base for rule lifecycle topics.
	TopicPrefixRule = "deepseek/rule"
)

// Topics provides builders for DeepSeek Control MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.EntityState("light", "hallway")
//	// Returns: "deepseek/state/light/hallway"
type Topics struct{}

// EntityState returns the topic carrying state updates for an entity.
//
// Example: deepseek/state/sensor/living_room_temperature
func (Topics) EntityState(domain, objectID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, domain, objectID)
}

// EntityCommand returns the topic for actuator commands to an entity.
//
// Example: deepseek/command/light/hallway
func (Topics) EntityCommand(domain, objectID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, domain, objectID)
}

// Notify returns the topic for user-facing notifications.
//
// Example: deepseek/notify
func (Topics) Notify() string {
	return fmt.Sprintf("%s/notify", TopicPrefix)
}

// RuleEvent returns the topic for rule lifecycle events.
//
// Example: deepseek/rule/morning_lights/evaluated
func (Topics) RuleEvent(ruleID, event string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixRule, ruleID, event)
}

// SystemStatus returns the controller status topic.
// Published retained so new subscribers see the last known status.
//
// Example: deepseek/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllEntityStates returns a pattern matching state updates for all entities.
//
// Pattern: deepseek/state/+/+
func (Topics) AllEntityStates() string {
	return fmt.Sprintf("%s/state/+/+", TopicPrefix)
}

// AllEntityCommands returns a pattern matching commands to all entities.
//
// Pattern: deepseek/command/+/+
func (Topics) AllEntityCommands() string {
	return fmt.Sprintf("%s/command/+/+", TopicPrefix)
}

// AllRuleEvents returns a pattern matching all rule lifecycle events.
//
// Pattern: deepseek/rule/+/+
func (Topics) AllRuleEvents() string {
	return fmt.Sprintf("%s/+/+", TopicPrefixRule)
}

// AllTopics returns a pattern matching every DeepSeek Control topic.
// Use with caution, this receives all traffic.
//
// Pattern: deepseek/#
func (Topics) AllTopics() string {
	return "deepseek/#"
}
