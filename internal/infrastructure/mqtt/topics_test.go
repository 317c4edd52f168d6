package mqtt

import "testing"

func TestTopics_Builders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"EntityState", topics.EntityState("sensor", "living_room_temperature"), "deepseek/state/sensor/living_room_temperature"},
		{"EntityCommand", topics.EntityCommand("light", "hallway"), "deepseek/command/light/hallway"},
		{"Notify", topics.Notify(), "deepseek/notify"},
		{"RuleEvent", topics.RuleEvent("morning_lights", "evaluated"), "deepseek/rule/morning_lights/evaluated"},
		{"SystemStatus", topics.SystemStatus(), "deepseek/system/status"},
		{"AllEntityStates", topics.AllEntityStates(), "deepseek/state/+/+"},
		{"AllEntityCommands", topics.AllEntityCommands(), "deepseek/command/+/+"},
		{"AllRuleEvents", topics.AllRuleEvents(), "deepseek/rule/+/+"},
		{"AllTopics", topics.AllTopics(), "deepseek/#"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}
