package openrouter

import (
	"errors"
	"testing"
)

type testReply struct {
	Reasoning string `json:"reasoning"`
	Commands  []struct {
		EntityID string `json:"entity_id"`
		Action   string `json:"action"`
	} `json:"commands"`
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		wantErr bool
	}{
		{
			name:  "bare json",
			reply: `{"reasoning": "lights on", "commands": [{"entity_id": "light.hallway", "action": "turn_on"}]}`,
		},
		{
			name: "markdown fenced",
			reply: "```json\n" +
				`{"reasoning": "ok", "commands": []}` +
				"\n```",
		},
		{
			name:  "surrounded by prose",
			reply: `Here is my decision: {"reasoning": "ok", "commands": []} I hope that helps!`,
		},
		{
			name:    "no json at all",
			reply:   "I cannot comply with that request.",
			wantErr: true,
		},
		{
			name:    "malformed json",
			reply:   `{"reasoning": "ok", "commands": [}`,
			wantErr: true,
		},
		{
			name:    "empty reply",
			reply:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out testReply
			err := ExtractJSON(tt.reply, &out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidResponse) {
				t.Errorf("error = %v, want ErrInvalidResponse", err)
			}
		})
	}
}

func TestExtractJSON_Array(t *testing.T) {
	var out []string
	if err := ExtractJSON("the list is [\"a\", \"b\"] as requested", &out); err != nil {
		t.Fatalf("ExtractJSON() error = %v", err)
	}
	if len(out) != 2 || out[0] != "a" {
		t.Errorf("out = %v, want [a b]", out)
	}
}

func TestExtractJSON_FieldValues(t *testing.T) {
	var out testReply
	reply := `{"reasoning": "hallway is dark", "commands": [{"entity_id": "light.hallway", "action": "turn_on"}]}`

	if err := ExtractJSON(reply, &out); err != nil {
		t.Fatalf("ExtractJSON() error = %v", err)
	}
	if out.Reasoning != "hallway is dark" {
		t.Errorf("Reasoning = %q", out.Reasoning)
	}
	if len(out.Commands) != 1 || out.Commands[0].EntityID != "light.hallway" {
		t.Errorf("Commands = %+v", out.Commands)
	}
}
