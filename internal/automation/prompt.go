package automation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/landirector2008-wq/ha-deepseek-control/internal/rule"
)

// systemMessage pins the model to machine-readable output. Kept strict:
// models drift into prose without it, and prose costs a parse failure.
const systemMessage = "You are a home automation system that responds ONLY with " +
	"valid RFC8259 compliant JSON without any additional text, explanations, or " +
	"comments. Your responses must be parseable by JSON.parse() without errors."

// BuildPrompt assembles the user prompt for one evaluation: the sensor
// snapshot, the actuators the model may command, the supported actions per
// domain, and the rule's instruction.
//
// Sensor data and the domain table are embedded as JSON so the model sees
// the same shapes it must produce.
func BuildPrompt(snapshot Snapshot, actuators []string, instruction string) string {
	sensorJSON, err := json.Marshal(snapshot)
	if err != nil {
		sensorJSON = []byte("{}")
	}
	domainsJSON, err := json.Marshal(rule.SupportedDomains)
	if err != nil {
		domainsJSON = []byte("{}")
	}
	actuatorList := strings.Join(actuators, ", ")

	var b strings.Builder
	b.WriteString("YOU ARE A SMART HOME CONTROL SYSTEM. YOUR TASK IS TO RETURN A RESPONSE ")
	b.WriteString("**EXCLUSIVELY IN JSON FORMAT** WITHOUT ANY ADDITIONAL COMMENTS, EXPLANATIONS, OR TEXT.\n\n")

	b.WriteString("Input data:\n")
	fmt.Fprintf(&b, "- Sensor data: %s\n", sensorJSON)
	fmt.Fprintf(&b, "- Available devices: %s\n", actuatorList)
	fmt.Fprintf(&b, "- User command: %s\n\n", instruction)

	b.WriteString("You must return the response **STRICTLY** in the following JSON format:\n\n")
	b.WriteString(`{
    "reasoning": "Brief explanation of the decision",
    "commands": [
        {
            "entity_id": "light.kitchen",
            "action": "turn_on",
            "service_params": {"brightness": 200}
        }
    ]
}`)
	b.WriteString("\n\nCRITICAL RULES:\n")
	b.WriteString("1. The response must be VALID JSON\n")
	b.WriteString("2. DO NOT add any text outside the JSON structure\n")
	fmt.Fprintf(&b, "3. Use only devices from the list: %s\n", actuatorList)
	fmt.Fprintf(&b, "4. Support only the following action formats: %s\n", domainsJSON)
	b.WriteString(`5. If the command is not possible, return an empty "commands" array and explain the reason in "reasoning"` + "\n")
	b.WriteString("6. Do not use markdown formatting (```json) - only pure JSON\n")

	return b.String()
}
