package automation

import (
	"errors"
	"fmt"

	"github.com/landirector2008-wq/ha-deepseek-control/internal/openrouter"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/rule"
)

// Decision is the validated outcome of one model reply.
type Decision struct {
	// Reasoning is the model's explanation, always present after
	// validation.
	Reasoning string

	// Commands passed per-command validation and may be dispatched.
	Commands []rule.Command

	// Rejected holds commands that failed validation (unknown entity,
	// unsupported action, not in the rule's actuator list). They are
	// never dispatched but are counted as failures on the execution.
	Rejected []RejectedCommand
}

// RejectedCommand pairs an invalid command with the reason it was refused.
type RejectedCommand struct {
	Command rule.Command
	Reason  error
}

// modelReply mirrors the JSON schema the prompt demands.
type modelReply struct {
	Reasoning *string         `json:"reasoning"`
	Commands  *[]rule.Command `json:"commands"`
}

// ParseDecision extracts and validates the model reply.
//
// Schema problems (no JSON found, missing reasoning or commands fields)
// return ErrInvalidResponse: the whole reply is unusable. Individual
// commands that fail validation do not invalidate the reply; they are
// collected in Decision.Rejected so the evaluation can dispatch the valid
// remainder and record a partial result.
func ParseDecision(reply string, actuators []string) (*Decision, error) {
	var parsed modelReply
	if err := openrouter.ExtractJSON(reply, &parsed); err != nil {
		if errors.Is(err, openrouter.ErrInvalidResponse) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, err)
		}
		return nil, err
	}

	if parsed.Reasoning == nil {
		return nil, fmt.Errorf("%w: missing reasoning field", ErrInvalidResponse)
	}
	if parsed.Commands == nil {
		return nil, fmt.Errorf("%w: missing commands field", ErrInvalidResponse)
	}

	decision := &Decision{Reasoning: *parsed.Reasoning}
	for _, cmd := range *parsed.Commands {
		if err := rule.ValidateCommand(cmd, actuators); err != nil {
			decision.Rejected = append(decision.Rejected, RejectedCommand{
				Command: cmd,
				Reason:  err,
			})
			continue
		}
		decision.Commands = append(decision.Commands, cmd)
	}
	return decision, nil
}
