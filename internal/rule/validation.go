package rule

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxNameLength       = 100
	maxSlugLength       = 50
	maxInstructionLen   = 2000
	maxDescriptionLen   = 500
	maxEntities         = 50
	minInterval         = 10 * time.Second
	maxInterval         = 24 * time.Hour
	maxParameterKeys    = 20
	maxRuleTemperature  = 1.0
	slugPattern         = `^[a-z0-9]+(?:[-_][a-z0-9]+)*$`
	entityIDPattern     = `^[a-z_]+\.[a-z0-9_]+$`
)

var (
	slugRegex     = regexp.MustCompile(slugPattern)
	entityIDRegex = regexp.MustCompile(entityIDPattern)
)

// Validate performs comprehensive validation on a rule.
// Returns an error describing the first validation failure found.
func Validate(r *Rule) error {
	if r == nil {
		return ErrInvalid
	}

	if err := ValidateName(r.Name); err != nil {
		return err
	}

	// Empty slug will be generated
	if r.Slug != "" {
		if err := ValidateSlug(r.Slug); err != nil {
			return err
		}
	}

	if r.Description != nil && len(*r.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalid, maxDescriptionLen)
	}

	if r.Interval < minInterval || r.Interval > maxInterval {
		return fmt.Errorf("%w: interval must be %s-%s", ErrInvalid, minInterval, maxInterval)
	}

	instruction := strings.TrimSpace(r.Instruction)
	if instruction == "" {
		return fmt.Errorf("%w: instruction cannot be empty", ErrInvalid)
	}
	if len(r.Instruction) > maxInstructionLen {
		return fmt.Errorf("%w: instruction exceeds %d characters", ErrInvalid, maxInstructionLen)
	}

	if len(r.Sensors) > maxEntities {
		return fmt.Errorf("%w: exceeds maximum of %d sensors", ErrInvalid, maxEntities)
	}
	for _, entityID := range r.Sensors {
		// Sensors can be any domain; only the format is enforced.
		if !entityIDRegex.MatchString(entityID) {
			return fmt.Errorf("%w: malformed sensor entity %q", ErrInvalidEntity, entityID)
		}
	}

	if len(r.Actuators) == 0 {
		return ErrNoActuators
	}
	if len(r.Actuators) > maxEntities {
		return fmt.Errorf("%w: exceeds maximum of %d actuators", ErrInvalid, maxEntities)
	}
	for _, entityID := range r.Actuators {
		if err := ValidateActuatorEntity(entityID); err != nil {
			return err
		}
	}

	if r.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens cannot be negative", ErrInvalid)
	}
	if r.Temperature < 0 || r.Temperature > maxRuleTemperature {
		return fmt.Errorf("%w: temperature must be 0-%.1f", ErrInvalid, maxRuleTemperature)
	}

	return nil
}

// ValidateName checks if a rule name is valid.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateSlug checks if a slug format is valid.
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("%w: slug cannot be empty", ErrInvalidSlug)
	}
	if len(slug) > maxSlugLength {
		return fmt.Errorf("%w: slug exceeds %d characters", ErrInvalidSlug, maxSlugLength)
	}
	if !slugRegex.MatchString(slug) {
		return fmt.Errorf("%w: must be lowercase alphanumeric with hyphens or underscores", ErrInvalidSlug)
	}
	return nil
}

// ValidateActuatorEntity checks that an entity ID is well formed and its
// domain is one the controller can command.
func ValidateActuatorEntity(entityID string) error {
	if !entityIDRegex.MatchString(entityID) {
		return fmt.Errorf("%w: malformed entity id %q", ErrInvalidEntity, entityID)
	}
	domain := EntityDomain(entityID)
	if _, ok := SupportedDomains[domain]; !ok {
		return fmt.Errorf("%w: unsupported domain %q", ErrInvalidEntity, domain)
	}
	return nil
}

// ValidateCommand checks a model-returned command against the supported
// domains and the rule's actuator allowlist.
func ValidateCommand(cmd Command, actuators []string) error {
	if cmd.EntityID == "" {
		return fmt.Errorf("%w: entity_id is required", ErrInvalidCommand)
	}
	if cmd.Action == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidCommand)
	}
	if len(cmd.ServiceParams) > maxParameterKeys {
		return fmt.Errorf("%w: service_params exceeds %d keys", ErrInvalidCommand, maxParameterKeys)
	}

	if !slices.Contains(actuators, cmd.EntityID) {
		return fmt.Errorf("%w: entity %q is not in the rule's actuator list", ErrInvalidCommand, cmd.EntityID)
	}

	domain := EntityDomain(cmd.EntityID)
	actions, ok := SupportedDomains[domain]
	if !ok {
		return fmt.Errorf("%w: unsupported domain %q", ErrInvalidCommand, domain)
	}
	if !slices.Contains(actions, cmd.Action) {
		return fmt.Errorf("%w: action %q is not supported for domain %q", ErrInvalidCommand, cmd.Action, domain)
	}

	return nil
}

// EntityDomain returns the domain half of an entity ID
// ("light.hallway" -> "light"). Returns the whole string when there is
// no dot.
func EntityDomain(entityID string) string {
	domain, _, _ := strings.Cut(entityID, ".")
	return domain
}

// EntityObjectID returns the object half of an entity ID
// ("light.hallway" -> "hallway").
func EntityObjectID(entityID string) string {
	_, objectID, _ := strings.Cut(entityID, ".")
	return objectID
}

// GenerateSlug creates a URL-safe slug from a name.
// It lowercases, replaces spaces with underscores, removes other
// non-alphanumeric characters, and trims to maxSlugLength.
func GenerateSlug(name string) string {
	slug := strings.ToLower(name)
	slug = strings.ReplaceAll(slug, " ", "_")
	slug = strings.ReplaceAll(slug, "-", "_")

	var result strings.Builder
	for _, r := range slug {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			result.WriteRune(r)
		}
	}
	slug = result.String()

	slug = strings.Trim(slug, "_")
	for strings.Contains(slug, "__") {
		slug = strings.ReplaceAll(slug, "__", "_")
	}

	if len(slug) > maxSlugLength {
		slug = slug[:maxSlugLength]
		slug = strings.TrimRight(slug, "_")
	}

	return slug
}

// GenerateID creates a new UUID for a rule or execution.
func GenerateID() string {
	return uuid.New().String()
}
