package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteEvaluation records the outcome of a single rule evaluation.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - ruleID: Rule identifier (e.g., "morning_lights")
//   - model: Model that served the evaluation (e.g., "deepseek/deepseek-chat")
//   - status: Terminal status ("completed", "partial", "failed",
//     "rate_limited", "invalid_response", "skipped")
//   - duration: Wall time of the evaluation including the LLM round trip
//   - commandCount: Number of actuator commands dispatched
func (c *Client) WriteEvaluation(ruleID, model, status string, duration time.Duration, commandCount int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"rule_evaluations",
		map[string]string{
			"rule_id": ruleID,
			"model":   model,
			"status":  status,
		},
		map[string]interface{}{
			"duration_ms":   duration.Milliseconds(),
			"command_count": commandCount,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteTokenUsage records token consumption reported by the LLM provider.
//
// Parameters:
//   - ruleID: Rule identifier
//   - model: Model that served the request
//   - promptTokens: Tokens consumed by the prompt
//   - completionTokens: Tokens in the generated completion
func (c *Client) WriteTokenUsage(ruleID, model string, promptTokens, completionTokens int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"token_usage",
		map[string]string{
			"rule_id": ruleID,
			"model":   model,
		},
		map[string]interface{}{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteRateLimit records a provider rate-limit event and the resulting
// suspension window. Useful for spotting rules that burn through the
// free-tier allowance.
//
// Parameters:
//   - ruleID: Rule that hit the limit
//   - suspendedFor: How long the rule is suspended
func (c *Client) WriteRateLimit(ruleID string, suspendedFor time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"rate_limits",
		map[string]string{
			"rule_id": ruleID,
		},
		map[string]interface{}{
			"suspended_seconds": suspendedFor.Seconds(),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteQuota records the account quota snapshot from the provider key probe.
//
// Parameters:
//   - usage: Credits consumed so far
//   - limit: Credit limit (0 when the key is unlimited)
//   - freeTier: Whether the key is on the free tier
func (c *Client) WriteQuota(usage, limit float64, freeTier bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"account_quota",
		map[string]string{},
		map[string]interface{}{
			"usage":     usage,
			"limit":     limit,
			"free_tier": freeTier,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
