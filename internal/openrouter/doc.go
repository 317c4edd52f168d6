// Package openrouter provides the LLM client for DeepSeek Control.
//
// OpenRouter exposes an OpenAI-compatible chat completions API in front
// of many model providers. The client covers the two endpoints the
// controller needs:
//
//   - POST /chat/completions — rule evaluation requests
//   - GET /key — account quota and free-tier status
//
// # Error Classification
//
// Callers branch on the kind of failure, so errors are classified at
// this boundary:
//
//   - *RateLimitError: HTTP 429 with the Retry-After hint when provided.
//     The evaluation loop suspends the affected rule.
//   - ErrTransport: network failures and 5xx responses. Retryable.
//   - *APIError: auth failures and bad requests. Not retryable.
//   - ErrInvalidResponse: the reply could not be parsed.
//
// # JSON Extraction
//
// Models frequently wrap JSON output in markdown fences or prose even
// when asked not to. ExtractJSON strips fences and locates the first
// JSON object or array, so prompt-following lapses don't fail the
// evaluation.
package openrouter
