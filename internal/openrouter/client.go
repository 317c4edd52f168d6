package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/landirector2008-wq/ha-deepseek-control/internal/infrastructure/config"
)

// maxErrorBodySize caps how much of an error response body is read.
const maxErrorBodySize = 64 << 10

// Client talks to the OpenRouter chat completions API.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	baseURL    string
	apiKey     string
	referer    string
	title      string
	httpClient *http.Client
}

// New creates an OpenRouter client from configuration.
//
// Parameters:
//   - cfg: OpenRouter configuration from config.yaml
//
// Returns:
//   - *Client: Client ready for use
//   - error: If the API key is missing
func New(cfg config.OpenRouterConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		referer: cfg.Referer,
		title:   cfg.Title,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// ChatCompletion sends a chat request and returns the parsed response.
//
// Error taxonomy:
//   - *RateLimitError: HTTP 429, carries the Retry-After hint when present
//   - ErrTransport (wrapped): network failure or 5xx status
//   - *APIError: other non-2xx statuses (auth failure, bad request)
//   - ErrNoChoices: 2xx response with an empty choices array
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - req: The chat request (model, messages, sampling parameters)
//
// Returns:
//   - *ChatResponse: Parsed completion with usage data
//   - error: Classified per the taxonomy above
func (c *Client) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	// Models with native JSON mode honour response_format; others rely on
	// the system prompt demanding bare JSON.
	if req.ResponseFormat == nil && supportsJSONMode(req.Model) {
		req.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close() //nolint:errcheck // Read-only body cleanup

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyError(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("%w: decoding body: %w", ErrInvalidResponse, err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	return &chatResp, nil
}

// KeyStatus fetches the account quota snapshot from GET /key.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - *KeyStatus: Usage, limit, and free-tier flag for the key
//   - error: Classified like ChatCompletion errors
func (c *Client) KeyStatus(ctx context.Context) (*KeyStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/key", nil)
	if err != nil {
		return nil, fmt.Errorf("building key request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close() //nolint:errcheck // Read-only body cleanup

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyError(resp)
	}

	var envelope struct {
		Data KeyStatus `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: decoding key status: %w", ErrInvalidResponse, err)
	}

	return &envelope.Data, nil
}

// setHeaders applies authentication and attribution headers.
// HTTP-Referer and X-Title identify the app in OpenRouter rankings.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		req.Header.Set("X-Title", c.title)
	}
}

// classifyError maps a non-2xx response to the error taxonomy.
func (c *Client) classifyError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	var errResp errorResponse
	message := ""
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != nil {
		message = errResp.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    message,
		}

	case resp.StatusCode >= http.StatusInternalServerError:
		if message == "" {
			message = strings.TrimSpace(string(body))
		}
		return fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, message)

	default:
		if errResp.Error != nil {
			errResp.Error.StatusCode = resp.StatusCode
			return errResp.Error
		}
		return &APIError{
			Message:    fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			StatusCode: resp.StatusCode,
		}
	}
}

// parseRetryAfter interprets a Retry-After header value as either
// delta-seconds or an HTTP-date. Returns zero for absent or unparseable
// values.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}

// supportsJSONMode reports whether the model is known to honour the
// response_format parameter.
func supportsJSONMode(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "gpt-4") ||
		strings.Contains(lower, "gpt-3.5") ||
		strings.Contains(lower, "json")
}
