package openrouter

// ChatRequest is the request body for POST /chat/completions.
//
// Only the fields DeepSeek Control uses are modelled. OpenRouter accepts
// the OpenAI chat schema, so additional fields can be added as needed.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ResponseFormat requests structured output from models that support it.
type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatResponse is the response body for POST /chat/completions.
type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is a single completion candidate.
type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage reports token consumption for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Content returns the text of the first choice, or empty string when the
// response carries no choices.
func (r *ChatResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// errorResponse is the error envelope OpenRouter returns on non-2xx status.
type errorResponse struct {
	Error *APIError `json:"error,omitempty"`
}

// APIError carries the provider-reported error details.
type APIError struct {
	Code       any    `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	Type       string `json:"type,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return "openrouter: api error"
	}
	return "openrouter: " + e.Message
}

// KeyStatus is the response body for GET /key, describing the account's
// quota and spend. OpenRouter wraps it in a "data" envelope.
type KeyStatus struct {
	Label      string   `json:"label"`
	Usage      float64  `json:"usage"`
	Limit      *float64 `json:"limit"`
	IsFreeTier bool     `json:"is_free_tier"`
	RateLimit  struct {
		Requests int    `json:"requests"`
		Interval string `json:"interval"`
	} `json:"rate_limit"`
}

// Remaining returns the credits left on the key, or false when the key
// has no limit.
func (k *KeyStatus) Remaining() (float64, bool) {
	if k.Limit == nil {
		return 0, false
	}
	return *k.Limit - k.Usage, true
}
