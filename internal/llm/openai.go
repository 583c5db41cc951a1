package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/normanking/miniphi/internal/schema"
)

// RESTConfig configures the OpenAI-compatible REST client.
type RESTConfig struct {
	// BaseURL is the server root, e.g. http://127.0.0.1:1234. ws:// URLs are
	// converted.
	BaseURL string
	// Timeout bounds a whole request. Zero means no client-side limit.
	Timeout time.Duration
	// DefaultModel is used when a request names no model.
	DefaultModel string
	APIKey       string
}

// RESTClient implements the stateless request/response transport.
type RESTClient struct {
	baseURL      string
	apiKey       string
	defaultModel string
	client       *http.Client
}

// NewRESTClient creates a REST client.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	return &RESTClient{
		baseURL:      NormalizeHTTPURL(cfg.BaseURL),
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		client:       &http.Client{Timeout: cfg.Timeout},
	}
}

// BaseURL returns the normalized server root.
func (c *RESTClient) BaseURL() string { return c.baseURL }

// CompletionRequest is a non-streaming chat completion.
type CompletionRequest struct {
	Model          string
	Messages       []Message
	MaxTokens      int
	ResponseFormat *schema.ResponseFormat
	Tools          []ToolDefinition
}

// Completion is the first choice of a chat completion response.
type Completion struct {
	Text         string
	ToolCalls    []ToolCall
	Model        string
	FinishReason string
	Usage        Usage
}

// Usage reports token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAI API types
type openAIChatRequest struct {
	Model          string                 `json:"model"`
	Messages       []openAIMessage        `json:"messages"`
	MaxTokens      int                    `json:"max_tokens"`
	Stream         bool                   `json:"stream"`
	ResponseFormat *schema.ResponseFormat `json:"response_format,omitempty"`
	Tools          []ToolDefinition       `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// CreateChatCompletion sends the conversation and returns the full reply.
// max_tokens is sent as -1 so the server generates until it stops.
func (c *RESTClient) CreateChatCompletion(ctx context.Context, req CompletionRequest) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = -1
	}

	payload := openAIChatRequest{
		Model:          model,
		MaxTokens:      maxTokens,
		ResponseFormat: req.ResponseFormat,
		Tools:          req.Tools,
	}
	for _, msg := range req.Messages {
		if msg.Role == "" {
			continue
		}
		payload.Messages = append(payload.Messages, openAIMessage{Role: msg.Role, Content: msg.Content})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e := newError(KindTransport, model, "connect", "execute request", err)
		e.Transport = TransportREST
		return nil, e
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		msg := fmt.Sprintf("rest error (status %d): %s", resp.StatusCode, extractErrorMessage(bodyBytes))
		e := backendError(model, TransportREST, "completion", msg)
		if e.Kind == KindUncategorized && e.Err == nil {
			e.Kind = KindTransport
		}
		return nil, e
	}

	var parsed openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		e := newError(KindTransport, model, "decode", "decode response", err)
		e.Transport = TransportREST
		return nil, e
	}
	if len(parsed.Choices) == 0 {
		e := newError(KindEmpty, model, "completion", "no choices in response", nil)
		e.Transport = TransportREST
		return nil, e
	}

	choice := parsed.Choices[0]
	return &Completion{
		Text:         choice.Message.Content,
		ToolCalls:    choice.Message.ToolCalls,
		Model:        parsed.Model,
		FinishReason: choice.FinishReason,
		Usage:        parsed.Usage,
	}, nil
}

// extractErrorMessage pulls "error.message" or "error" out of a JSON error body.
func extractErrorMessage(body []byte) string {
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && len(payload.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(payload.Error, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		var flat string
		if json.Unmarshal(payload.Error, &flat) == nil && flat != "" {
			return flat
		}
	}
	return strings.TrimSpace(string(body))
}

// ListModels returns the ids reported by /v1/models.
func (c *RESTClient) ListModels(ctx context.Context) ([]string, error) {
	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, "/v1/models", &payload); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(payload.Data))
	for _, m := range payload.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Status fetches the server status document. Servers without a status
// endpoint answer with an error payload, which is returned as-is.
func (c *RESTClient) Status(ctx context.Context) (ServerStatus, error) {
	var payload map[string]any
	if err := c.getJSON(ctx, "/api/v0/status", &payload); err != nil {
		return nil, err
	}
	return ServerStatus(payload), nil
}

func (c *RESTClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := readLimitedBody(resp.Body, MaxErrorBodySize)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("rest error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// ServerStatus is the loosely typed status document. Field names vary across
// server versions, so accessors try each known spelling.
type ServerStatus map[string]any

func (s ServerStatus) payload() map[string]any {
	if inner, ok := s["status"].(map[string]any); ok {
		return inner
	}
	return s
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Model returns the loaded model key.
func (s ServerStatus) Model() string {
	return firstString(s.payload(), "loaded_model", "model", "model_key", "modelKey", "defaultModel")
}

// ContextLength returns the reported context window, or 0.
func (s ServerStatus) ContextLength() int {
	p := s.payload()
	for _, k := range []string{"context_length", "contextLength", "context_length_limit", "context_length_max"} {
		if v, ok := p[k].(float64); ok && v > 0 {
			return int(v)
		}
	}
	return 0
}

// GPU returns the reported device description.
func (s ServerStatus) GPU() string {
	return firstString(s.payload(), "gpu", "device", "hardware")
}

// Error returns the error string embedded in the document.
func (s ServerStatus) Error() string {
	if v := firstString(s, "error"); v != "" {
		return v
	}
	if inner, ok := s["status"].(map[string]any); ok {
		return firstString(inner, "error")
	}
	return ""
}

var unexpectedEndpoint = regexp.MustCompile(`(?i)unexpected endpoint`)

// EndpointUnsupported reports a server that does not implement /status.
func (s ServerStatus) EndpointUnsupported() bool {
	return unexpectedEndpoint.MatchString(s.Error())
}

// Version returns the server version if it is reported.
func (s ServerStatus) Version() string {
	inner, _ := s["status"].(map[string]any)
	candidates := []map[string]any{}
	if inner != nil {
		if app, ok := inner["lmstudio"].(map[string]any); ok {
			candidates = append(candidates, app)
		}
		candidates = append(candidates, inner)
	}
	if app, ok := s["lmstudio"].(map[string]any); ok {
		candidates = append(candidates, app)
	}
	candidates = append(candidates, s)
	for _, m := range candidates {
		if v := firstString(m, "version", "lmstudio_version"); v != "" {
			return v
		}
	}
	return ""
}

// NormalizeHTTPURL converts ws(s):// to http(s)://, trims trailing slashes
// and drops a trailing /v1.
func NormalizeHTTPURL(raw string) string {
	u := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(u, "wss://"):
		u = "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		u = "http://" + strings.TrimPrefix(u, "ws://")
	case u != "" && !strings.Contains(u, "://"):
		u = "http://" + u
	}
	u = strings.TrimRight(u, "/")
	u = strings.TrimSuffix(u, "/v1")
	return u
}

// NormalizeWSURL converts http(s):// to ws(s)://.
func NormalizeWSURL(raw string) string {
	u := strings.TrimRight(strings.TrimSpace(raw), "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	case u != "" && !strings.Contains(u, "://"):
		return "ws://" + u
	}
	return u
}
