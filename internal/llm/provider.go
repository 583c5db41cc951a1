// Package llm talks to a local model server over two transports: a
// persistent WebSocket binding that streams tokens, and a stateless
// OpenAI-compatible REST API. Client wraps both behind one retrying chat call.
package llm

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/normanking/miniphi/internal/schema"
)

// Security limits to prevent unbounded memory usage
const (
	// MaxErrorBodySize limits how much error response body we read (1MB)
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxStreamedResponseSize limits total streamed response size (50MB)
	MaxStreamedResponseSize = 50 * 1024 * 1024
)

// readLimitedBody reads up to maxBytes from r, returning the bytes read.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a conversation message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// ToolDefinition is an OpenAI-style function tool offered to the model.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes a callable tool.
type FunctionDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ToolCall is a tool invocation returned by the model.
type ToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// Transport names.
const (
	TransportWS   = "ws"
	TransportREST = "rest"
)

// LoadConfig is the model load configuration sent to the server.
type LoadConfig struct {
	ContextLength int    `json:"contextLength,omitempty" mapstructure:"context_length" yaml:"context_length"`
	GPU           string `json:"gpu,omitempty" mapstructure:"gpu" yaml:"gpu"`
	TTL           int    `json:"ttl,omitempty" mapstructure:"ttl" yaml:"ttl"` // seconds
}

// DefaultLoadConfig matches the server's just-in-time load defaults.
func DefaultLoadConfig() LoadConfig {
	return LoadConfig{ContextLength: 8192, GPU: "auto", TTL: 300}
}

// merge overlays the non-zero fields of o on c.
func (c LoadConfig) merge(o LoadConfig) LoadConfig {
	if o.ContextLength > 0 {
		c.ContextLength = o.ContextLength
	}
	if o.GPU != "" {
		c.GPU = o.GPU
	}
	if o.TTL > 0 {
		c.TTL = o.TTL
	}
	return c
}

// compatible reports whether every field the caller set matches c.
func (c LoadConfig) compatible(requested LoadConfig) bool {
	if requested.ContextLength > 0 && requested.ContextLength != c.ContextLength {
		return false
	}
	if requested.GPU != "" && requested.GPU != c.GPU {
		return false
	}
	if requested.TTL > 0 && requested.TTL != c.TTL {
		return false
	}
	return true
}

// PredictRequest is a streamed completion over the persistent binding.
type PredictRequest struct {
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"maxTokens,omitempty"`
}

// Prediction is an in-flight streamed completion. Fragments is closed when
// the stream ends; Err is valid after that.
type Prediction interface {
	Fragments() <-chan string
	Err() error
	// Cancel asks the server to stop and tears the stream down if it does not.
	Cancel() error
}

// ModelHandle is a loaded model on the persistent binding.
type ModelHandle interface {
	Key() string
	ContextLength() int
	Predict(ctx context.Context, req PredictRequest) (Prediction, error)
	// CountTokens renders messages through the model's chat template and
	// returns the token count. Rendering fails for invalid role sequences.
	CountTokens(ctx context.Context, messages []Message) (int, error)
	Unload(ctx context.Context) error
}

// Binding loads models on the persistent transport.
type Binding interface {
	Load(ctx context.Context, modelKey string, cfg LoadConfig) (ModelHandle, error)
	Version() string
	Endpoint() string
}

// TraceContext is per-call metadata. Only SchemaID, ResponseFormat, Tools
// and Transport influence the call; the rest is passed to trackers.
type TraceContext struct {
	Scope        string
	Label        string
	SchemaID     string
	MainPromptID string
	SubPromptID  string
	// Transport is an optional "ws" or "rest" hint.
	Transport      string
	Metadata       map[string]any
	ResponseFormat *schema.ResponseFormat
	Tools          []ToolDefinition
}

// Exchange records one finished attempt.
type Exchange struct {
	ID               string
	Model            string
	Transport        string
	Trace            *TraceContext
	Prompt           string
	Messages         []Message
	Text             string
	Reasoning        string
	ToolCalls        []ToolCall
	SchemaID         string
	Validation       *schema.Result
	StartedAt        time.Time
	FinishedAt       time.Time
	TimeToFirstToken time.Duration
	RawFragments     int
	SolutionTokens   int
	Attempt          int
	Error            string
}

// Duration is the wall time of the attempt.
func (e *Exchange) Duration() time.Duration {
	if e == nil || e.FinishedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Event is a notable moment inside a call, such as a fallback or slow start.
type Event struct {
	ExchangeID string
	Model      string
	Type       string
	Severity   string
	Message    string
	Metadata   map[string]any
}

// PerformanceSummary carries optional quality signals for the router.
type PerformanceSummary struct {
	Score          *float64
	FollowUpNeeded *bool
}

// PerformanceTracker stores exchanges and returns quality signals.
type PerformanceTracker interface {
	Track(ctx context.Context, ex *Exchange) (*PerformanceSummary, error)
	RecordEvent(ctx context.Context, ev Event) error
}

// approximateTokens estimates tokens at four characters each.
func approximateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
