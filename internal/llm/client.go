package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/normanking/miniphi/internal/logging"
	"github.com/normanking/miniphi/internal/schema"
	"github.com/normanking/miniphi/internal/stream"
)

// Retry budget for one Send call.
const (
	maxSchemaRetries = 1
	maxHangRetries   = 1
	maxAttempts      = 2 + maxSchemaRetries + maxHangRetries
)

// Default timeouts.
const (
	DefaultPromptTimeout  = 5 * time.Minute
	DefaultNoTokenTimeout = 5 * time.Minute
)

// DefaultSystemPrompt is used when neither config nor preset supplies one.
const DefaultSystemPrompt = "You are MiniPhi, a careful local assistant. Answer precisely and keep replies focused."

const (
	statusTimeout  = 5 * time.Second
	trackerTimeout = 10 * time.Second
)

// CompletionBackend is the stateless request/response transport.
type CompletionBackend interface {
	CreateChatCompletion(ctx context.Context, req CompletionRequest) (*Completion, error)
	Status(ctx context.Context) (ServerStatus, error)
	BaseURL() string
}

// ClientConfig configures a Client.
type ClientConfig struct {
	ModelKey     string
	SystemPrompt string
	LoadConfig   LoadConfig
	// PromptTimeout bounds a whole attempt; NoTokenTimeout bounds the gap
	// between streamed fragments. Zero selects the default, negative disables.
	PromptTimeout  time.Duration
	NoTokenTimeout time.Duration
	Transport      TransportPreference
}

// SendOptions are per-call callbacks and metadata.
type SendOptions struct {
	// OnToken receives solution text as it streams.
	OnToken func(token string)
	// OnReasoning receives each completed reasoning block.
	OnReasoning func(block string)
	// OnError sees the final error. A non-nil return replaces it.
	OnError func(err error) error
	Trace   *TraceContext
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithREST enables the REST transport.
func WithREST(rest CompletionBackend) ClientOption {
	return func(c *Client) { c.rest = rest }
}

// WithSchemas enables schema validation by id.
func WithSchemas(reg *schema.Registry) ClientOption {
	return func(c *Client) { c.schemas = reg }
}

// WithTracker records exchanges and events.
func WithTracker(t PerformanceTracker) ClientOption {
	return func(c *Client) { c.tracker = t }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithLogger replaces the global logger.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

type protocolGate struct {
	disabled bool
	warning  string
	snapshot *ProtocolSnapshot
}

// Client owns one model handle and a chat history, and runs the retrying
// chat call over the streaming binding and the REST fallback.
type Client struct {
	model     string
	loadCfg   LoadConfig
	transport TransportPreference
	manager   *Manager
	rest      CompletionBackend
	schemas   *schema.Registry
	tracker   PerformanceTracker
	metrics   *Metrics
	logger    zerolog.Logger
	now       func() time.Time

	sendMu sync.Mutex

	mu              sync.Mutex
	handle          ModelHandle
	systemPrompt    string
	history         []Message
	promptTimeout   time.Duration
	noTokenTimeout  time.Duration
	gate            protocolGate
	lastExchange    *Exchange
	lastPerformance *PerformanceSummary
}

// NewClient creates a client for cfg.ModelKey. Models are loaded through
// manager.
func NewClient(cfg ClientConfig, manager *Manager, opts ...ClientOption) *Client {
	c := &Client{
		model:        cfg.ModelKey,
		loadCfg:      cfg.LoadConfig,
		transport:    cfg.Transport,
		manager:      manager,
		logger:       log.Logger,
		now:          time.Now,
		systemPrompt: cfg.SystemPrompt,
	}
	if c.systemPrompt == "" {
		c.systemPrompt = DefaultSystemPrompt
	}
	c.promptTimeout = resolveTimeout(cfg.PromptTimeout, DefaultPromptTimeout)
	c.noTokenTimeout = resolveTimeout(cfg.NoTokenTimeout, DefaultNoTokenTimeout)
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "chat").Str("model", c.model).Logger()
	c.history = []Message{{Role: RoleSystem, Content: c.systemPrompt}}
	return c
}

func resolveTimeout(d, fallback time.Duration) time.Duration {
	switch {
	case d == 0:
		return fallback
	case d < 0:
		return 0
	}
	return d
}

// Model returns the model key.
func (c *Client) Model() string { return c.model }

// Load loads the model through the manager.
func (c *Client) Load(ctx context.Context) error {
	handle, err := c.manager.Get(ctx, c.model, c.loadCfg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.handle = handle
	c.mu.Unlock()
	return nil
}

// Eject unloads the model.
func (c *Client) Eject(ctx context.Context) error {
	c.mu.Lock()
	c.handle = nil
	c.mu.Unlock()
	return c.manager.Eject(ctx, c.model)
}

func (c *Client) reload(ctx context.Context) error {
	if err := c.manager.Eject(ctx, c.model); err != nil {
		c.logger.Debug().Err(err).Msg("eject before reload failed")
	}
	return c.Load(ctx)
}

func (c *Client) ensureHandle(ctx context.Context) (ModelHandle, error) {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	if handle != nil {
		return handle, nil
	}
	if err := c.Load(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle, nil
}

// History returns a copy of the chat history.
func (c *Client) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneMessages(c.history)
}

// SetHistory replaces the history. A leading system entry replaces the
// system prompt; one is inserted when missing. Empty input clears.
func (c *Client) SetHistory(history []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sanitized, hasSystem := SanitizeHistory(history, c.systemPrompt)
	if len(sanitized) == 0 {
		c.history = []Message{{Role: RoleSystem, Content: c.systemPrompt}}
		return
	}
	if hasSystem {
		c.systemPrompt = sanitized[0].Content
	}
	c.history = sanitized
}

// ClearHistory resets the history to the system message.
func (c *Client) ClearHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = []Message{{Role: RoleSystem, Content: c.systemPrompt}}
}

// SetSystemPrompt replaces the system prompt in place.
func (c *Client) SetSystemPrompt(prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemPrompt = prompt
	if len(c.history) > 0 && c.history[0].Role == RoleSystem {
		c.history[0].Content = prompt
		return
	}
	c.history = append([]Message{{Role: RoleSystem, Content: prompt}}, c.history...)
}

// SetTimeouts updates the timeouts. Values <= 0 disable the timer.
func (c *Client) SetTimeouts(prompt, noToken time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.promptTimeout = max(prompt, 0)
	c.noTokenTimeout = max(noToken, 0)
}

// ContextWindow returns the loaded model's context length, or 0.
func (c *Client) ContextWindow() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return 0
	}
	return c.handle.ContextLength()
}

// LastExchange returns the most recent finished attempt.
func (c *Client) LastExchange() *Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastExchange
}

// ConsumeLastPerformance returns and clears the tracker's latest summary.
func (c *Client) ConsumeLastPerformance() *PerformanceSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.lastPerformance
	c.lastPerformance = nil
	return s
}

// ProtocolGated reports whether the streaming binding has been disabled.
func (c *Client) ProtocolGated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate.disabled
}

// ProtocolWarning returns the warning and snapshot that closed the gate.
func (c *Client) ProtocolWarning() (string, *ProtocolSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate.warning, c.gate.snapshot
}

// Send appends prompt as a user turn and returns the validated reply. On
// failure the history is restored to its state before the call.
func (c *Client) Send(ctx context.Context, prompt string, opts SendOptions) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	before := c.History()
	trace := c.buildTrace(opts.Trace)
	sch := c.resolveSchema(trace)
	if trace.ResponseFormat == nil && sch != nil {
		trace.ResponseFormat = schema.BuildResponseFormat(sch.Definition, sch.ID)
	}

	var (
		current          = prompt
		override         string
		schemaRetries    int
		hangRetries      int
		restFallbackUsed bool
		lastErr          error
		last             *Exchange
	)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		transport, reason := c.transportFor(trace, override)
		ex := c.newExchange(trace, current, transport, attempt, sch)
		last = ex
		c.logger.Debug().Int("attempt", attempt).Str("transport", transport).Str("reason", reason).Msg("sending prompt")

		c.pushUser(current)
		text, err := c.runAttempt(ctx, ex, sch, opts)
		ex.FinishedAt = c.now()
		c.metrics.observeAttempt(ex, err)
		if err == nil {
			c.commit(ctx, ex, text)
			c.metrics.observeCall(c.model, transport, nil)
			return text, nil
		}

		c.popUser()
		ex.Error = err.Error()
		lastErr = err
		if ctx.Err() != nil {
			return "", c.fail(ctx, ex, opts, before, err)
		}

		kind := Classify(err)
		switch {
		case attempt == 0 && kind == KindRecoverableModel:
			c.metrics.observeRetry(c.model, "reload")
			c.logger.Warn().Err(err).Msg("model handle lost; reloading")
			if rerr := c.reload(ctx); rerr != nil {
				c.logger.Warn().Err(rerr).Msg("reload failed")
			}
			continue

		case transport == TransportREST && !restFallbackUsed && kind != KindSchemaInvalid && c.canSwitchTo(trace, TransportWS):
			restFallbackUsed = true
			override = TransportWS
			current = prompt
			c.metrics.observeRetry(c.model, "rest-fallback")
			c.recordEvent(ctx, ex, "rest-fallback", "warn",
				fmt.Sprintf("REST transport failed; retrying with WS (%s)", err),
				map[string]any{"attempt": attempt + 1, "transport": TransportREST, "schemaId": ex.SchemaID})
			continue

		case kind == KindStreamHang && hangRetries < maxHangRetries:
			hangRetries++
			label := transport
			if transport == TransportREST {
				override = TransportWS
			} else if c.rest != nil {
				override = TransportREST
				label = "ws->rest"
			}
			current = prompt
			c.metrics.observeRetry(c.model, "stream-hang")
			c.recordEvent(ctx, ex, "stream-retry", "warn",
				fmt.Sprintf("Retrying %s after streaming hang (%s): %s", c.model, label, err),
				map[string]any{
					"attempt":        attempt + 1,
					"hangRetryCount": hangRetries,
					"rawFragments":   ex.RawFragments,
					"solutionTokens": ex.SolutionTokens,
					"transport":      label,
				})
			continue

		case kind == KindProtocol:
			snap := c.openProtocolGate(ctx, transport, err)
			c.recordEvent(ctx, ex, "protocol-warning", "error", err.Error(), map[string]any{
				"bindingVersion": snap.BindingVersion,
				"serverVersion":  snap.ServerVersion,
				"baseUrl":        snap.BaseURL,
				"transport":      snap.Transport,
			})
			if transport == TransportWS && c.rest != nil {
				current = prompt
				c.metrics.observeRetry(c.model, "protocol")
				continue
			}
			perr := &Error{
				Kind:      KindProtocol,
				Model:     c.model,
				Transport: transport,
				Op:        "protocol",
				Msg:       protocolMessage(err.Error(), snap),
				Snapshot:  snap,
			}
			return "", c.fail(ctx, ex, opts, before, perr)

		case kind == KindSchemaInvalid && sch != nil && schemaRetries < maxSchemaRetries:
			schemaRetries++
			current = schemaRetryPrompt(prompt, sch, ex.Validation.Summary(3), schemaRetries)
			c.metrics.observeRetry(c.model, "schema")
			c.logger.Info().Str("schema", sch.ID).Int("retry", schemaRetries).Msg("retrying with schema reminder")
			continue
		}
		return "", c.fail(ctx, ex, opts, before, err)
	}

	err := fmt.Errorf("%s chat stream exceeded retry budget. Last error: %w", c.model, lastErr)
	return "", c.fail(ctx, last, opts, before, err)
}

func (c *Client) buildTrace(in *TraceContext) *TraceContext {
	trace := &TraceContext{}
	if in != nil {
		*trace = *in
	}
	if trace.Scope != "main" {
		trace.Scope = "sub"
	}
	if trace.SubPromptID == "" {
		trace.SubPromptID = uuid.NewString()
	}
	trace.SchemaID = strings.ToLower(strings.TrimSpace(trace.SchemaID))
	return trace
}

func (c *Client) resolveSchema(trace *TraceContext) *schema.Schema {
	if c.schemas == nil || trace.SchemaID == "" {
		return nil
	}
	s, err := c.schemas.Get(trace.SchemaID)
	if err != nil {
		c.logger.Warn().Err(err).Str("schema", trace.SchemaID).Msg("schema unavailable; skipping validation")
		return nil
	}
	return s
}

func (c *Client) transportState(trace *TraceContext, override string) transportState {
	c.mu.Lock()
	gated := c.gate.disabled
	c.mu.Unlock()
	return transportState{
		haveREST:      c.rest != nil,
		protocolGated: gated,
		pref:          c.transport,
		override:      override,
		hint:          trace.Transport,
		jsonSchema:    trace.ResponseFormat.IsJSONSchema(),
	}
}

func (c *Client) transportFor(trace *TraceContext, override string) (string, string) {
	return chooseTransport(c.transportState(trace, override))
}

func (c *Client) canSwitchTo(trace *TraceContext, transport string) bool {
	got, _ := chooseTransport(c.transportState(trace, transport))
	return got == transport
}

func (c *Client) newExchange(trace *TraceContext, prompt, transport string, attempt int, sch *schema.Schema) *Exchange {
	ex := &Exchange{
		ID:        uuid.NewString(),
		Model:     c.model,
		Transport: transport,
		Trace:     trace,
		Prompt:    prompt,
		StartedAt: c.now(),
		Attempt:   attempt,
	}
	if sch != nil {
		ex.SchemaID = sch.ID
	}
	return ex
}

func (c *Client) pushUser(prompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, Message{Role: RoleUser, Content: prompt})
}

// popUser removes the trailing user turn if truncation left it in place.
func (c *Client) popUser() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.history); n > 1 && c.history[n-1].Role == RoleUser {
		c.history = c.history[:n-1]
	}
}

func (c *Client) runAttempt(ctx context.Context, ex *Exchange, sch *schema.Schema, opts SendOptions) (string, error) {
	var (
		text string
		err  error
	)
	if ex.Transport == TransportREST {
		text, err = c.completeREST(ctx, ex, opts)
	} else {
		text, err = c.streamPrimary(ctx, ex, opts)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", c.errorf(KindEmpty, ex.Transport, "validate", "%s returned an empty response.", c.model)
	}
	ex.Text = text
	if sch != nil {
		res := schema.ValidateText(sch.Definition, text)
		ex.Validation = res
		if !res.Valid {
			return "", c.errorf(KindSchemaInvalid, ex.Transport, "validate",
				"%s response failed schema validation (%s): %s", c.model, sch.ID, res.Summary(3))
		}
	}
	return text, nil
}

func (c *Client) errorf(kind Kind, transport, op, format string, args ...any) *Error {
	e := newError(kind, c.model, op, fmt.Sprintf(format, args...), nil)
	e.Transport = transport
	return e
}

func (c *Client) timeouts() (prompt, noToken time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.promptTimeout, c.noTokenTimeout
}

func (c *Client) promptTimeoutError(transport string, timeout time.Duration) *Error {
	minutes := math.Round(timeout.Minutes()*10) / 10
	return c.errorf(KindStreamHang, transport, "timeout", "%s prompt session exceeded %s minute limit.",
		c.model, strconv.FormatFloat(minutes, 'f', -1, 64))
}

func (c *Client) streamPrimary(ctx context.Context, ex *Exchange, opts SendOptions) (string, error) {
	handle, err := c.ensureHandle(ctx)
	if err != nil {
		return "", err
	}

	truncated, err := TruncateHistory(ctx, handle, handle.ContextLength(), c.History())
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.history = truncated
	c.mu.Unlock()
	if len(truncated) < 2 || truncated[len(truncated)-1].Role != RoleUser {
		e := c.errorf(KindUncategorized, TransportWS, "truncate", "%s prompt does not fit the %d token context window",
			c.model, handle.ContextLength())
		e.Err = ErrContextOverflow
		return "", e
	}
	ex.Messages = cloneMessages(truncated)
	return c.stream(ctx, handle, ex, opts)
}

// stream drives one prediction, racing fragments against the heartbeat
// and the prompt timer.
func (c *Client) stream(ctx context.Context, handle ModelHandle, ex *Exchange, opts SendOptions) (string, error) {
	promptTimeout, noTokenTimeout := c.timeouts()
	threshold := slowStartThreshold(noTokenTimeout, promptTimeout)

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pred, err := handle.Predict(pctx, PredictRequest{Messages: ex.Messages})
	if err != nil {
		return "", err
	}

	splitter := stream.NewSplitter(stream.Handlers{
		OnSolution: func(token string) {
			ex.SolutionTokens++
			if opts.OnToken != nil {
				opts.OnToken(token)
			}
		},
		OnReasoning: opts.OnReasoning,
	})

	var promptC <-chan time.Time
	if promptTimeout > 0 {
		t := time.NewTimer(promptTimeout)
		defer t.Stop()
		promptC = t.C
	}
	var heartbeat *time.Timer
	var heartbeatC <-chan time.Time
	if noTokenTimeout > 0 {
		heartbeat = time.NewTimer(noTokenTimeout)
		defer heartbeat.Stop()
		heartbeatC = heartbeat.C
	}

	fragments := pred.Fragments()
	for {
		select {
		case <-ctx.Done():
			pred.Cancel()
			return "", ctx.Err()

		case <-promptC:
			pred.Cancel()
			e := c.promptTimeoutError(TransportWS, promptTimeout)
			c.recordEvent(ctx, ex, "prompt-timeout", "error", e.Msg, map[string]any{"timeoutMs": promptTimeout.Milliseconds()})
			return "", e

		case <-heartbeatC:
			e := c.errorf(KindStreamHang, TransportWS, "heartbeat", "No %s tokens emitted in %d seconds; cancelling prompt.",
				c.model, int(math.Round(noTokenTimeout.Seconds())))
			c.recordEvent(ctx, ex, "no-token-timeout", "error", e.Msg, map[string]any{
				"timeoutMs": noTokenTimeout.Milliseconds(),
				"schemaId":  ex.SchemaID,
			})
			pred.Cancel()
			return "", e

		case fragment, ok := <-fragments:
			if !ok {
				if err := pred.Err(); err != nil {
					return "", err
				}
				splitter.Finish()
				ex.Reasoning = splitter.Reasoning()
				return splitter.Solution(), nil
			}
			ex.RawFragments++
			if heartbeat != nil {
				heartbeat.Reset(noTokenTimeout)
			}
			c.markFirstToken(ctx, ex, threshold)
			splitter.Push(fragment)
		}
	}
}

func (c *Client) completeREST(ctx context.Context, ex *Exchange, opts SendOptions) (string, error) {
	promptTimeout, noTokenTimeout := c.timeouts()
	ex.Messages = c.History()

	rctx, cancel := ctx, context.CancelFunc(func() {})
	if promptTimeout > 0 {
		rctx, cancel = context.WithTimeout(ctx, promptTimeout)
	}
	defer cancel()

	resp, err := c.rest.CreateChatCompletion(rctx, CompletionRequest{
		Model:          c.model,
		Messages:       ex.Messages,
		MaxTokens:      -1,
		ResponseFormat: ex.Trace.ResponseFormat,
		Tools:          ex.Trace.Tools,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return "", c.promptTimeoutError(TransportREST, promptTimeout)
		}
		return "", err
	}

	ex.ToolCalls = resp.ToolCalls
	if resp.Text != "" {
		ex.RawFragments = 1
	}
	c.markFirstToken(ctx, ex, slowStartThreshold(noTokenTimeout, promptTimeout))

	splitter := stream.NewSplitter(stream.Handlers{
		OnSolution: func(token string) {
			if opts.OnToken != nil {
				opts.OnToken(token)
			}
		},
		OnReasoning: opts.OnReasoning,
	})
	splitter.Push(resp.Text)
	splitter.Finish()
	ex.Reasoning = splitter.Reasoning()
	text := splitter.Solution()
	ex.SolutionTokens = approximateTokens(text)
	return text, nil
}

// slowStartThreshold is min(10% of the no-token timeout, 25% of the prompt
// timeout), 30s when both are disabled, clamped to [5s, 60s].
func slowStartThreshold(noToken, prompt time.Duration) time.Duration {
	base := time.Duration(0)
	if noToken > 0 {
		base = noToken / 10
	}
	if prompt > 0 && (base == 0 || prompt/4 < base) {
		base = prompt / 4
	}
	if base == 0 {
		base = 30 * time.Second
	}
	return min(max(base, 5*time.Second), 60*time.Second)
}

func (c *Client) markFirstToken(ctx context.Context, ex *Exchange, threshold time.Duration) {
	if ex.TimeToFirstToken > 0 {
		return
	}
	ttft := c.now().Sub(ex.StartedAt)
	if ttft <= 0 {
		ttft = time.Nanosecond
	}
	ex.TimeToFirstToken = ttft
	if threshold <= 0 || ttft < threshold {
		return
	}
	c.recordEvent(ctx, ex, "slow-start", "warn",
		fmt.Sprintf("First token delayed %ds (threshold %ds).", int(math.Round(ttft.Seconds())), int(math.Round(threshold.Seconds()))),
		map[string]any{
			"timeToFirstTokenMs": ttft.Milliseconds(),
			"thresholdMs":        threshold.Milliseconds(),
			"transport":          ex.Transport,
			"schemaId":           ex.SchemaID,
		})
}

func schemaRetryPrompt(base string, sch *schema.Schema, summary string, attempt int) string {
	lines := []string{
		strings.TrimRightFunc(base, unicode.IsSpace),
		"---",
		fmt.Sprintf("Schema attempt %d: Previous response failed schema \"%s\" because %s.", attempt, sch.ID, summary),
		"Reply again with STRICT JSON only; omit commentary, code fences, or greetings.",
	}
	if sch.Text != "" {
		lines = append(lines, "Schema reference:", "```json", sch.Text, "```")
	}
	return strings.Join(lines, "\n")
}

func (c *Client) openProtocolGate(ctx context.Context, transport string, cause error) *ProtocolSnapshot {
	snap := &ProtocolSnapshot{Transport: transport}
	if b := c.manager.Binding(); b != nil {
		snap.BindingVersion = b.Version()
		snap.BaseURL = b.Endpoint()
	}
	if c.rest != nil {
		snap.BaseURL = c.rest.BaseURL()
		sctx, cancel := logging.DetachContextWithTimeout(ctx, statusTimeout)
		status, err := c.rest.Status(sctx)
		cancel()
		if err != nil {
			snap.StatusError = err.Error()
		} else {
			snap.ServerVersion = status.Version()
			snap.StatusError = status.Error()
		}
	}

	c.mu.Lock()
	c.gate = protocolGate{disabled: true, warning: cause.Error(), snapshot: snap}
	c.mu.Unlock()
	c.metrics.setGate(c.model, true)
	c.logger.Error().Err(cause).Str("snapshot", snap.String()).Msg("protocol warning; streaming binding disabled")
	return snap
}

func (c *Client) commit(ctx context.Context, ex *Exchange, text string) {
	c.mu.Lock()
	c.history = append(c.history, Message{Role: RoleAssistant, Content: text})
	c.lastExchange = ex
	c.mu.Unlock()
	c.track(ctx, ex)
	c.logger.Debug().
		Str("transport", ex.Transport).
		Int("attempt", ex.Attempt).
		Dur("duration", ex.Duration()).
		Msg("prompt completed")
}

func (c *Client) fail(ctx context.Context, ex *Exchange, opts SendOptions, before []Message, err error) error {
	final := err
	if opts.OnError != nil {
		if replaced := opts.OnError(err); replaced != nil {
			final = replaced
		}
	}
	c.mu.Lock()
	c.history = before
	if ex != nil {
		c.lastExchange = ex
	}
	c.mu.Unlock()

	transport := ""
	if ex != nil {
		ex.Error = err.Error()
		transport = ex.Transport
		c.track(ctx, ex)
	}
	c.metrics.observeCall(c.model, transport, err)
	c.logger.Warn().Err(err).Str("transport", transport).Msg("prompt failed")
	return final
}

func (c *Client) track(ctx context.Context, ex *Exchange) {
	if c.tracker == nil {
		c.mu.Lock()
		c.lastPerformance = nil
		c.mu.Unlock()
		return
	}
	tctx, cancel := logging.DetachContextWithTimeout(ctx, trackerTimeout)
	defer cancel()
	summary, err := c.tracker.Track(tctx, ex)
	if err != nil {
		c.logger.Warn().Err(err).Str("exchange", ex.ID).Msg("performance tracking failed")
	}
	c.mu.Lock()
	c.lastPerformance = summary
	c.mu.Unlock()
}

func (c *Client) recordEvent(ctx context.Context, ex *Exchange, eventType, severity, message string, metadata map[string]any) {
	level := zerolog.WarnLevel
	if severity == "error" {
		level = zerolog.ErrorLevel
	}
	c.logger.WithLevel(level).Str("event", eventType).Str("exchange", ex.ID).Msg(message)
	if c.tracker == nil {
		return
	}
	ectx, cancel := logging.DetachContextWithTimeout(ctx, trackerTimeout)
	defer cancel()
	ev := Event{
		ExchangeID: ex.ID,
		Model:      c.model,
		Type:       eventType,
		Severity:   severity,
		Message:    message,
		Metadata:   metadata,
	}
	if err := c.tracker.RecordEvent(ectx, ev); err != nil {
		c.logger.Debug().Err(err).Str("event", eventType).Msg("event not recorded")
	}
}
