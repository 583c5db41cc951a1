// Package adaptive routes each chat call to a (model, prompt profile)
// action chosen by a Q-learning bandit, and learns from the outcome.
package adaptive

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/normanking/miniphi/internal/bandit"
	"github.com/normanking/miniphi/internal/llm"
	"github.com/normanking/miniphi/internal/logging"
	"github.com/normanking/miniphi/internal/routerstore"
)

// Defaults.
const (
	DefaultMaxSteps     = 6
	DefaultSaveInterval = 15 * time.Second
	flushTimeout        = 10 * time.Second
)

// ErrNoHandler is returned when no model is configured.
var ErrNoHandler = errors.New("adaptive router has no available model handler")

// Handler is a chat client for one model. *llm.Client implements it.
type Handler interface {
	Load(ctx context.Context) error
	Eject(ctx context.Context) error
	Send(ctx context.Context, prompt string, opts llm.SendOptions) (string, error)
	History() []llm.Message
	SetHistory(history []llm.Message)
	ClearHistory()
	SetTimeouts(prompt, noToken time.Duration)
	LastExchange() *llm.Exchange
	ConsumeLastPerformance() *llm.PerformanceSummary
	ContextWindow() int
}

// HandlerFactory builds the handler for a model key.
type HandlerFactory func(model string) Handler

// Config configures a Client.
type Config struct {
	Models       []string
	DefaultModel string
	Profiles     []Profile
	// SystemPrompt seeds a handler's history when no shared history exists.
	SystemPrompt string
	Rewards      RewardConfig
	// Params is used as given; the zero value selects bandit.DefaultParams.
	Params       bandit.Params
	MaxSteps     int
	SaveInterval time.Duration
	// DisableLearning routes on the current table without updating it.
	DisableLearning bool
}

// Option customizes a Client.
type Option func(*Client)

// WithStore persists router state.
func WithStore(s routerstore.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithRouterOptions passes options to the bandit router.
func WithRouterOptions(opts ...bandit.Option) Option {
	return func(c *Client) { c.routerOpts = append(c.routerOpts, opts...) }
}

// WithMetrics records routing metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger replaces the global logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

type actionEntry struct {
	model   string
	profile Profile
}

// OutcomeSummary describes the last routed call.
type OutcomeSummary struct {
	Action      string
	Model       string
	Profile     string
	State       string
	Status      string
	ErrorKind   string
	Reward      float64
	Step        int
	Done        bool
	Epsilon     float64
	Performance *llm.PerformanceSummary
}

// Client is the adaptive routing chat client.
type Client struct {
	cfg        Config
	models     []string
	profiles   []Profile
	actions    []string
	entries    map[string]actionEntry
	factory    HandlerFactory
	router     *bandit.Router
	routerOpts []bandit.Option
	store      routerstore.Store
	saver      *saver
	metrics    *Metrics
	logger     zerolog.Logger

	sendMu sync.Mutex

	handlerGroup singleflight.Group
	handlersMu   sync.Mutex
	handlers     map[string]Handler

	mu           sync.Mutex
	currentModel string
	shared       []llm.Message
	sess         session
	timeouts     *[2]time.Duration
	lastExchange *llm.Exchange
	lastOutcome  *OutcomeSummary
}

// New builds a client over the cross product of models and profiles. When
// a store is configured its state is loaded; a missing or unreadable state
// starts a fresh table.
func New(ctx context.Context, cfg Config, factory HandlerFactory, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:      cfg,
		factory:  factory,
		logger:   log.Logger,
		handlers: make(map[string]Handler),
		sess:     newSession(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "router").Logger()

	c.models = normalizeModels(cfg.Models, cfg.DefaultModel)
	if len(c.models) == 0 {
		return nil, ErrNoHandler
	}
	c.currentModel = c.models[0]
	c.profiles = normalizeProfiles(cfg.Profiles)
	if c.cfg.MaxSteps <= 0 {
		c.cfg.MaxSteps = DefaultMaxSteps
	}
	if c.cfg.SaveInterval <= 0 {
		c.cfg.SaveInterval = DefaultSaveInterval
	}
	if c.cfg.Rewards.isZero() {
		c.cfg.Rewards = DefaultRewardConfig()
	}
	if c.cfg.Params == (bandit.Params{}) {
		c.cfg.Params = bandit.DefaultParams()
	}

	c.entries = make(map[string]actionEntry, len(c.models)*len(c.profiles))
	for _, model := range c.models {
		for _, profile := range c.profiles {
			key := bandit.ActionKey(model, profile.ID)
			c.actions = append(c.actions, key)
			c.entries[key] = actionEntry{model: model, profile: profile}
		}
	}

	c.router = c.loadRouter(ctx)
	c.saver = &saver{
		store:    c.store,
		interval: c.cfg.SaveInterval,
		snapshot: c.router.Snapshot,
		now:      time.Now,
		logger:   c.logger,
	}
	return c, nil
}

func (c *Client) loadRouter(ctx context.Context) *bandit.Router {
	if c.store != nil {
		state, err := c.store.Load(ctx)
		switch {
		case err == nil:
			c.logger.Info().Int("states", len(state.Q)).Float64("epsilon", state.Epsilon).Msg("router state loaded")
			return bandit.FromState(*state, c.actions, c.routerOpts...)
		case errors.Is(err, routerstore.ErrStateNotFound):
		default:
			c.logger.Warn().Err(err).Msg("router state unreadable; starting fresh")
		}
	}
	return bandit.New(c.actions, c.cfg.Params, c.routerOpts...)
}

// Router returns the underlying bandit router.
func (c *Client) Router() *bandit.Router { return c.router }

// Actions returns the configured action keys.
func (c *Client) Actions() []string { return append([]string(nil), c.actions...) }

// Models returns the de-duplicated model keys.
func (c *Client) Models() []string { return append([]string(nil), c.models...) }

// CurrentModel returns the model used by the last call, or the default.
func (c *Client) CurrentModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentModel
}

// handler returns the cached handler for model, creating it once.
func (c *Client) handler(model string) Handler {
	c.handlersMu.Lock()
	h, ok := c.handlers[model]
	c.handlersMu.Unlock()
	if ok {
		return h
	}

	v, _, _ := c.handlerGroup.Do(model, func() (any, error) {
		c.handlersMu.Lock()
		if h, ok := c.handlers[model]; ok {
			c.handlersMu.Unlock()
			return h, nil
		}
		c.handlersMu.Unlock()

		h := c.factory(model)
		if h == nil {
			return nil, nil
		}
		c.mu.Lock()
		timeouts := c.timeouts
		c.mu.Unlock()
		if timeouts != nil {
			h.SetTimeouts(timeouts[0], timeouts[1])
		}

		c.handlersMu.Lock()
		c.handlers[model] = h
		c.handlersMu.Unlock()
		c.logger.Debug().Str("model", model).Msg("handler created")
		return h, nil
	})
	h, _ = v.(Handler)
	return h
}

// existingHandlers returns the handlers created so far.
func (c *Client) existingHandlers() []Handler {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	out := make([]Handler, 0, len(c.handlers))
	for _, model := range c.models {
		if h, ok := c.handlers[model]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Load loads the default model.
func (c *Client) Load(ctx context.Context) error {
	h := c.handler(c.CurrentModel())
	if h == nil {
		return ErrNoHandler
	}
	return h.Load(ctx)
}

// Eject unloads every handler, flushes router state and drops the shared
// history. Handler errors are joined.
func (c *Client) Eject(ctx context.Context) error {
	var (
		g     errgroup.Group
		errMu sync.Mutex
		errs  []error
	)
	for _, h := range c.existingHandlers() {
		h := h
		g.Go(func() error {
			if err := h.Eject(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	fctx, cancel := logging.DetachContextWithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := c.saver.flush(fctx); err != nil {
		c.logger.Warn().Err(err).Msg("final router flush failed")
	}

	c.mu.Lock()
	c.shared = nil
	c.mu.Unlock()
	return errors.Join(errs...)
}

// Flush writes the router state now.
func (c *Client) Flush(ctx context.Context) error {
	return c.saver.flush(ctx)
}

// History returns the shared conversation.
func (c *Client) History() []llm.Message {
	c.mu.Lock()
	shared := c.shared
	model := c.currentModel
	c.mu.Unlock()
	if shared != nil {
		return append([]llm.Message(nil), shared...)
	}
	if h := c.handler(model); h != nil {
		return h.History()
	}
	return nil
}

// SetHistory replaces the shared conversation. A history of at most one
// message restarts the step counter.
func (c *Client) SetHistory(history []llm.Message) {
	c.mu.Lock()
	if history == nil {
		c.shared = nil
	} else {
		c.shared = append([]llm.Message(nil), history...)
	}
	if len(history) <= 1 {
		c.sess.stepCount = 0
	}
	c.mu.Unlock()
	for _, h := range c.existingHandlers() {
		h.SetHistory(history)
	}
}

// ClearHistory drops the conversation and resets the session counters.
func (c *Client) ClearHistory() {
	c.mu.Lock()
	c.shared = nil
	c.sess = newSession()
	c.mu.Unlock()
	for _, h := range c.existingHandlers() {
		h.ClearHistory()
	}
}

// SetTimeouts applies to every current and future handler.
func (c *Client) SetTimeouts(prompt, noToken time.Duration) {
	c.mu.Lock()
	c.timeouts = &[2]time.Duration{prompt, noToken}
	c.mu.Unlock()
	for _, h := range c.existingHandlers() {
		h.SetTimeouts(prompt, noToken)
	}
}

// ContextWindow reports the current model's context length.
func (c *Client) ContextWindow() int {
	if h := c.handler(c.CurrentModel()); h != nil {
		return h.ContextWindow()
	}
	return 0
}

// LastExchange returns the exchange of the last routed call.
func (c *Client) LastExchange() *llm.Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastExchange
}

// ConsumeLastOutcomeSummary returns and clears the last call's outcome.
func (c *Client) ConsumeLastOutcomeSummary() *OutcomeSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.lastOutcome
	c.lastOutcome = nil
	return s
}

// Send routes prompt to the chosen model and profile. Errors from the
// handler are terminal; they are scored and returned unchanged.
func (c *Client) Send(ctx context.Context, prompt string, opts llm.SendOptions) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", llm.ErrEmptyPrompt
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	obs := c.sess.observe(prompt, opts.Trace)
	c.mu.Unlock()

	action := c.router.ChooseAction(obs)
	entry, ok := c.entries[action]
	if !ok {
		action = c.actions[0]
		entry = c.entries[action]
	}
	h := c.handler(entry.model)
	if h == nil {
		return "", ErrNoHandler
	}

	c.mu.Lock()
	c.currentModel = entry.model
	shared := c.shared
	c.mu.Unlock()

	if err := h.Load(ctx); err != nil {
		c.logger.Debug().Err(err).Str("model", entry.model).Msg("load before send failed")
	}
	switch {
	case shared != nil:
		h.SetHistory(shared)
	case c.cfg.SystemPrompt != "":
		h.SetHistory([]llm.Message{{Role: llm.RoleSystem, Content: c.cfg.SystemPrompt}})
	}

	state := bandit.StateKey(obs)
	routed := opts
	routed.Trace = c.routedTrace(opts.Trace, entry, action, state, obs.Step)

	c.logger.Debug().
		Str("action", action).
		Str("state", state).
		Float64("epsilon", c.router.Epsilon()).
		Msg("routing prompt")

	prev := h.LastExchange()
	text, err := h.Send(ctx, entry.profile.Wrap(prompt), routed)
	c.afterSend(h, prev, obs, action, state, entry, err)
	return text, err
}

func (c *Client) routedTrace(trace *llm.TraceContext, entry actionEntry, action, state string, step int) *llm.TraceContext {
	var out llm.TraceContext
	if trace != nil {
		out = *trace
	}
	metadata := make(map[string]any, len(out.Metadata)+1)
	maps.Copy(metadata, out.Metadata)
	metadata["routing"] = map[string]any{
		"model":   entry.model,
		"profile": entry.profile.ID,
		"action":  action,
		"state":   state,
		"epsilon": c.router.Epsilon(),
		"step":    step,
	}
	out.Metadata = metadata
	return &out
}

func (c *Client) afterSend(h Handler, prev *llm.Exchange, obs bandit.Observation, action, state string, entry actionEntry, sendErr error) {
	status := bandit.StatusOK
	errorKind := "none"
	if sendErr != nil {
		status = bandit.StatusError
		errorKind = llm.ErrorKindLabel(sendErr)
	}
	next := obs
	next.Step = obs.Step + 1
	next.LastStatus = status
	next.LastErrorKind = errorKind

	// A send rejected before any exchange leaves the previous one in place.
	ex := h.LastExchange()
	if ex == prev {
		ex = nil
	}
	perf := h.ConsumeLastPerformance()

	var schemaValid *bool
	var duration time.Duration
	if ex != nil {
		if ex.Validation != nil {
			valid := ex.Validation.Valid
			schemaValid = &valid
		}
		duration = ex.Duration()
	}
	outcome := Outcome{
		Model:       entry.model,
		Failed:      sendErr != nil,
		ErrorKind:   errorKind,
		SchemaValid: schemaValid,
	}
	var followUp *bool
	if perf != nil {
		outcome.Score = perf.Score
		outcome.FollowUpNeeded = perf.FollowUpNeeded
		followUp = perf.FollowUpNeeded
	}
	reward := c.cfg.Rewards.Reward(outcome)
	done := obs.Step >= c.cfg.MaxSteps

	history := h.History()
	c.mu.Lock()
	c.sess.stepCount = obs.Step
	c.sess.lastStatus = status
	c.sess.lastErrorKind = errorKind
	c.sess.lastSchemaValid = bandit.Flag(schemaValid)
	c.sess.lastFollowUpNeeded = bandit.Flag(followUp)
	c.sess.lastDuration = duration
	c.shared = history
	c.lastExchange = ex
	c.mu.Unlock()

	if !c.cfg.DisableLearning {
		c.router.Update(obs, action, reward, next, done)
		c.saver.schedule()
	}
	epsilon := c.router.Epsilon()

	c.mu.Lock()
	c.lastOutcome = &OutcomeSummary{
		Action:      action,
		Model:       entry.model,
		Profile:     entry.profile.ID,
		State:       state,
		Status:      status,
		ErrorKind:   errorKind,
		Reward:      reward,
		Step:        obs.Step,
		Done:        done,
		Epsilon:     epsilon,
		Performance: perf,
	}
	c.mu.Unlock()

	c.metrics.observe(entry.model, entry.profile.ID, status, reward, epsilon)
	c.logger.Info().
		Str("action", action).
		Str("status", status).
		Str("error_kind", errorKind).
		Float64("reward", reward).
		Int("step", obs.Step).
		Bool("done", done).
		Msg("routed call finished")
}
