package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/normanking/miniphi/internal/adaptive"
	"github.com/normanking/miniphi/internal/bandit"
	"github.com/normanking/miniphi/internal/config"
	"github.com/normanking/miniphi/internal/llm"
	"github.com/normanking/miniphi/internal/logging"
	"github.com/normanking/miniphi/internal/models"
	"github.com/normanking/miniphi/internal/routerstore"
	"github.com/normanking/miniphi/internal/schema"
	"github.com/normanking/miniphi/internal/tracker"
)

// ═══════════════════════════════════════════════════════════════════════════════
// APPLICATION WIRING
// ═══════════════════════════════════════════════════════════════════════════════

// app holds the shared backend pieces every chat client is built from.
type app struct {
	cfg       *config.Config
	transport llm.TransportPreference
	manager   *llm.Manager
	rest      *llm.RESTClient
	schemas   *schema.Registry
	tracker   *tracker.SQLiteTracker
	metrics   *llm.Metrics
	routerMet *adaptive.Metrics
	store     routerstore.Store
}

// newApp opens the backend, the schema registry and the performance tracker.
// Metrics collectors are registered only when withMetrics is set.
func newApp(cfg *config.Config, transportOverride string, withMetrics bool) (*app, error) {
	mode := cfg.Backend.Transport
	if transportOverride != "" {
		mode = transportOverride
	}
	a := &app{
		cfg:       cfg,
		transport: llm.ResolveTransportPreference(mode, cfg.Backend.PreferREST, os.Getenv),
		schemas:   schema.NewRegistry(cfg.Schemas.Dir),
	}

	binding := llm.NewWSBinding(llm.WSConfig{
		Endpoint:         cfg.Backend.WSEndpoint,
		HandshakeTimeout: cfg.Backend.HandshakeTimeout,
		CancelGrace:      cfg.Backend.CancelGrace,
	})
	a.manager = llm.NewManager(binding, llm.LoadConfig{
		GPU: cfg.Chat.GPU,
		TTL: cfg.Chat.TTLSeconds,
	})

	if !cfg.Backend.DisableREST {
		a.rest = llm.NewRESTClient(llm.RESTConfig{
			BaseURL:      cfg.Backend.BaseURL,
			Timeout:      cfg.Backend.RequestTimeout,
			DefaultModel: models.NormalizeKey(cfg.Chat.Model),
			APIKey:       cfg.Backend.APIKey,
		})
	}

	if cfg.Tracker.Enabled {
		t, err := tracker.Open(cfg.Tracker.DBPath, tracker.WithScorer(tracker.HeuristicScorer{}))
		if err != nil {
			return nil, fmt.Errorf("open tracker: %w", err)
		}
		a.tracker = t
	}

	if withMetrics {
		a.metrics = llm.NewMetrics(nil)
		a.routerMet = adaptive.NewMetrics(nil)
	}
	return a, nil
}

// newClient builds a chat client for model, resolving presets and the
// context window.
func (a *app) newClient(model string) *llm.Client {
	res := models.Resolve(model, a.cfg.Chat.ContextLength, a.cfg.Chat.ContextLength > 0)
	if res.Clamped {
		l := logging.Component("cli")
		l.Warn().
			Str("model", res.ModelKey).
			Int("context_length", res.ContextLength).
			Msg("requested context length clamped to preset maximum")
	}
	systemPrompt := a.cfg.Chat.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = res.SystemPrompt
	}

	opts := []llm.ClientOption{llm.WithSchemas(a.schemas), llm.WithMetrics(a.metrics)}
	if a.rest != nil {
		opts = append(opts, llm.WithREST(a.rest))
	}
	if a.tracker != nil {
		opts = append(opts, llm.WithTracker(a.tracker))
	}

	return llm.NewClient(llm.ClientConfig{
		ModelKey:     res.ModelKey,
		SystemPrompt: systemPrompt,
		LoadConfig: llm.LoadConfig{
			ContextLength: res.ContextLength,
			GPU:           a.cfg.Chat.GPU,
			TTL:           a.cfg.Chat.TTLSeconds,
		},
		PromptTimeout:  a.cfg.Chat.PromptTimeout,
		NoTokenTimeout: a.cfg.Chat.NoTokenTimeout,
		Transport:      a.transport,
	}, a.manager, opts...)
}

// openStore opens the configured router state backend. It returns nil for
// the "none" backend.
func (a *app) openStore(ctx context.Context) (routerstore.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	r := a.cfg.Router
	s, err := routerstore.Open(ctx, routerstore.Options{
		Kind:       r.Store,
		Path:       r.StatePath,
		SQLitePath: r.SQLitePath,
		RedisAddr:  r.RedisAddr,
		RedisKey:   r.RedisKey,
	})
	if err != nil {
		return nil, fmt.Errorf("open router store: %w", err)
	}
	a.store = s
	return s, nil
}

// newAdaptive builds the routing client over one chat client per model.
func (a *app) newAdaptive(ctx context.Context) (*adaptive.Client, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	opts := []adaptive.Option{adaptive.WithMetrics(a.routerMet)}
	if store != nil {
		opts = append(opts, adaptive.WithStore(store))
	}
	return adaptive.New(ctx, adaptiveConfig(a.cfg), func(model string) adaptive.Handler {
		return a.newClient(model)
	}, opts...)
}

// adaptiveConfig maps the router section of the configuration.
func adaptiveConfig(cfg *config.Config) adaptive.Config {
	r := cfg.Router
	profiles := make([]adaptive.Profile, 0, len(r.Profiles))
	for _, p := range r.Profiles {
		profiles = append(profiles, adaptive.Profile{ID: p.ID, Label: p.Label, Prefix: p.Prefix, Suffix: p.Suffix})
	}
	modelKeys := make([]string, 0, len(cfg.RouterModels()))
	for _, m := range cfg.RouterModels() {
		modelKeys = append(modelKeys, models.NormalizeKey(m))
	}
	costs := make(map[string]float64, len(r.ModelCosts))
	for m, c := range r.ModelCosts {
		costs[models.NormalizeKey(m)] = c
	}
	return adaptive.Config{
		Models:       modelKeys,
		DefaultModel: models.NormalizeKey(cfg.Chat.Model),
		Profiles:     profiles,
		SystemPrompt: cfg.Chat.SystemPrompt,
		Rewards: adaptive.RewardConfig{
			Success:          r.Rewards.Success,
			Failure:          r.Rewards.Failure,
			Schema:           r.Rewards.Schema,
			FollowUp:         r.Rewards.FollowUp,
			ScoreWeight:      r.Rewards.ScoreWeight,
			StepPenalty:      r.Rewards.StepPenalty,
			DefaultModelCost: r.Rewards.DefaultModelCost,
			ModelCosts:       costs,
		},
		Params:          routerParams(cfg),
		MaxSteps:        r.MaxSteps,
		SaveInterval:    r.SaveInterval,
		DisableLearning: !r.Learn,
	}
}

func routerParams(cfg *config.Config) bandit.Params {
	r := cfg.Router
	return bandit.Params{
		Alpha:        r.Alpha,
		Gamma:        r.Gamma,
		Epsilon:      r.Epsilon,
		EpsilonMin:   r.EpsilonMin,
		EpsilonDecay: r.EpsilonDecay,
	}
}

// Close ejects loaded models and releases the tracker and store.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := a.manager.EjectAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("eject models: %w", err))
	}
	if a.tracker != nil {
		if err := a.tracker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close tracker: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close router store: %w", err))
		}
	}
	return errors.Join(errs...)
}
