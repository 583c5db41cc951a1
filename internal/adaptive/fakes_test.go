package adaptive

import (
	"context"
	"sync"
	"time"

	"github.com/normanking/miniphi/internal/bandit"
	"github.com/normanking/miniphi/internal/llm"
	"github.com/normanking/miniphi/internal/routerstore"
	"github.com/normanking/miniphi/internal/schema"
)

type fakeHandler struct {
	model string

	mu       sync.Mutex
	history  []llm.Message
	prompts  []string
	traces   []*llm.TraceContext
	loads    int
	ejects   int
	timeouts [2]time.Duration

	// next reply
	err         error
	reply       string
	perf        *llm.PerformanceSummary
	schemaValid *bool
	ejectErr    error
	// rejectErr fails Send before an exchange is recorded.
	rejectErr error

	lastExchange *llm.Exchange
	lastPerf     *llm.PerformanceSummary
}

func newFakeHandler(model string) *fakeHandler {
	return &fakeHandler{model: model, reply: "answer from " + model}
}

func (h *fakeHandler) Load(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loads++
	return nil
}

func (h *fakeHandler) Eject(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ejects++
	return h.ejectErr
}

func (h *fakeHandler) Send(ctx context.Context, prompt string, opts llm.SendOptions) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rejectErr != nil {
		return "", h.rejectErr
	}
	h.prompts = append(h.prompts, prompt)
	h.traces = append(h.traces, opts.Trace)

	ex := &llm.Exchange{Model: h.model, Prompt: prompt}
	if h.schemaValid != nil {
		ex.Validation = &schema.Result{Valid: *h.schemaValid}
	}
	h.lastExchange = ex
	h.lastPerf = h.perf
	if h.err != nil {
		ex.Error = h.err.Error()
		return "", h.err
	}
	ex.Text = h.reply
	h.history = append(h.history,
		llm.Message{Role: llm.RoleUser, Content: prompt},
		llm.Message{Role: llm.RoleAssistant, Content: h.reply})
	return h.reply, nil
}

func (h *fakeHandler) History() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.Message(nil), h.history...)
}

func (h *fakeHandler) SetHistory(history []llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append([]llm.Message(nil), history...)
}

func (h *fakeHandler) ClearHistory() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = nil
}

func (h *fakeHandler) SetTimeouts(prompt, noToken time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeouts = [2]time.Duration{prompt, noToken}
}

func (h *fakeHandler) LastExchange() *llm.Exchange {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastExchange
}

func (h *fakeHandler) ConsumeLastPerformance() *llm.PerformanceSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.lastPerf
	h.lastPerf = nil
	return p
}

func (h *fakeHandler) ContextWindow() int { return 8192 }

// fakePool hands out one fakeHandler per model and counts factory calls.
type fakePool struct {
	mu       sync.Mutex
	handlers map[string]*fakeHandler
	created  int
}

func newFakePool(models ...string) *fakePool {
	p := &fakePool{handlers: make(map[string]*fakeHandler)}
	for _, m := range models {
		p.handlers[m] = newFakeHandler(m)
	}
	return p
}

func (p *fakePool) factory(model string) Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	h, ok := p.handlers[model]
	if !ok {
		return nil
	}
	return h
}

type memStore struct {
	mu      sync.Mutex
	state   *bandit.State
	saves   int
	release chan struct{}
}

func (s *memStore) Load(ctx context.Context) (*bandit.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, routerstore.ErrStateNotFound
	}
	cp := *s.state
	return &cp, nil
}

func (s *memStore) Save(ctx context.Context, state bandit.State) error {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.state = &state
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func ptr[T any](v T) *T { return &v }
