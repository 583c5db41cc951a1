package llm

import (
	"context"
	"sync"
	"sync/atomic"
)

type fakePrediction struct {
	frags     chan string
	err       error
	once      sync.Once
	cancelled atomic.Bool
}

// completed returns a prediction that has already streamed frags.
func completed(err error, frags ...string) *fakePrediction {
	p := &fakePrediction{frags: make(chan string, len(frags)), err: err}
	for _, f := range frags {
		p.frags <- f
	}
	p.once.Do(func() { close(p.frags) })
	return p
}

// hanging returns a prediction that emits nothing until cancelled.
func hanging() *fakePrediction {
	return &fakePrediction{frags: make(chan string)}
}

func (p *fakePrediction) Fragments() <-chan string { return p.frags }
func (p *fakePrediction) Err() error               { return p.err }

func (p *fakePrediction) Cancel() error {
	p.cancelled.Store(true)
	p.once.Do(func() { close(p.frags) })
	return nil
}

type fakeHandle struct {
	key    string
	ctxLen int

	mu       sync.Mutex
	replies  []func() (Prediction, error)
	requests []PredictRequest
	issued   []*fakePrediction
	unloads  int
	// tokensPerMessage drives CountTokens.
	tokensPerMessage int
}

func (h *fakeHandle) Key() string        { return h.key }
func (h *fakeHandle) ContextLength() int { return h.ctxLen }

func (h *fakeHandle) Predict(ctx context.Context, req PredictRequest) (Prediction, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, req)
	if len(h.replies) == 0 {
		return completed(nil, "default reply"), nil
	}
	next := h.replies[0]
	if len(h.replies) > 1 {
		h.replies = h.replies[1:]
	}
	pred, err := next()
	if fp, ok := pred.(*fakePrediction); ok {
		h.issued = append(h.issued, fp)
	}
	return pred, err
}

func (h *fakeHandle) CountTokens(ctx context.Context, messages []Message) (int, error) {
	per := h.tokensPerMessage
	if per == 0 {
		per = 10
	}
	return len(messages) * per, nil
}

func (h *fakeHandle) Unload(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unloads++
	return nil
}

func (h *fakeHandle) predictCalls() []PredictRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PredictRequest(nil), h.requests...)
}

// predictions returns every fake prediction handed out so far.
func (h *fakeHandle) predictions() []*fakePrediction {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakePrediction(nil), h.issued...)
}

func reply(frags ...string) func() (Prediction, error) {
	return func() (Prediction, error) { return completed(nil, frags...), nil }
}

func failWith(err error) func() (Prediction, error) {
	return func() (Prediction, error) { return nil, err }
}

func hang() func() (Prediction, error) {
	return func() (Prediction, error) { return hanging(), nil }
}

type fakeBinding struct {
	handle *fakeHandle

	mu      sync.Mutex
	loads   int
	configs []LoadConfig
}

func (b *fakeBinding) Load(ctx context.Context, key string, cfg LoadConfig) (ModelHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loads++
	b.configs = append(b.configs, cfg)
	return b.handle, nil
}

func (b *fakeBinding) Version() string  { return "fake/1" }
func (b *fakeBinding) Endpoint() string { return "ws://fake" }

func (b *fakeBinding) loadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loads
}

type recordingTracker struct {
	mu        sync.Mutex
	exchanges []*Exchange
	events    []Event
	summary   *PerformanceSummary
}

func (t *recordingTracker) Track(ctx context.Context, ex *Exchange) (*PerformanceSummary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exchanges = append(t.exchanges, ex)
	return t.summary, nil
}

func (t *recordingTracker) RecordEvent(ctx context.Context, ev Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
	return nil
}

func (t *recordingTracker) eventsOfType(typ string) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Event
	for _, ev := range t.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
