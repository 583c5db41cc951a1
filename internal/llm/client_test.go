package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/miniphi/internal/schema"
)

const testModel = "test-model"

func newTestClient(t *testing.T, handle *fakeHandle, opts ...ClientOption) (*Client, *fakeBinding) {
	t.Helper()
	if handle.ctxLen == 0 {
		handle.ctxLen = 8192
	}
	binding := &fakeBinding{handle: handle}
	c := NewClient(ClientConfig{
		ModelKey:     testModel,
		SystemPrompt: "sys",
	}, NewManager(binding, LoadConfig{}), opts...)
	require.NoError(t, c.Load(context.Background()))
	return c, binding
}

// restServer answers chat completions with the given contents in order.
func restServer(t *testing.T, contents ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/chat/completions":
			n := int(calls.Add(1)) - 1
			content := contents[len(contents)-1]
			if n < len(contents) {
				content = contents[n]
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"model": testModel,
				"choices": []any{
					map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": content}},
				},
			})
		case "/api/v0/status":
			json.NewEncoder(w).Encode(map[string]any{"status": map[string]any{"lmstudio": map[string]any{"version": "0.3.9"}}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestSendStreamsAndRecordsHistory(t *testing.T) {
	handle := &fakeHandle{key: testModel, replies: []func() (Prediction, error){
		reply("<think>plan", "</think>", "Hel", "lo"),
	}}
	c, _ := newTestClient(t, handle)

	var tokens []string
	var reasoning string
	text, err := c.Send(context.Background(), "hi", SendOptions{
		OnToken:     func(tok string) { tokens = append(tokens, tok) },
		OnReasoning: func(block string) { reasoning = block },
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, "Hello", strings.Join(tokens, ""))
	assert.Equal(t, "<think>plan</think>", reasoning)

	assert.Equal(t, []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "Hello"},
	}, c.History())

	ex := c.LastExchange()
	require.NotNil(t, ex)
	assert.Equal(t, TransportWS, ex.Transport)
	assert.Equal(t, 4, ex.RawFragments)
	assert.Equal(t, "<think>plan</think>", ex.Reasoning)
	assert.Equal(t, 0, ex.Attempt)
}

func TestSendRejectsEmptyPrompt(t *testing.T) {
	c, _ := newTestClient(t, &fakeHandle{key: testModel})
	_, err := c.Send(context.Background(), "  ", SendOptions{})
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestSendHangOnPrimaryRecoversOverREST(t *testing.T) {
	srv, calls := restServer(t, "hello from rest")
	tracker := &recordingTracker{}
	handle := &fakeHandle{key: testModel, replies: []func() (Prediction, error){hang()}}
	c, _ := newTestClient(t, handle,
		WithREST(NewRESTClient(RESTConfig{BaseURL: srv.URL})),
		WithTracker(tracker),
	)
	c.SetTimeouts(0, 50*time.Millisecond)

	text, err := c.Send(context.Background(), "hi", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello from rest", text)
	assert.Equal(t, int32(1), calls.Load())

	assert.Len(t, tracker.eventsOfType("stream-retry"), 1)
	assert.Len(t, tracker.eventsOfType("no-token-timeout"), 1)
	preds := handle.predictions()
	require.Len(t, preds, 1)
	assert.True(t, preds[0].cancelled.Load(), "stalled stream should be cancelled before the REST retry")
	assert.Equal(t, []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello from rest"},
	}, c.History())
	assert.False(t, c.ProtocolGated())

	ex := c.LastExchange()
	assert.Equal(t, TransportREST, ex.Transport)
	assert.Equal(t, 1, ex.Attempt)
}

func TestSendHangWithoutRESTRetriesOnceThenFails(t *testing.T) {
	handle := &fakeHandle{key: testModel, replies: []func() (Prediction, error){hang()}}
	c, _ := newTestClient(t, handle)
	c.SetTimeouts(0, 30*time.Millisecond)

	_, err := c.Send(context.Background(), "hi", SendOptions{})
	require.Error(t, err)
	assert.Equal(t, KindStreamHang, Classify(err))
	assert.Contains(t, err.Error(), "No test-model tokens emitted in 0 seconds; cancelling prompt.")
	assert.Len(t, handle.predictCalls(), 2)
	assert.Equal(t, []Message{{Role: RoleSystem, Content: "sys"}}, c.History())
	preds := handle.predictions()
	require.Len(t, preds, 2)
	for i, p := range preds {
		assert.True(t, p.cancelled.Load(), "attempt %d was left running", i+1)
	}
}

func TestSendSchemaRetryKeepsOnePair(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reply.schema.json"),
		[]byte(`{"type":"object","required":["answer"]}`), 0o644))

	handle := &fakeHandle{key: testModel, replies: []func() (Prediction, error){
		reply(`{"wrong":1}`),
		reply(`{"answer":"ok"}`),
	}}
	c, _ := newTestClient(t, handle, WithSchemas(schema.NewRegistry(dir)))

	text, err := c.Send(context.Background(), "give json  ", SendOptions{Trace: &TraceContext{SchemaID: "Reply"}})
	require.NoError(t, err)
	assert.Equal(t, `{"answer":"ok"}`, text)

	history := c.History()
	require.Len(t, history, 3)
	assert.Equal(t, RoleUser, history[1].Role)
	assert.True(t, strings.HasPrefix(history[1].Content, "give json\n---\nSchema attempt 1: Previous response failed schema \"reply\" because $: missing required property \"answer\"."))
	assert.Contains(t, history[1].Content, "Reply again with STRICT JSON only; omit commentary, code fences, or greetings.\nSchema reference:\n```json\n")

	calls := handle.predictCalls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[1].Messages, 2, "failed turn is not carried into the retry")

	ex := c.LastExchange()
	require.NotNil(t, ex.Validation)
	assert.True(t, ex.Validation.Valid)
	assert.Equal(t, "reply", ex.SchemaID)
}

func TestSendSchemaFailureExhaustsRetries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reply.schema.json"),
		[]byte(`{"type":"object","required":["answer"]}`), 0o644))
	handle := &fakeHandle{key: testModel, replies: []func() (Prediction, error){reply(`[]`)}}
	c, _ := newTestClient(t, handle, WithSchemas(schema.NewRegistry(dir)))

	_, err := c.Send(context.Background(), "json please", SendOptions{Trace: &TraceContext{SchemaID: "reply"}})
	require.Error(t, err)
	assert.Equal(t, KindSchemaInvalid, Classify(err))
	assert.Equal(t, "test-model response failed schema validation (reply): $: expected object, received array(length=0)", err.Error())
	assert.Len(t, handle.predictCalls(), 2)
	assert.Len(t, c.History(), 1)
}

func TestSendJSONSchemaPrefersREST(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reply.schema.json"),
		[]byte(`{"type":"object","required":["answer"]}`), 0o644))

	var format atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		format.Store(body["response_format"])
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": `{"answer":"yes"}`}}},
		})
	}))
	defer srv.Close()

	handle := &fakeHandle{key: testModel}
	c, _ := newTestClient(t, handle,
		WithSchemas(schema.NewRegistry(dir)),
		WithREST(NewRESTClient(RESTConfig{BaseURL: srv.URL})),
	)
	text, err := c.Send(context.Background(), "q", SendOptions{Trace: &TraceContext{SchemaID: "reply"}})
	require.NoError(t, err)
	assert.Equal(t, `{"answer":"yes"}`, text)
	assert.Empty(t, handle.predictCalls())

	rf, ok := format.Load().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_schema", rf["type"])
}

func TestSendRecoverableModelErrorReloads(t *testing.T) {
	handle := &fakeHandle{key: testModel, replies: []func() (Prediction, error){
		failWith(errors.New("Model unloaded while predicting")),
		reply("back"),
	}}
	c, binding := newTestClient(t, handle)

	text, err := c.Send(context.Background(), "hi", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "back", text)
	assert.Equal(t, 2, binding.loadCount())
	assert.Equal(t, 1, handle.unloads)
}

func TestSendProtocolWarningGatesToREST(t *testing.T) {
	srv, calls := restServer(t, "via rest")
	tracker := &recordingTracker{}
	handle := &fakeHandle{key: testModel, replies: []func() (Prediction, error){
		failWith(newError(KindProtocol, testModel, "predict", "unexpected \"weird\" frame", nil)),
	}}
	c, _ := newTestClient(t, handle, WithREST(NewRESTClient(RESTConfig{BaseURL: srv.URL})), WithTracker(tracker))

	text, err := c.Send(context.Background(), "hi", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "via rest", text)
	assert.True(t, c.ProtocolGated())

	warning, snap := c.ProtocolWarning()
	assert.Contains(t, warning, "weird")
	require.NotNil(t, snap)
	assert.Equal(t, "fake/1", snap.BindingVersion)
	assert.Equal(t, "0.3.9", snap.ServerVersion)
	assert.Len(t, tracker.eventsOfType("protocol-warning"), 1)

	_, err = c.Send(context.Background(), "again", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, handle.predictCalls(), 1, "gate keeps later calls off the binding")
}

func TestSendProtocolWarningWithoutRESTFails(t *testing.T) {
	handle := &fakeHandle{key: testModel, replies: []func() (Prediction, error){
		failWith(errors.New("communication warning: channel unknown, cannot send")),
	}}
	c, _ := newTestClient(t, handle)

	_, err := c.Send(context.Background(), "hi", SendOptions{})
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, KindProtocol, e.Kind)
	assert.Equal(t, "backend protocol warning (binding fake/1 | ws://fake | transport=ws): communication warning: channel unknown, cannot send", e.Error())
	assert.True(t, c.ProtocolGated())
}

func TestSendEmptyResponseInvokesOnError(t *testing.T) {
	handle := &fakeHandle{key: testModel, replies: []func() (Prediction, error){reply("   ")}}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	c, _ := newTestClient(t, handle, WithMetrics(metrics))
	c.SetHistory([]Message{{Role: RoleUser, Content: "earlier"}, {Role: RoleAssistant, Content: "reply"}})

	replacement := errors.New("handled")
	var seen error
	_, err := c.Send(context.Background(), "hi", SendOptions{OnError: func(err error) error {
		seen = err
		return replacement
	}})
	assert.Same(t, replacement, err)
	require.Error(t, seen)
	assert.Equal(t, KindEmpty, Classify(seen))
	assert.Equal(t, "test-model returned an empty response.", seen.Error())
	assert.Len(t, c.History(), 3, "history restored to pre-call state")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Calls.WithLabelValues(testModel, TransportWS, "empty")))
}

func TestSendContextOverflowFailsWithoutSending(t *testing.T) {
	handle := &fakeHandle{key: testModel, ctxLen: 2048, tokensPerMessage: 5000}
	c, _ := newTestClient(t, handle)

	_, err := c.Send(context.Background(), "too big", SendOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContextOverflow)
	assert.True(t, IsContextOverflow(err))
	assert.Empty(t, handle.predictCalls())
	assert.Equal(t, []Message{{Role: RoleSystem, Content: "sys"}}, c.History())
}

func TestSendRESTFailureFallsBackToBinding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"backend exploded"}}`))
	}))
	defer srv.Close()

	tracker := &recordingTracker{}
	handle := &fakeHandle{key: testModel, replies: []func() (Prediction, error){reply("from ws")}}
	c, _ := newTestClient(t, handle, WithREST(NewRESTClient(RESTConfig{BaseURL: srv.URL})), WithTracker(tracker))

	text, err := c.Send(context.Background(), "hi", SendOptions{Trace: &TraceContext{Transport: "rest"}})
	require.NoError(t, err)
	assert.Equal(t, "from ws", text)
	assert.Len(t, tracker.eventsOfType("rest-fallback"), 1)
}

func TestSetHistory(t *testing.T) {
	c, _ := newTestClient(t, &fakeHandle{key: testModel})

	c.SetHistory([]Message{{Role: "system", Content: "new sys"}, {Role: "bogus", Content: "x"}, {Role: "user", Content: "u"}})
	assert.Equal(t, []Message{{Role: RoleSystem, Content: "new sys"}, {Role: RoleUser, Content: "u"}}, c.History())

	c.ClearHistory()
	assert.Equal(t, []Message{{Role: RoleSystem, Content: "new sys"}}, c.History())

	c.SetHistory([]Message{{Role: "assistant", Content: "a"}})
	assert.Equal(t, []Message{{Role: RoleSystem, Content: "new sys"}, {Role: RoleAssistant, Content: "a"}}, c.History())

	c.SetHistory(nil)
	assert.Len(t, c.History(), 1)
}

func TestPromptTimeoutMessage(t *testing.T) {
	c, _ := newTestClient(t, &fakeHandle{key: testModel})
	e := c.promptTimeoutError(TransportWS, 90*time.Second)
	assert.Equal(t, "test-model prompt session exceeded 1.5 minute limit.", e.Error())
	assert.Equal(t, KindStreamHang, e.Kind)

	e = c.promptTimeoutError(TransportWS, 5*time.Minute)
	assert.Equal(t, "test-model prompt session exceeded 5 minute limit.", e.Error())
}

func TestPromptTimeoutCancelsStream(t *testing.T) {
	handle := &fakeHandle{key: testModel, replies: []func() (Prediction, error){hang()}}
	c, _ := newTestClient(t, handle)
	c.SetTimeouts(30*time.Millisecond, 0)

	_, err := c.Send(context.Background(), "hi", SendOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt session exceeded")
	assert.Equal(t, KindStreamHang, Classify(err))
	preds := handle.predictions()
	require.NotEmpty(t, preds)
	for _, p := range preds {
		assert.True(t, p.cancelled.Load())
	}
}

func TestSlowStartThreshold(t *testing.T) {
	assert.Equal(t, 30*time.Second, slowStartThreshold(5*time.Minute, 5*time.Minute))
	assert.Equal(t, 30*time.Second, slowStartThreshold(0, 0))
	assert.Equal(t, 5*time.Second, slowStartThreshold(10*time.Second, 0))
	assert.Equal(t, 60*time.Second, slowStartThreshold(0, 10*time.Minute))
}
