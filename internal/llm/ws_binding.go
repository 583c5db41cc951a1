package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// BindingVersion identifies the wire protocol spoken by WSBinding.
const BindingVersion = "miniphi-ws/1"

// Frame types on the persistent binding.
const (
	frameLoad       = "load"
	frameLoaded     = "loaded"
	frameUnload     = "unload"
	frameUnloaded   = "unloaded"
	frameCount      = "count_tokens"
	frameTokenCount = "token_count"
	framePredict    = "predict"
	frameFragment   = "fragment"
	frameDone       = "done"
	frameCancel     = "cancel"
	frameError      = "error"
)

const writeWait = 10 * time.Second

var errPredictionCancelled = errors.New("prediction cancelled")

type wsFrame struct {
	Type          string      `json:"type"`
	ID            string      `json:"id,omitempty"`
	Model         string      `json:"model,omitempty"`
	Config        *LoadConfig `json:"config,omitempty"`
	Messages      []Message   `json:"messages,omitempty"`
	MaxTokens     int         `json:"maxTokens,omitempty"`
	Content       string      `json:"content,omitempty"`
	ContextLength int         `json:"contextLength,omitempty"`
	Count         int         `json:"count,omitempty"`
	Message       string      `json:"message,omitempty"`
}

// WSConfig configures the WebSocket binding.
type WSConfig struct {
	// Endpoint is the binding URL, e.g. ws://127.0.0.1:1234/llm.
	Endpoint string
	// HandshakeTimeout bounds the WebSocket upgrade.
	HandshakeTimeout time.Duration
	// CancelGrace is how long a cancelled prediction may take to
	// acknowledge before the connection is torn down.
	CancelGrace time.Duration
	Header      http.Header
}

// DefaultWSConfig returns local-server defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		Endpoint:         "ws://127.0.0.1:1234/llm",
		HandshakeTimeout: 5 * time.Second,
		CancelGrace:      2 * time.Second,
	}
}

// WSBinding is the persistent streaming transport. Each loaded model gets
// its own connection.
type WSBinding struct {
	cfg    WSConfig
	dialer websocket.Dialer
}

// NewWSBinding creates a binding. Nothing is dialed until Load.
func NewWSBinding(cfg WSConfig) *WSBinding {
	defaults := DefaultWSConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaults.Endpoint
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = defaults.CancelGrace
	}
	cfg.Endpoint = NormalizeWSURL(cfg.Endpoint)
	return &WSBinding{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
}

// Version returns the wire protocol version.
func (b *WSBinding) Version() string { return BindingVersion }

// Endpoint returns the binding URL.
func (b *WSBinding) Endpoint() string { return b.cfg.Endpoint }

// Load dials the server and loads modelKey with cfg.
func (b *WSBinding) Load(ctx context.Context, modelKey string, cfg LoadConfig) (ModelHandle, error) {
	h := &wsHandle{binding: b, key: modelKey, cfg: cfg, ops: make(chan struct{}, 1)}
	if err := h.acquire(ctx); err != nil {
		return nil, err
	}
	defer h.release()
	if _, err := h.connect(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

func (b *WSBinding) dial(ctx context.Context, model string) (*websocket.Conn, error) {
	log.Debug().Str("endpoint", b.cfg.Endpoint).Str("model", model).Msg("dialing model binding")
	conn, _, err := b.dialer.DialContext(ctx, b.cfg.Endpoint, b.cfg.Header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e := newError(KindTransport, model, "connect", "dial "+b.cfg.Endpoint, err)
		e.Transport = TransportWS
		return nil, e
	}
	return conn, nil
}

// wsHandle is a loaded model. Operations are serialized; a cancelled or
// broken connection is redialed (and the model reloaded) on the next call.
type wsHandle struct {
	binding *WSBinding
	key     string
	cfg     LoadConfig

	ops chan struct{}

	mu            sync.Mutex
	conn          *websocket.Conn
	contextLength int
	unloaded      bool
}

func (h *wsHandle) Key() string { return h.key }

func (h *wsHandle) ContextLength() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.contextLength
}

func (h *wsHandle) acquire(ctx context.Context) error {
	select {
	case h.ops <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *wsHandle) release() { <-h.ops }

// connect returns the live connection, dialing and loading if needed.
// Callers hold the op slot.
func (h *wsHandle) connect(ctx context.Context) (*websocket.Conn, error) {
	h.mu.Lock()
	conn, unloaded := h.conn, h.unloaded
	h.mu.Unlock()
	if unloaded {
		return nil, newError(KindRecoverableModel, h.key, "load", "model unloaded", ErrNotLoaded)
	}
	if conn != nil {
		return conn, nil
	}

	conn, err := h.binding.dial(ctx, h.key)
	if err != nil {
		return nil, err
	}
	cfg := h.cfg
	reply, err := h.roundTrip(ctx, conn, wsFrame{Type: frameLoad, Model: h.key, Config: &cfg}, frameLoaded, "load")
	if err != nil {
		conn.Close()
		return nil, err
	}

	h.mu.Lock()
	h.conn = conn
	h.contextLength = reply.ContextLength
	if h.contextLength <= 0 {
		h.contextLength = h.cfg.ContextLength
	}
	h.mu.Unlock()
	log.Info().Str("model", h.key).Int("context_length", reply.ContextLength).Msg("model loaded")
	return conn, nil
}

// dropConn forgets conn and closes it.
func (h *wsHandle) dropConn(conn *websocket.Conn) {
	h.mu.Lock()
	if h.conn == conn {
		h.conn = nil
	}
	h.mu.Unlock()
	conn.Close()
}

func (h *wsHandle) write(conn *websocket.Conn, f wsFrame) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(f); err != nil {
		e := newError(KindTransport, h.key, "send", "write "+f.Type+" frame", err)
		e.Transport = TransportWS
		return e
	}
	return nil
}

// roundTrip sends req and waits for a frame of type want. Context
// cancellation closes the connection to unblock the read.
func (h *wsHandle) roundTrip(ctx context.Context, conn *websocket.Conn, req wsFrame, want, op string) (wsFrame, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := h.write(conn, req); err != nil {
		return wsFrame{}, err
	}
	for {
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return wsFrame{}, ctx.Err()
			}
			return wsFrame{}, h.readError(op, err)
		}
		switch f.Type {
		case want:
			return f, nil
		case frameError:
			return wsFrame{}, backendError(h.key, TransportWS, op, f.Message)
		case frameFragment, frameDone:
			// leftovers from a prediction cancelled earlier
			continue
		default:
			e := newError(KindProtocol, h.key, op, fmt.Sprintf("unexpected %q frame while waiting for %q", f.Type, want), nil)
			e.Transport = TransportWS
			return wsFrame{}, e
		}
	}
}

func (h *wsHandle) readError(op string, err error) *Error {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		e := newError(KindProtocol, h.key, op, "malformed frame", err)
		e.Transport = TransportWS
		return e
	}
	e := newError(KindTransport, h.key, "stream", "connection lost during "+op, err)
	e.Transport = TransportWS
	return e
}

func (h *wsHandle) CountTokens(ctx context.Context, messages []Message) (int, error) {
	if err := h.acquire(ctx); err != nil {
		return 0, err
	}
	defer h.release()

	conn, err := h.connect(ctx)
	if err != nil {
		return 0, err
	}
	reply, err := h.roundTrip(ctx, conn, wsFrame{Type: frameCount, Messages: messages}, frameTokenCount, "count_tokens")
	if err != nil {
		var e *Error
		if !errors.As(err, &e) || e.Kind != KindUncategorized {
			h.dropConn(conn)
		}
		return 0, err
	}
	return reply.Count, nil
}

func (h *wsHandle) Unload(ctx context.Context) error {
	if err := h.acquire(ctx); err != nil {
		return err
	}
	defer h.release()

	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.unloaded = true
	h.mu.Unlock()
	if conn == nil {
		return nil
	}
	defer conn.Close()

	_, err := h.roundTrip(ctx, conn, wsFrame{Type: frameUnload, Model: h.key}, frameUnloaded, "unload")
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return fmt.Errorf("unload %s: %w", h.key, err)
	}
	log.Info().Str("model", h.key).Msg("model unloaded")
	return nil
}

func (h *wsHandle) Predict(ctx context.Context, req PredictRequest) (Prediction, error) {
	if err := h.acquire(ctx); err != nil {
		return nil, err
	}
	conn, err := h.connect(ctx)
	if err != nil {
		h.release()
		return nil, err
	}

	p := &wsPrediction{
		handle:   h,
		conn:     conn,
		id:       uuid.NewString(),
		frags:    make(chan string, 64),
		abandon:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	if err := h.write(conn, wsFrame{Type: framePredict, ID: p.id, Messages: req.Messages, MaxTokens: req.MaxTokens}); err != nil {
		h.dropConn(conn)
		h.release()
		return nil, err
	}

	go p.run()
	go func() {
		select {
		case <-ctx.Done():
			p.Cancel()
		case <-p.finished:
		}
	}()
	return p, nil
}

type wsPrediction struct {
	handle *wsHandle
	conn   *websocket.Conn
	id     string

	frags    chan string
	abandon  chan struct{}
	finished chan struct{}

	cancelled  atomic.Bool
	cancelOnce sync.Once

	// mu orders the cancel frame against the end of the prediction; once
	// done is set the connection may already belong to the next call.
	mu   sync.Mutex
	done bool

	errMu sync.Mutex
	err   error
}

func (p *wsPrediction) Fragments() <-chan string { return p.frags }

func (p *wsPrediction) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

func (p *wsPrediction) setErr(err error) {
	p.errMu.Lock()
	p.err = err
	p.errMu.Unlock()
}

// run reads frames until the prediction ends, then releases the op slot.
func (p *wsPrediction) run() {
	h := p.handle
	defer func() {
		p.mu.Lock()
		p.done = true
		p.mu.Unlock()
		close(p.frags)
		close(p.finished)
		h.release()
	}()

	for {
		var f wsFrame
		if err := p.conn.ReadJSON(&f); err != nil {
			h.dropConn(p.conn)
			if p.cancelled.Load() {
				p.setErr(errPredictionCancelled)
				return
			}
			p.setErr(h.readError("predict", err))
			return
		}
		if f.ID != "" && f.ID != p.id {
			continue
		}
		switch f.Type {
		case frameFragment:
			if p.cancelled.Load() {
				continue
			}
			select {
			case p.frags <- f.Content:
			case <-p.abandon:
			}
		case frameDone:
			if p.cancelled.Load() {
				p.setErr(errPredictionCancelled)
			}
			return
		case frameError:
			p.setErr(backendError(h.key, TransportWS, "predict", f.Message))
			return
		default:
			h.dropConn(p.conn)
			e := newError(KindProtocol, h.key, "predict", fmt.Sprintf("unexpected %q frame during prediction", f.Type), nil)
			e.Transport = TransportWS
			p.setErr(e)
			return
		}
	}
}

// Cancel asks the server to stop. If it does not acknowledge within the
// grace period the connection is closed.
func (p *wsPrediction) Cancel() error {
	p.cancelOnce.Do(func() {
		p.mu.Lock()
		if p.done {
			p.mu.Unlock()
			return
		}
		p.cancelled.Store(true)
		close(p.abandon)
		err := p.handle.write(p.conn, wsFrame{Type: frameCancel, ID: p.id})
		p.mu.Unlock()

		if err != nil {
			log.Debug().Err(err).Str("model", p.handle.key).Msg("cancel frame not delivered")
			p.handle.dropConn(p.conn)
			return
		}
		select {
		case <-p.finished:
		case <-time.After(p.handle.binding.cfg.CancelGrace):
			log.Warn().Str("model", p.handle.key).Msg("prediction did not stop; closing connection")
			p.handle.dropConn(p.conn)
		}
	})
	return nil
}
