package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind tags a chat failure with the recovery it calls for.
type Kind string

const (
	KindRecoverableModel Kind = "recoverable-model"
	KindTransport        Kind = "transport"
	KindStreamHang       Kind = "stream-hang"
	KindProtocol         Kind = "protocol"
	KindSchemaInvalid    Kind = "schema-invalid"
	KindEmpty            Kind = "empty"
	KindUncategorized    Kind = "uncategorized"
)

// Sentinel errors.
var (
	ErrEmptyPrompt     = errors.New("prompt is required")
	ErrNotLoaded       = errors.New("model not loaded")
	ErrNoREST          = errors.New("rest client is not configured")
	ErrContextOverflow = errors.New("conversation does not fit the context window")
)

// ProtocolSnapshot describes the environment when a protocol problem was seen.
type ProtocolSnapshot struct {
	BindingVersion string
	ServerVersion  string
	BaseURL        string
	Transport      string
	StatusError    string
}

func (s *ProtocolSnapshot) String() string {
	if s == nil {
		return ""
	}
	var parts []string
	if s.BindingVersion != "" {
		parts = append(parts, "binding "+s.BindingVersion)
	}
	if s.ServerVersion != "" {
		parts = append(parts, "server "+s.ServerVersion)
	}
	if s.BaseURL != "" {
		parts = append(parts, s.BaseURL)
	}
	if s.Transport != "" {
		parts = append(parts, "transport="+s.Transport)
	}
	return strings.Join(parts, " | ")
}

// Error is a tagged chat failure.
type Error struct {
	Kind      Kind
	Model     string
	Transport string
	// Op names the failing step, e.g. "connect", "stream", "heartbeat".
	Op       string
	Msg      string
	Err      error
	Snapshot *ProtocolSnapshot
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, model, op, msg string, err error) *Error {
	return &Error{Kind: kind, Model: model, Op: op, Msg: msg, Err: err}
}

// Classify returns the kind of err. Tagged errors report their own kind;
// anything else comes from the backend unannotated and is classified by its
// message text.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindStreamHang
	}
	return classifyMessage(err.Error())
}

var (
	recoverablePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)model (?:not loaded|unloaded)`),
		regexp.MustCompile(`(?i)instance reference`),
	}
	protocolPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)channel.*unknown.*send`),
		regexp.MustCompile(`(?i)communication warning`),
		regexp.MustCompile(`(?i)protocol.*incompat`),
	}
	streamHangPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)tokens emitted`),
		regexp.MustCompile(`(?i)prompt session exceeded`),
		regexp.MustCompile(`(?i)stream.*timeout`),
	}
	contextOverflowPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)context length`),
		regexp.MustCompile(`(?i)context.*overflow`),
		regexp.MustCompile(`(?i)maximum context`),
	}
	invalidResponsePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)schema validation`),
		regexp.MustCompile(`(?i)not valid json`),
		regexp.MustCompile(`(?i)invalid response`),
		regexp.MustCompile(`(?i)json parse`),
	}
	connectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ECONNREFUSED|connection refused`),
		regexp.MustCompile(`(?i)ENOTFOUND|no such host`),
		regexp.MustCompile(`(?i)ECONNRESET|connection reset`),
		regexp.MustCompile(`(?i)EHOSTUNREACH|ENETUNREACH|unreachable`),
		regexp.MustCompile(`(?i)connect.*timeout`),
		regexp.MustCompile(`(?i)socket hang up|broken pipe|unexpected EOF`),
		regexp.MustCompile(`(?i)network`),
	}
)

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// classifyMessage is the compatibility shim for backend errors that arrive
// as plain text.
func classifyMessage(msg string) Kind {
	switch {
	case msg == "":
		return KindUncategorized
	case matchesAny(recoverablePatterns, msg):
		return KindRecoverableModel
	case matchesAny(protocolPatterns, msg):
		return KindProtocol
	case matchesAny(streamHangPatterns, msg):
		return KindStreamHang
	case matchesAny(invalidResponsePatterns, msg):
		return KindSchemaInvalid
	case matchesAny(connectionPatterns, msg):
		return KindTransport
	}
	return KindUncategorized
}

// IsContextOverflow reports whether err means the prompt did not fit.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrContextOverflow) || matchesAny(contextOverflowPatterns, err.Error())
}

// backendError wraps an error message reported by the server.
func backendError(model, transport, op, msg string) *Error {
	e := newError(classifyMessage(msg), model, op, msg, nil)
	if matchesAny(contextOverflowPatterns, msg) {
		e.Kind = KindUncategorized
		e.Err = ErrContextOverflow
	}
	e.Transport = transport
	return e
}

// ErrorKindLabel maps an error onto the router's error vocabulary:
// schema, timeout, protocol, stream, transport, empty or other.
func ErrorKindLabel(err error) string {
	if err == nil {
		return "none"
	}
	var e *Error
	op := ""
	if errors.As(err, &e) {
		op = e.Op
	}
	switch Classify(err) {
	case KindSchemaInvalid:
		return "schema"
	case KindStreamHang:
		if op == "stream" {
			return "stream"
		}
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindTransport:
		if op == "stream" {
			return "stream"
		}
		return "transport"
	case KindEmpty:
		return "empty"
	}
	return "other"
}

func protocolMessage(warning string, snap *ProtocolSnapshot) string {
	if s := snap.String(); s != "" {
		return fmt.Sprintf("backend protocol warning (%s): %s", s, warning)
	}
	return "backend protocol warning: " + warning
}
