package llm

import (
	"os"
	"strings"
)

// ForceRESTEnv forces every call onto the REST transport when set to 1/true.
const ForceRESTEnv = "MINIPHI_FORCE_REST"

// TransportPreference is the resolved static transport choice.
type TransportPreference struct {
	// Mode is "rest", "ws" or "" (automatic).
	Mode       string
	PreferREST bool
	ForceREST  bool
	Reason     string
}

// NormalizeTransportMode maps user spellings onto "rest", "ws" or "".
func NormalizeTransportMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "rest", "http", "https":
		return TransportREST
	case "ws", "websocket", "sdk":
		return TransportWS
	}
	return ""
}

// ResolveTransportPreference combines the configured mode, the prefer-REST
// flag and the environment. An explicit mode wins over the flag; the
// environment override wins over both. getenv may be nil.
func ResolveTransportPreference(mode string, preferREST bool, getenv func(string) string) TransportPreference {
	if getenv == nil {
		getenv = os.Getenv
	}
	pref := TransportPreference{Mode: NormalizeTransportMode(mode), PreferREST: preferREST}
	switch pref.Mode {
	case TransportREST:
		pref.PreferREST = true
		pref.ForceREST = true
		pref.Reason = "config transport=rest"
	case TransportWS:
		pref.PreferREST = false
		pref.Reason = "config transport=ws"
	default:
		if preferREST {
			pref.Reason = "config prefer_rest"
		}
	}
	if envTruthy(getenv(ForceRESTEnv)) {
		pref.ForceREST = true
		pref.PreferREST = true
		pref.Reason = ForceRESTEnv
	}
	return pref
}

func envTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// transportState is the per-call input to chooseTransport.
type transportState struct {
	haveREST      bool
	protocolGated bool
	pref          TransportPreference
	// override is set by in-call fallbacks (hang flip, REST fallback).
	override   string
	hint       string
	jsonSchema bool
}

// chooseTransport picks the transport for one attempt.
func chooseTransport(s transportState) (string, string) {
	switch {
	case !s.haveREST:
		return TransportWS, "no rest client"
	case s.protocolGated:
		return TransportREST, "protocol gate"
	case s.pref.ForceREST:
		return TransportREST, s.pref.Reason
	case s.override != "":
		return s.override, "fallback"
	}
	switch NormalizeTransportMode(s.hint) {
	case TransportREST:
		return TransportREST, "trace hint"
	case TransportWS:
		return TransportWS, "trace hint"
	}
	if s.jsonSchema {
		return TransportREST, "json_schema response format"
	}
	if s.pref.PreferREST {
		return TransportREST, "prefer rest"
	}
	return TransportWS, "default"
}
