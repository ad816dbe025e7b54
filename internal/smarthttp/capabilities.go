package smarthttp

import (
	"fmt"
	"strings"
)

// SupportedCapabilities lists every boolean capability §4.H says the
// server advertises. agent=<ver> and object-format=<sha1|sha256> are
// value capabilities, appended separately by CapabilityLine.
var SupportedCapabilities = []string{
	"multi_ack",
	"multi_ack_detailed",
	"thin-pack",
	"side-band",
	"side-band-64k",
	"ofs-delta",
	"shallow",
	"deepen-since",
	"deepen-not",
	"deepen-relative",
	"no-progress",
	"include-tag",
	"report-status",
	"report-status-v2",
	"delete-refs",
	"quiet",
	"atomic",
	"push-options",
	"allow-tip-sha1-in-want",
	"allow-reachable-sha1-in-want",
	"filter",
}

// CapabilityLine builds the space-joined capability string advertised
// after the first ref in /info/refs, with agent/object-format appended.
func CapabilityLine(agent, objectFormat string) string {
	caps := make([]string, 0, len(SupportedCapabilities)+2)
	caps = append(caps, SupportedCapabilities...)
	caps = append(caps, fmt.Sprintf("agent=%s", agent), fmt.Sprintf("object-format=%s", objectFormat))
	return strings.Join(caps, " ")
}

// supportedSet is SupportedCapabilities as a lookup set, built once.
var supportedSet = func() map[string]bool {
	m := make(map[string]bool, len(SupportedCapabilities))
	for _, c := range SupportedCapabilities {
		m[c] = true
	}
	return m
}()

// ParseCapabilities splits a capability string (as found after the
// NUL byte on the first want/ref line) into tokens.
func ParseCapabilities(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// capabilityKey returns the part of a capability token before '=', so
// "agent=gitvault/1.0" validates and intersects as "agent".
func capabilityKey(token string) string {
	if idx := strings.IndexByte(token, '='); idx >= 0 {
		return token[:idx]
	}
	return token
}

// ValidateCapabilities charset-checks every token's key and splits
// them into accepted (agent, object-format, or a key in
// SupportedCapabilities) and unknown. In strict mode, any unknown
// capability is an error.
func ValidateCapabilities(tokens []string, limits Limits, strict bool) (accepted, unknown []string, err error) {
	if len(tokens) > limits.MaxCapabilities {
		return nil, nil, fmt.Errorf("smarthttp: too many capabilities: %d > %d", len(tokens), limits.MaxCapabilities)
	}
	for _, tok := range tokens {
		key := capabilityKey(tok)
		if !ValidCapabilityName(key) {
			return nil, nil, fmt.Errorf("smarthttp: invalid capability name %q", tok)
		}
		if key == "agent" || key == "object-format" || supportedSet[key] {
			accepted = append(accepted, tok)
		} else {
			unknown = append(unknown, tok)
		}
	}
	if strict && len(unknown) > 0 {
		return nil, nil, fmt.Errorf("smarthttp: unknown capabilities rejected: %v", unknown)
	}
	return accepted, unknown, nil
}
