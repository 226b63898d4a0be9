package gate

import (
	"errors"
	"fmt"
	"strings"
)

// Outcome is a human decision on a pending approval.
type Outcome string

const (
	OutcomeAllowOnce           Outcome = "allow_once"
	OutcomeAllowHost           Outcome = "allow_host"
	OutcomeAllowHostPort       Outcome = "allow_host_port"
	OutcomeAlwaysAllowCategory Outcome = "always_allow_category"
	OutcomeDeny                Outcome = "deny"
)

// Kind names what a pending decision or audit record is about.
type Kind string

const (
	KindHTTPRequest   Kind = "http_request"
	KindHistoryAccess Kind = "history_access"
)

// ErrUnknownOutcome is returned by ParseOutcome for unrecognized values.
var ErrUnknownOutcome = errors.New("unknown outcome")

// ParseOutcome accepts the canonical outcome names plus a few console
// spellings ("allow", "always", "reject"), case-insensitively.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow_once", "allow", "once", "approve":
		return OutcomeAllowOnce, nil
	case "allow_host", "host":
		return OutcomeAllowHost, nil
	case "allow_host_port", "host_port":
		return OutcomeAllowHostPort, nil
	case "always_allow_category", "always", "always_allow":
		return OutcomeAlwaysAllowCategory, nil
	case "deny", "reject", "denied":
		return OutcomeDeny, nil
	}
	return "", fmt.Errorf("ParseOutcome %q: %w", s, ErrUnknownOutcome)
}

// AppliesTo reports whether o is one of the options offered for kind.
func (o Outcome) AppliesTo(kind Kind) bool {
	switch kind {
	case KindHTTPRequest:
		return o == OutcomeAllowOnce || o == OutcomeAllowHost || o == OutcomeAllowHostPort || o == OutcomeDeny
	case KindHistoryAccess:
		return o == OutcomeAllowOnce || o == OutcomeAlwaysAllowCategory || o == OutcomeDeny
	}
	return false
}

// OptionsFor lists the outcomes a console should offer for kind, in
// display order.
func OptionsFor(kind Kind) []Outcome {
	switch kind {
	case KindHTTPRequest:
		return []Outcome{OutcomeAllowOnce, OutcomeAllowHost, OutcomeAllowHostPort, OutcomeDeny}
	case KindHistoryAccess:
		return []Outcome{OutcomeAllowOnce, OutcomeAlwaysAllowCategory, OutcomeDeny}
	}
	return nil
}
