package matcher

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"unicode"
)

// MaxEntryLength bounds a single allow-list entry.
const MaxEntryLength = 255

// ErrInvalidEntry is wrapped by every ValidateEntry failure.
var ErrInvalidEntry = errors.New("invalid target entry")

// ValidateEntry checks an allow-list entry before it is stored. Accepted forms
// are hostname, IP address, hostname:port, [ipv6]:port and *.domain.
// Validation is deliberately permissive about hostname characters; it rejects
// what would corrupt the persisted list or can never match.
func ValidateEntry(entry string) error {
	if strings.TrimSpace(entry) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEntry)
	}
	if len(entry) > MaxEntryLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidEntry, MaxEntryLength)
	}
	for _, r := range entry {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidEntry)
		}
	}
	if strings.Contains(entry, ",") {
		return fmt.Errorf("%w: commas are not allowed", ErrInvalidEntry)
	}

	if suffix, ok := strings.CutPrefix(entry, WildcardPrefix); ok {
		if suffix == "" || strings.HasPrefix(suffix, ".") || strings.HasSuffix(suffix, ".") {
			return fmt.Errorf("%w: wildcard needs a domain after %q", ErrInvalidEntry, WildcardPrefix)
		}
		if strings.Contains(suffix, ":") {
			return fmt.Errorf("%w: wildcard entries cannot carry a port", ErrInvalidEntry)
		}
		return nil
	}

	if strings.HasPrefix(entry, "[") {
		end := strings.Index(entry, "]")
		if end < 0 {
			return fmt.Errorf("%w: unterminated IPv6 bracket", ErrInvalidEntry)
		}
		if _, err := netip.ParseAddr(entry[1:end]); err != nil {
			return fmt.Errorf("%w: bad IPv6 literal: %v", ErrInvalidEntry, err)
		}
		rest := entry[end+1:]
		if rest == "" {
			return nil
		}
		if !strings.HasPrefix(rest, ":") {
			return fmt.Errorf("%w: unexpected text after IPv6 literal", ErrInvalidEntry)
		}
		return validatePort(rest[1:])
	}

	switch strings.Count(entry, ":") {
	case 0:
		return nil
	case 1:
		i := strings.LastIndex(entry, ":")
		if i == 0 {
			return fmt.Errorf("%w: missing host", ErrInvalidEntry)
		}
		return validatePort(entry[i+1:])
	default:
		if _, err := netip.ParseAddr(entry); err != nil {
			return fmt.Errorf("%w: too many ':' separators", ErrInvalidEntry)
		}
		return nil
	}
}

// ValidateHostname checks the hostname of a request target. It is stricter
// than ValidateEntry: the hostname is persisted verbatim by "always allow
// host", so it must not carry a port, a wildcard or a list separator.
// IPv6 literals are accepted with or without brackets.
func ValidateHostname(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("%w: empty hostname", ErrInvalidEntry)
	}
	if len(hostname) > MaxEntryLength {
		return fmt.Errorf("%w: hostname longer than %d characters", ErrInvalidEntry, MaxEntryLength)
	}
	for _, r := range hostname {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: hostname contains whitespace or control characters", ErrInvalidEntry)
		}
	}
	if strings.ContainsAny(hostname, ",*") {
		return fmt.Errorf("%w: hostname contains ',' or '*'", ErrInvalidEntry)
	}
	if strings.ContainsAny(hostname, ":[]") {
		addr := hostname
		if strings.HasPrefix(addr, "[") && strings.HasSuffix(addr, "]") {
			addr = addr[1 : len(addr)-1]
		}
		if ip, err := netip.ParseAddr(addr); err != nil || !ip.Is6() {
			return fmt.Errorf("%w: hostname %q carries a port or brackets", ErrInvalidEntry, hostname)
		}
	}
	return nil
}

func validatePort(s string) error {
	if s == "" {
		return fmt.Errorf("%w: missing port", ErrInvalidEntry)
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%w: port %q is not a number", ErrInvalidEntry, s)
	}
	if p < 1 || p > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidEntry, p)
	}
	return nil
}
