// Package matcher decides whether a (hostname, port) target is covered by an
// auto-approve allow-list. Everything here is pure: no state, no I/O.
package matcher

import (
	"net"
	"strconv"
	"strings"
)

// WildcardPrefix marks an entry that matches strict subdomains of its suffix.
const WildcardPrefix = "*."

// IsAutoApproved reports whether any allow-list entry covers hostname:port.
//
// An entry matches when it is:
//   - "host:port" equal to the target (case-insensitive)
//   - a bare "host" equal to the target host, on any port
//   - "*.suffix" and the target host is a strict subdomain of suffix
//
// Blank entries are ignored. Entry order has no effect on the result.
func IsAutoApproved(hostname string, port int, allowList []string) bool {
	host := NormalizeHost(hostname)
	if host == "" {
		return false
	}
	for _, raw := range allowList {
		entry := strings.ToLower(strings.TrimSpace(raw))
		if entry == "" {
			continue
		}
		if matchEntry(entry, host, port) {
			return true
		}
	}
	return false
}

func matchEntry(entry, host string, port int) bool {
	if suffix, ok := strings.CutPrefix(entry, WildcardPrefix); ok {
		if suffix == "" {
			return false
		}
		// The leading dot keeps the apex domain out.
		return strings.HasSuffix(host, "."+suffix)
	}

	entryHost, entryPort, hasPort := splitEntry(entry)
	if entryHost != host {
		return false
	}
	if !hasPort {
		return true
	}
	return entryPort > 0 && entryPort == port
}

// splitEntry separates an entry into host and optional port. Entries with an
// unparsable port report hasPort with port -1 so they never match.
func splitEntry(entry string) (host string, port int, hasPort bool) {
	if strings.HasPrefix(entry, "[") {
		end := strings.Index(entry, "]")
		if end < 0 {
			return entry, 0, false
		}
		host = entry[1:end]
		rest := entry[end+1:]
		if rest == "" {
			return host, 0, false
		}
		if !strings.HasPrefix(rest, ":") {
			return host, -1, true
		}
		return host, parsePort(rest[1:]), true
	}

	switch strings.Count(entry, ":") {
	case 0:
		return entry, 0, false
	case 1:
		i := strings.LastIndex(entry, ":")
		return entry[:i], parsePort(entry[i+1:]), true
	default:
		// Unbracketed IPv6 literal: no port component.
		return entry, 0, false
	}
}

func parsePort(s string) int {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return -1
	}
	return p
}

// NormalizeHost lowercases a hostname and strips IPv6 brackets.
func NormalizeHost(hostname string) string {
	h := strings.ToLower(strings.TrimSpace(hostname))
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	return h
}

// FormatHostPort renders the "host:port" allow-list form of a target,
// bracketing IPv6 literals. Host case is preserved.
func FormatHostPort(hostname string, port int) string {
	h := strings.TrimSpace(hostname)
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	return net.JoinHostPort(h, strconv.Itoa(port))
}

// ParseList splits the persisted comma-joined representation into trimmed,
// non-empty entries in stored order.
func ParseList(persisted string) []string {
	if strings.TrimSpace(persisted) == "" {
		return nil
	}
	parts := strings.Split(persisted, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// JoinList is the inverse of ParseList.
func JoinList(entries []string) string {
	kept := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		kept = append(kept, e)
	}
	return strings.Join(kept, ",")
}
