// Package approval owns the durable approval settings: the master switches,
// the per-category always-allow flags, and the auto-approve allow-list.
package approval

import "fmt"

// Persisted setting keys.
const (
	KeyRequireHTTPRequestApproval   = "requireHttpRequestApproval"
	KeyRequireHistoryAccessApproval = "requireHistoryAccessApproval"
	KeyAlwaysAllowHTTPHistory       = "alwaysAllowHttpHistory"
	KeyAlwaysAllowWebSocketHistory  = "alwaysAllowWebSocketHistory"
	KeyAutoApproveTargets           = "autoApproveTargets"
	KeyConfigEditingTooling         = "configEditingTooling"
)

// Category is a kind of captured proxy traffic that history reads are gated on.
type Category string

const (
	CategoryHTTPHistory      Category = "http_history"
	CategoryWebSocketHistory Category = "websocket_history"
)

// DisplayName is the human-facing label used in prompts.
func (c Category) DisplayName() string {
	switch c {
	case CategoryHTTPHistory:
		return "HTTP history"
	case CategoryWebSocketHistory:
		return "WebSocket history"
	default:
		return string(c)
	}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c == CategoryHTTPHistory || c == CategoryWebSocketHistory
}

// ParseCategory maps a wire name to a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown history category %q", s)
	}
	return c, nil
}

func (c Category) key() string {
	switch c {
	case CategoryHTTPHistory:
		return KeyAlwaysAllowHTTPHistory
	case CategoryWebSocketHistory:
		return KeyAlwaysAllowWebSocketHistory
	default:
		return ""
	}
}

// Settings is a point-in-time snapshot of every approval setting.
type Settings struct {
	RequireHTTPRequestApproval   bool     `json:"require_http_request_approval"`
	RequireHistoryAccessApproval bool     `json:"require_history_access_approval"`
	AlwaysAllowHTTPHistory       bool     `json:"always_allow_http_history"`
	AlwaysAllowWebSocketHistory  bool     `json:"always_allow_websocket_history"`
	ConfigEditingTooling         bool     `json:"config_editing_tooling"`
	AutoApproveTargets           []string `json:"auto_approve_targets"`
}

// AlwaysAllow returns the snapshot's flag for a category. Unknown categories
// are never always-allowed.
func (s Settings) AlwaysAllow(c Category) bool {
	switch c {
	case CategoryHTTPHistory:
		return s.AlwaysAllowHTTPHistory
	case CategoryWebSocketHistory:
		return s.AlwaysAllowWebSocketHistory
	default:
		return false
	}
}

// DefaultSettings is the fail-closed state used before anything is persisted.
func DefaultSettings() Settings {
	return Settings{
		RequireHTTPRequestApproval:   true,
		RequireHistoryAccessApproval: true,
	}
}

// SettingsUpdate is a partial update; nil fields are left alone.
type SettingsUpdate struct {
	RequireHTTPRequestApproval   *bool `json:"require_http_request_approval,omitempty"`
	RequireHistoryAccessApproval *bool `json:"require_history_access_approval,omitempty"`
	AlwaysAllowHTTPHistory       *bool `json:"always_allow_http_history,omitempty"`
	AlwaysAllowWebSocketHistory  *bool `json:"always_allow_websocket_history,omitempty"`
	ConfigEditingTooling         *bool `json:"config_editing_tooling,omitempty"`
}
