// Package auth authenticates gRPC callers by API key and assigns them a role.
package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"
)

// KeyPrefix starts every request gate API key.
const KeyPrefix = "rgk_"

// Role is what an authenticated client may do.
type Role string

const (
	// RoleAgent is an MCP tool layer: it may run checks, redact exported
	// configuration and check config imports.
	RoleAgent Role = "agent"
	// RoleOperator is a console: everything an agent may do plus resolving
	// pending decisions and editing settings.
	RoleOperator Role = "operator"
)

// ParseRole maps a stored role name to a Role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAgent:
		return RoleAgent, nil
	case RoleOperator:
		return RoleOperator, nil
	}
	return "", errors.New("unknown role " + s)
}

// Authenticator validates incoming requests and returns a ClientContext.
type Authenticator interface {
	Authenticate(ctx context.Context) (*ClientContext, error)
}

// ClientContext holds the authenticated client's identity and role.
type ClientContext struct {
	ClientID string
	Role     Role
}

// Allows reports whether the client's role covers required.
func (c *ClientContext) Allows(required Role) bool {
	if c == nil {
		return false
	}
	switch required {
	case RoleAgent:
		return c.Role == RoleAgent || c.Role == RoleOperator
	case RoleOperator:
		return c.Role == RoleOperator
	}
	return false
}

var (
	// ErrUnauthenticated is returned when no valid credentials are found.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrPermissionDenied is returned when the client's role is insufficient.
	ErrPermissionDenied = errors.New("permission denied")
)

// ExtractBearerToken extracts an rgk_ API key from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	token := strings.TrimSpace(values[0])
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, KeyPrefix) || len(token) <= len(KeyPrefix) {
		return "", ErrUnauthenticated
	}
	return token, nil
}

type clientKey struct{}

// WithClient stores the authenticated client on ctx.
func WithClient(ctx context.Context, c *ClientContext) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// ClientFrom returns the client stored by WithClient, or nil.
func ClientFrom(ctx context.Context) *ClientContext {
	c, _ := ctx.Value(clientKey{}).(*ClientContext)
	return c
}
