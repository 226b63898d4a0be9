package auth

import (
	"context"
	"strings"
)

// DevOperatorPrefix marks operator keys for the development authenticator.
const DevOperatorPrefix = KeyPrefix + "op_"

// StaticAuthenticator checks keys against a fixed set. An empty set
// authenticates nobody.
type StaticAuthenticator struct {
	keys map[string]Role
	dev  bool
}

func NewStaticAuthenticator(keys map[string]Role) *StaticAuthenticator {
	return &StaticAuthenticator{keys: keys}
}

// NewDevAuthenticator accepts any rgk_ key, granting operator to rgk_op_
// keys and agent to the rest. Any caller can make itself an operator, so it
// is only wired when development mode is switched on explicitly.
func NewDevAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{dev: true}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context) (*ClientContext, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}

	if !a.dev {
		role, ok := a.keys[token]
		if !ok {
			return nil, ErrUnauthenticated
		}
		return &ClientContext{ClientID: "static-" + keyID(token), Role: role}, nil
	}

	if !strings.HasPrefix(token, KeyPrefix) {
		return nil, ErrUnauthenticated
	}
	role := RoleAgent
	if strings.HasPrefix(token, DevOperatorPrefix) {
		role = RoleOperator
	}
	return &ClientContext{ClientID: "dev-" + keyID(token), Role: role}, nil
}

// keyID is the non-secret lookup prefix of a key.
func keyID(token string) string {
	if len(token) < 8 {
		return token
	}
	return token[:8]
}
