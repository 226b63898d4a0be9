package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// lookupPrefixLen is how much of a key is stored in clear as
// api_key_prefix. It covers "rgk_" plus eight key characters; several
// clients may still share a prefix, so every candidate is checked.
const lookupPrefixLen = len(KeyPrefix) + 8

// ClientStore abstracts DB queries for testability.
type ClientStore interface {
	// LookupByPrefix returns every non-deleted client whose key starts with
	// prefix. No match is an empty slice, not an error.
	LookupByPrefix(ctx context.Context, prefix string) ([]clientRow, error)
}

type clientRow struct {
	ClientID   string
	APIKeyHash string
	Role       string
	Revoked    bool
}

// sqlClientStore reads the request_gate_clients table.
type sqlClientStore struct {
	db *sql.DB
}

func (s *sqlClientStore) LookupByPrefix(ctx context.Context, prefix string) ([]clientRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, api_key_hash, role, revoked
		FROM request_gate_clients
		WHERE api_key_prefix = $1
	`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []clientRow
	for rows.Next() {
		var r clientRow
		if err := rows.Scan(&r.ClientID, &r.APIKeyHash, &r.Role, &r.Revoked); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PostgresAuthenticator validates API keys against request_gate_clients.
type PostgresAuthenticator struct {
	store    ClientStore
	cache    *AuthCache
	logger   *zap.Logger
	failOpen bool
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	// FailOpen degrades DB failures to an anonymous agent. Agents can only
	// request checks, which still go to a human.
	FailOpen bool
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return NewPostgresAuthenticatorWithStore(&sqlClientStore{db: cfg.DB}, cfg.CacheTTL, cfg.FailOpen, cfg.Logger)
}

// NewPostgresAuthenticatorWithStore creates an authenticator with a custom store (for testing).
func NewPostgresAuthenticatorWithStore(store ClientStore, cacheTTL time.Duration, failOpen bool, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:    store,
		cache:    NewAuthCache(cacheTTL),
		logger:   logger,
		failOpen: failOpen,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context) (*ClientContext, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}

	cacheResult := a.cache.Get(token)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go a.refreshInBackground(token)
		}
		return cacheResult.Client, nil
	}

	client, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		if a.failOpen && !errors.Is(err, ErrUnauthenticated) {
			a.logger.Warn("auth lookup failed, degrading to anonymous agent",
				zap.Error(err),
			)
			return &ClientContext{ClientID: "unknown", Role: RoleAgent}, nil
		}
		return nil, fmt.Errorf("Authenticate: %w", err)
	}

	a.cache.Set(token, client)
	return client, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, token string) (*ClientContext, error) {
	if len(token) < lookupPrefixLen || !strings.HasPrefix(token, KeyPrefix) {
		return nil, ErrUnauthenticated
	}

	rows, err := a.store.LookupByPrefix(ctx, token[:lookupPrefixLen])
	if err != nil {
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}

	for _, row := range rows {
		if bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(token)) != nil {
			continue
		}
		if row.Revoked {
			return nil, ErrUnauthenticated
		}
		role, err := ParseRole(row.Role)
		if err != nil {
			return nil, fmt.Errorf("authenticateFromDB %s: %w", row.ClientID, err)
		}
		return &ClientContext{ClientID: row.ClientID, Role: role}, nil
	}
	return nil, ErrUnauthenticated
}

func (a *PostgresAuthenticator) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := a.authenticateFromDB(ctx, token)
	if errors.Is(err, ErrUnauthenticated) {
		a.logger.Info("cached api key no longer valid, evicting")
		a.cache.Delete(token)
		return
	}
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		a.cache.RefreshFailed(token)
		return
	}
	a.cache.Set(token, client)
}
