// Package configguard gates the configuration import tools behind the
// config-editing switch and checks the imported document's shape.
package configguard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/triage-ai/palisade/services/request_gate/internal/approval"
	"go.uber.org/zap"
)

// Scope selects which configuration level an import targets.
type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeProject Scope = "project"
)

// RootKey is the top-level object an import document for s must carry.
func (s Scope) RootKey() string {
	switch s {
	case ScopeUser:
		return "user_options"
	case ScopeProject:
		return "project_options"
	}
	return ""
}

// DisabledMessage is shown to MCP clients while editing is switched off.
const DisabledMessage = "User has disabled configuration editing. They can enable it in the MCP settings by selecting 'Enable tools that can edit your config'"

var (
	ErrEditingDisabled = errors.New("configuration editing is disabled")
	ErrUnknownScope    = errors.New("unknown configuration scope")
	ErrInvalidDocument = errors.New("invalid configuration document")
)

// schemaFor requires an object whose root key for the scope is itself an
// object. Other top-level keys are allowed; the import merges.
func schemaFor(rootKey string) string {
	return `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["` + rootKey + `"],
		"properties": {
			"` + rootKey + `": {"type": "object"}
		}
	}`
}

// Guard checks configuration imports.
type Guard struct {
	store   *approval.Store
	schemas map[Scope]*jsonschema.Schema
	logger  *zap.Logger
}

// New compiles the per-scope schemas.
func New(store *approval.Store, logger *zap.Logger) (*Guard, error) {
	g := &Guard{
		store:   store,
		schemas: make(map[Scope]*jsonschema.Schema, 2),
		logger:  logger,
	}
	for _, scope := range []Scope{ScopeUser, ScopeProject} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaFor(scope.RootKey())))
		if err != nil {
			return nil, fmt.Errorf("configguard.New: %w", err)
		}
		url := string(scope) + "_options.json"
		c := jsonschema.NewCompiler()
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("configguard.New: %w", err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("configguard.New: %w", err)
		}
		g.schemas[scope] = sch
	}
	return g, nil
}

// CheckImport returns nil when jsonText may be imported at scope.
func (g *Guard) CheckImport(ctx context.Context, scope Scope, jsonText string) error {
	sch, ok := g.schemas[scope]
	if !ok {
		return fmt.Errorf("CheckImport %q: %w", scope, ErrUnknownScope)
	}

	enabled, err := g.store.ConfigEditingTooling(ctx)
	if err != nil {
		g.logger.Error("reading config editing switch failed, treating as disabled", zap.Error(err))
	}
	if !enabled {
		return fmt.Errorf("CheckImport: %w", ErrEditingDisabled)
	}

	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonText))
	if err != nil {
		return fmt.Errorf("CheckImport: %w: %v", ErrInvalidDocument, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("CheckImport: %w: document must be an object with a top-level %q object: %v",
			ErrInvalidDocument, scope.RootKey(), err)
	}

	g.logger.Info("config import permitted",
		zap.String("scope", string(scope)),
		zap.Int("bytes", len(jsonText)),
	)
	return nil
}
