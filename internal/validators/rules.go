// Package validators builds transition validators from declarative rules in
// the daemon configuration and registers them with the encounter engine.
package validators

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/encounters/encounter"
	"github.com/pitabwire/encounters/internal/config"
	"github.com/pitabwire/encounters/internal/openapi"
	"github.com/pitabwire/encounters/model"
)

// Builder turns declarative rules into validators. Schema rules that point
// at OpenAPI files share one schema index.
type Builder struct {
	schemas *openapi.Index
}

// NewBuilder creates a Builder. A nil index gets a fresh one.
func NewBuilder(schemas *openapi.Index) *Builder {
	if schemas == nil {
		schemas = openapi.NewIndex()
	}
	return &Builder{schemas: schemas}
}

// Register builds every configured rule, registers it under its id, and
// marks the configured global validators.
func (b *Builder) Register(ctx context.Context, reg *encounter.ValidatorRegistry, cfg config.ValidatorsConfig) error {
	for _, rule := range cfg.Rules {
		v, err := b.Build(ctx, rule)
		if err != nil {
			return err
		}
		if err := reg.Register(rule.ID, v); err != nil {
			return err
		}
	}
	if len(cfg.Global) > 0 {
		return reg.SetGlobal(cfg.Global...)
	}
	return nil
}

// Build turns one rule into a validator.
func (b *Builder) Build(ctx context.Context, rule config.ValidatorRule) (model.Validator, error) {
	var check checkFunc
	switch rule.Kind {
	case config.RuleRequiredMetadata:
		if len(rule.Keys) == 0 {
			return nil, fmt.Errorf("validator %s: keys must not be empty", rule.ID)
		}
		check = requiredMetadata(rule.Keys)
	case config.RuleMetadataFlag:
		if rule.Flag == "" {
			return nil, fmt.Errorf("validator %s: flag is required", rule.ID)
		}
		check = metadataFlag(rule.Flag)
	case config.RuleSchema:
		schema, err := b.schema(ctx, rule)
		if err != nil {
			return nil, fmt.Errorf("validator %s: %w", rule.ID, err)
		}
		check = schemaCheck(schema)
	default:
		return nil, fmt.Errorf("validator %s: unknown kind %q", rule.ID, rule.Kind)
	}

	return &ruleValidator{
		soft:     rule.Severity == config.SeveritySoft,
		toStates: rule.ToStates,
		message:  rule.Message,
		check:    check,
	}, nil
}

func (b *Builder) schema(ctx context.Context, rule config.ValidatorRule) (*openapi3.Schema, error) {
	if rule.SchemaFile != "" {
		return b.schemas.Schema(ctx, rule.SchemaFile, rule.SchemaName)
	}
	if rule.Schema == nil {
		return nil, errors.New("schema or schema_file is required")
	}
	return openapi.ParseSchema(ctx, rule.Schema)
}

// checkFunc returns the findings for an encounter's metadata.
type checkFunc func(metadata map[string]any) []string

type ruleValidator struct {
	soft     bool
	toStates []string
	message  string
	check    checkFunc
}

func (r *ruleValidator) Validate(_ context.Context, enc model.Encounter, _, to string) (model.Verdict, error) {
	if len(r.toStates) > 0 && !slices.Contains(r.toStates, to) {
		return model.Verdict{}, nil
	}

	findings := r.check(enc.Metadata)
	if len(findings) == 0 {
		return model.Verdict{}, nil
	}
	if r.message != "" {
		findings = []string{r.message}
	}

	if r.soft {
		return model.Verdict{SoftWarnings: findings}, nil
	}
	return model.Verdict{HardBlocks: findings}, nil
}

func requiredMetadata(keys []string) checkFunc {
	return func(metadata map[string]any) []string {
		var out []string
		for _, k := range keys {
			if isBlank(metadata[k]) {
				out = append(out, fmt.Sprintf("metadata '%s' is required", k))
			}
		}
		return out
	}
}

func metadataFlag(flag string) checkFunc {
	return func(metadata map[string]any) []string {
		if truthy(metadata[flag]) {
			return []string{fmt.Sprintf("metadata flag '%s' is set", flag)}
		}
		return nil
	}
}

func schemaCheck(schema *openapi3.Schema) checkFunc {
	return func(metadata map[string]any) []string {
		var out []string
		for _, e := range openapi.Validate(schema, metadata) {
			if e.Field == "" {
				out = append(out, "metadata: "+e.Message)
				continue
			}
			out = append(out, fmt.Sprintf("metadata %s: %s", e.Field, e.Message))
		}
		return out
	}
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "", "false", "0", "no", "off":
			return false
		}
		return true
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	}
	return true
}
