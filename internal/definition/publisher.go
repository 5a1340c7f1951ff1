package definition

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/encounters/model"
)

// UsageChecker reports whether live encounters follow a definition.
type UsageChecker interface {
	ReferencesDefinition(ctx context.Context, definitionKey string) (bool, error)
}

// ReloadRecorder receives publish outcomes for metrics.
type ReloadRecorder interface {
	DefinitionsPublished(status string, count int)
}

// Publisher is the only path by which definitions reach the registry:
// load, validate, check compatibility with live encounters, then swap.
type Publisher struct {
	mu          sync.Mutex
	loader      *Loader
	validator   *Validator
	registry    *Registry
	directories []string

	usage    UsageChecker
	recorder ReloadRecorder
	logger   *zap.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithUsageChecker enables the live-encounter compatibility check.
func WithUsageChecker(u UsageChecker) PublisherOption {
	return func(p *Publisher) { p.usage = u }
}

// WithReloadRecorder sets the metrics recorder.
func WithReloadRecorder(r ReloadRecorder) PublisherOption {
	return func(p *Publisher) { p.recorder = r }
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(l *zap.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

// NewPublisher creates a Publisher reading from directories.
func NewPublisher(loader *Loader, validator *Validator, registry *Registry, directories []string, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		loader:      loader,
		validator:   validator,
		registry:    registry,
		directories: directories,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reload loads every definition file and publishes the result. On any
// failure the registry keeps its previous contents.
func (p *Publisher) Reload(ctx context.Context) error {
	defs, err := p.loader.LoadAll(p.directories)
	if err != nil {
		p.record("error", 0)
		p.logger.Error("definition load failed", zap.Error(err))
		return err
	}
	return p.Publish(ctx, defs)
}

// Publish validates defs and swaps them into the registry.
func (p *Publisher) Publish(ctx context.Context, defs []model.Definition) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// 1. Structural, graph and validator-id checks.
	if err := AsError(p.validator.Validate(defs)); err != nil {
		p.record("invalid", len(defs))
		p.logger.Warn("definitions rejected", zap.Error(err))
		return err
	}

	// 2. Definitions referenced by encounters keep their graph. No
	// encounter may be created between this check and the swap.
	p.registry.publishing.Lock()
	defer p.registry.publishing.Unlock()
	if err := p.checkCompatible(ctx, defs); err != nil {
		p.record("conflict", len(defs))
		p.logger.Warn("definitions rejected", zap.Error(err))
		return err
	}

	// 3. Swap.
	previous := p.registry.Checksum()
	p.registry.Replace(defs)
	p.record("success", len(defs))
	p.logger.Info("definitions published",
		zap.Int("count", len(defs)),
		zap.String("checksum", p.registry.Checksum()),
		zap.Bool("changed", previous != p.registry.Checksum()),
	)
	return nil
}

func (p *Publisher) checkCompatible(ctx context.Context, defs []model.Definition) error {
	if p.usage == nil {
		return nil
	}

	next := make(map[string]model.Definition, len(defs))
	for _, d := range defs {
		next[d.Key] = d
	}

	var problems []string
	for _, old := range p.registry.All() {
		nd, kept := next[old.Key]
		if kept && nd.GraphEqual(old) {
			continue
		}
		used, err := p.usage.ReferencesDefinition(ctx, old.Key)
		if err != nil {
			return fmt.Errorf("check usage of definition %q: %w", old.Key, err)
		}
		if !used {
			continue
		}
		if !kept {
			problems = append(problems, fmt.Sprintf("definition %q is referenced by encounters and cannot be removed", old.Key))
		} else {
			problems = append(problems, fmt.Sprintf("definition %q is referenced by encounters; publish graph changes under a new key", old.Key))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return &model.ErrorEnvelope{
		Code:    model.ErrConflict,
		Message: "definition change conflicts with live encounters",
		Reasons: problems,
	}
}

func (p *Publisher) record(status string, count int) {
	if p.recorder != nil {
		p.recorder.DefinitionsPublished(status, count)
	}
}
