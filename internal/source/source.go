package source

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"monoqueue/internal/configuration"
	"monoqueue/internal/sphere"
)

// Source captures a single upstream system (GitHub, Discourse, etc.).
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]sphere.Record, error)
}

// Factory builds a source from its configured name and options.
type Factory func(name string, opts Options, logger *slog.Logger) (Source, error)

// Registry keeps a mapping from handler names to source factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds or replaces a handler.
func (r *Registry) Register(handler string, f Factory) {
	if r.factories == nil {
		r.factories = map[string]Factory{}
	}
	r.factories[handler] = f
}

// Handlers lists the registered handler names in order.
func (r *Registry) Handlers() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build resolves the handler of cfg and constructs the source.
func (r *Registry) Build(cfg configuration.SourceConfig, logger *slog.Logger) (Source, error) {
	handler := cfg.Handler
	if handler == "" {
		handler = cfg.Name
	}
	f, ok := r.factories[handler]
	if !ok {
		return nil, fmt.Errorf("source %s: handler %s is not registered", cfg.Name, handler)
	}
	if logger == nil {
		logger = slog.Default()
	}
	src, err := f(cfg.Name, Options(cfg.Options), logger.With("source", cfg.Name))
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
	}
	return src, nil
}

// BuildAll builds every configured source, in configuration order.
func (r *Registry) BuildAll(cfgs []configuration.SourceConfig, logger *slog.Logger) ([]Source, error) {
	sources := make([]Source, 0, len(cfgs))
	for _, cfg := range cfgs {
		src, err := r.Build(cfg, logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}
