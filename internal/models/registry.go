package models

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"

	"github.com/dohr-michael/pilot/internal/config"
)

// ModelFactory builds a chat model from a provider config.
type ModelFactory func(ctx context.Context, cfg config.ProviderConfig) (model.BaseChatModel, error)

// ProviderEntry holds a lazily-initialized gateway.
type ProviderEntry struct {
	Config  config.ProviderConfig
	gateway *ChatGateway
	once    sync.Once
	err     error
}

// Registry manages named model providers with lazy initialization.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]*ProviderEntry
	defaultName string
	factory     ModelFactory
	handlers    []callbacks.Handler
}

// NewRegistry creates a model registry from config. Handlers are attached to
// every call made through the registry's gateways.
func NewRegistry(cfg config.ModelsConfig, handlers ...callbacks.Handler) *Registry {
	r := &Registry{
		providers:   make(map[string]*ProviderEntry),
		defaultName: cfg.Default,
		factory:     CreateModel,
		handlers:    handlers,
	}

	for name, provCfg := range cfg.Providers {
		r.providers[name] = &ProviderEntry{Config: provCfg}
	}

	// A single configured provider is the default.
	if r.defaultName == "" && len(r.providers) == 1 {
		for name := range r.providers {
			r.defaultName = name
		}
	}

	return r
}

// WithFactory replaces the model constructor. Used by tests.
func (r *Registry) WithFactory(f ModelFactory) *Registry {
	r.factory = f
	return r
}

// Get returns the named provider's gateway, initializing it lazily.
func (r *Registry) Get(ctx context.Context, name string) (*ChatGateway, error) {
	r.mu.RLock()
	entry, ok := r.providers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("model provider %q not found", name)
	}

	entry.once.Do(func() {
		// The result is cached for the process, so the first caller's
		// cancellation must not reach the constructor.
		chat, err := r.factory(context.WithoutCancel(ctx), entry.Config)
		if err != nil {
			entry.err = fmt.Errorf("create model %q: %w", name, err)
			return
		}
		entry.gateway = NewChatGateway(name, chat, GatewayOptions{
			MaxConcurrent: entry.Config.MaxConcurrent,
			Timeout:       entry.Config.Timeout.Duration(),
			Handlers:      r.handlers,
		})
	})

	return entry.gateway, entry.err
}

// Default returns the default provider's gateway.
func (r *Registry) Default(ctx context.Context) (*ChatGateway, error) {
	if r.defaultName == "" {
		return nil, fmt.Errorf("no default model configured")
	}
	return r.Get(ctx, r.defaultName)
}

// DefaultName returns the name of the default provider.
func (r *Registry) DefaultName() string {
	return r.defaultName
}

// Names returns the configured provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Gateway returns a Gateway bound to the default provider. Provider
// construction errors surface as non-retryable upstream failures on each call.
func (r *Registry) Gateway() Gateway {
	return defaultGateway{r: r}
}

type defaultGateway struct {
	r *Registry
}

func (d defaultGateway) resolve(ctx context.Context) (*ChatGateway, error) {
	gw, err := d.r.Default(ctx)
	if err != nil {
		slog.Error("model provider not usable", "provider", d.r.defaultName, "error", err)
		return nil, &UpstreamError{Kind: KindInvalidRequest, Provider: d.r.defaultName, Err: err}
	}
	return gw, nil
}

func (d defaultGateway) Generate(ctx context.Context, p Prompt, opts ...model.Option) (string, error) {
	gw, err := d.resolve(ctx)
	if err != nil {
		return "", err
	}
	return gw.Generate(ctx, p, opts...)
}

func (d defaultGateway) GenerateStructured(ctx context.Context, p Prompt, schemaHint string, out any, opts ...model.Option) error {
	gw, err := d.resolve(ctx)
	if err != nil {
		return err
	}
	return gw.GenerateStructured(ctx, p, schemaHint, out, opts...)
}
