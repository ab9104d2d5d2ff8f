// Package models holds the static catalog of language models a chat can be
// bound to and performs generation calls against them.
package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kalambet/kbchat/internal/apperr"
	"github.com/kalambet/kbchat/internal/engine"
	"github.com/kalambet/kbchat/internal/proxy"
)

const DefaultTimeout = 120 * time.Second

// Descriptor describes one catalog entry.
type Descriptor struct {
	Name        string   `json:"name"`
	Provider    string   `json:"provider"`
	ModelID     string   `json:"model_id,omitempty"`
	Endpoint    string   `json:"endpoint,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	NumCtx      int      `json:"num_ctx,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Params are generation parameters. Unset fields fall back to the
// descriptor defaults.
type Params struct {
	Temperature *float64
	NumCtx      int
}

// BreakerSettings tune the per-model circuit breaker.
type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	MinRequests      uint32
	FailureThreshold float64
}

func defaultBreaker() BreakerSettings {
	return BreakerSettings{
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		MinRequests:      5,
		FailureThreshold: 0.8,
	}
}

type Option func(*Registry)

// WithTimeout bounds every generation call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithOpenRouterKey sets the API key used by openrouter descriptors.
func WithOpenRouterKey(key string) Option {
	return func(r *Registry) { r.openRouterKey = key }
}

// WithBackend overrides the backend for every descriptor of a provider.
func WithBackend(provider string, b Backend) Option {
	return func(r *Registry) { r.backends[provider] = b }
}

func WithBreaker(s BreakerSettings) Option {
	return func(r *Registry) { r.breaker = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry is read-only after construction and safe for concurrent use.
type Registry struct {
	handles       map[string]*Handle
	descriptors   []Descriptor
	backends      map[string]Backend
	timeout       time.Duration
	openRouterKey string
	breaker       BreakerSettings
	logger        *slog.Logger
}

// NewRegistry validates the catalog and builds one handle per descriptor.
func NewRegistry(catalog []Descriptor, opts ...Option) (*Registry, error) {
	r := &Registry{
		handles:  make(map[string]*Handle, len(catalog)),
		backends: make(map[string]Backend),
		timeout:  DefaultTimeout,
		breaker:  defaultBreaker(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, d := range catalog {
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return nil, fmt.Errorf("model catalog: entry without a name")
		}
		if _, dup := r.handles[d.Name]; dup {
			return nil, fmt.Errorf("model catalog: duplicate model %q", d.Name)
		}
		if d.ModelID == "" {
			d.ModelID = d.Name
		}
		backend, err := r.backendFor(d)
		if err != nil {
			return nil, fmt.Errorf("model catalog: %s: %w", d.Name, err)
		}
		r.handles[d.Name] = &Handle{
			desc:    d,
			backend: backend,
			cb:      r.newBreaker(d.Name),
			timeout: r.timeout,
			logger:  r.logger,
		}
		r.descriptors = append(r.descriptors, d)
	}
	sort.Slice(r.descriptors, func(i, j int) bool { return r.descriptors[i].Name < r.descriptors[j].Name })
	return r, nil
}

func (r *Registry) backendFor(d Descriptor) (Backend, error) {
	if b, ok := r.backends[d.Provider]; ok {
		return b, nil
	}
	switch d.Provider {
	case ProviderOllama:
		endpoint := d.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:11434"
		}
		return NewOllamaBackend(engine.NewOllamaEngine(endpoint)), nil
	case ProviderOpenRouter:
		if r.openRouterKey == "" {
			return nil, errors.New("openrouter API key is not configured")
		}
		return NewOpenRouterBackend(proxy.New(r.openRouterKey, proxy.WithBaseURL(d.Endpoint))), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", d.Provider)
	}
}

func (r *Registry) newBreaker(name string) *gobreaker.CircuitBreaker {
	s := r.breaker
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("model circuit breaker state changed", "model", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up is not the model's fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}

// List returns the catalog ordered by name.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

func (r *Registry) Has(name string) bool {
	_, ok := r.handles[name]
	return ok
}

// Resolve returns the handle for a catalog entry.
func (r *Registry) Resolve(name string) (*Handle, error) {
	h, ok := r.handles[name]
	if !ok {
		return nil, apperr.NotFound("model %q not found", name)
	}
	return h, nil
}

// OllamaModels groups the provider model ids of local descriptors by
// endpoint, for readiness checks at startup.
func (r *Registry) OllamaModels() map[string][]string {
	out := make(map[string][]string)
	for _, d := range r.descriptors {
		if d.Provider != ProviderOllama {
			continue
		}
		endpoint := d.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:11434"
		}
		out[endpoint] = append(out[endpoint], d.ModelID)
	}
	return out
}

// Handle is a resolved model ready for generation.
type Handle struct {
	desc    Descriptor
	backend Backend
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *slog.Logger
}

func (h *Handle) Descriptor() Descriptor {
	return h.desc
}

func (h *Handle) Name() string {
	return h.desc.Name
}

// Generate produces one completion. Every failure, including a timeout or an
// open breaker, is reported as ModelUnavailable.
func (h *Handle) Generate(ctx context.Context, messages []engine.Message, p Params) (string, error) {
	if p.Temperature == nil {
		p.Temperature = h.desc.Temperature
	}
	if p.NumCtx == 0 {
		p.NumCtx = h.desc.NumCtx
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := h.cb.Execute(func() (any, error) {
		text, err := h.backend.Generate(ctx, h.desc.ModelID, messages, p)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			return nil, errors.New("empty completion")
		}
		return text, nil
	})
	if err != nil {
		h.logger.Warn("generation failed", "model", h.desc.Name, "duration", time.Since(start), "error", err)
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return "", apperr.ModelUnavailable(err, "model %q is temporarily unavailable", h.desc.Name)
		case errors.Is(err, context.DeadlineExceeded):
			return "", apperr.ModelUnavailable(err, "model %q timed out", h.desc.Name)
		default:
			return "", apperr.ModelUnavailable(err, "model %q failed to generate", h.desc.Name)
		}
	}
	h.logger.Debug("generation complete", "model", h.desc.Name, "duration", time.Since(start))
	return out.(string), nil
}
