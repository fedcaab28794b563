// Package gonka adapts the Gonka decentralized compute network. Requests use
// the OpenAI-compatible streaming API, signed with the requester's
// secp256k1 key instead of a bearer token.
package gonka

import (
	"context"
	"net/http"
	"time"

	"github.com/ineyio/tokenmeter"
	"github.com/ineyio/tokenmeter/provider/openaicompat"
)

// Provider is the Gonka network adapter.
//
// Auth.APIKey carries the hex-encoded secp256k1 private key. The signing
// transport reads it from the Authorization header and replaces it with the
// request signature and the Gonka headers.
type Provider struct {
	inner *openaicompat.Provider
}

var _ tokenmeter.Provider = (*Provider)(nil)

// Option configures the Gonka provider.
type Option func(*config)

type config struct {
	name      string
	models    []string
	endpoints []Endpoint
	timeout   time.Duration
	transport http.RoundTripper
	now       func() time.Time
}

// WithName sets the provider name (default: "gonka").
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithModels sets the list of supported models.
func WithModels(models ...string) Option {
	return func(c *config) { c.models = models }
}

// WithEndpoint adds a Gonka node endpoint.
func WithEndpoint(e Endpoint) Option {
	return func(c *config) { c.endpoints = append(c.endpoints, e) }
}

// WithEndpoints adds several nodes; requests rotate across them.
func WithEndpoints(es ...Endpoint) Option {
	return func(c *config) { c.endpoints = append(c.endpoints, es...) }
}

// WithTimeout bounds a whole request, including reading the stream.
// Zero (the default) leaves streams unbounded; cancel the context instead.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithBaseTransport sets the underlying HTTP transport (before signing).
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(c *config) { c.transport = rt }
}

func withClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// New creates a Gonka provider. It fails if no endpoint is configured or an
// endpoint URL does not parse.
func New(opts ...Option) (*Provider, error) {
	cfg := &config{name: "gonka"}
	for _, opt := range opts {
		opt(cfg)
	}

	base := cfg.transport
	if base == nil {
		base = http.DefaultTransport
	}

	signing, err := newSigningTransport(base, cfg.endpoints)
	if err != nil {
		return nil, err
	}
	if cfg.now != nil {
		signing.now = cfg.now
	}

	innerOpts := []openaicompat.Option{
		openaicompat.WithHTTPClient(&http.Client{Transport: signing, Timeout: cfg.timeout}),
	}
	if len(cfg.models) > 0 {
		innerOpts = append(innerOpts, openaicompat.WithModels(cfg.models...))
	}

	return &Provider{inner: openaicompat.New(cfg.name, cfg.endpoints[0].URL, innerOpts...)}, nil
}

func (p *Provider) Name() string { return p.inner.Name() }

func (p *Provider) SupportsModel(model string) bool { return p.inner.SupportsModel(model) }

func (p *Provider) ChatCompletionStream(ctx context.Context, req tokenmeter.ProviderRequest) (tokenmeter.ProviderStream, error) {
	return p.inner.ChatCompletionStream(ctx, req)
}
