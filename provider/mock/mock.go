// Package mock provides a scripted streaming provider for tests.
package mock

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/tokenmeter"
)

// Provider is a mock LLM provider for testing.
type Provider struct {
	name       string
	models     []string
	latency    time.Duration
	chunkDelay time.Duration
	failAfter  int
	staticErr  error
	chunks     []string
	usage      *tokenmeter.Usage
	errAfter   int
	streamErr  error

	callCount  atomic.Int64
	closeCount atomic.Int64

	mu      sync.Mutex
	lastReq tokenmeter.ProviderRequest
}

var _ tokenmeter.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:   "mock",
		models: []string{"mock-model"},
		chunks: []string{"Hello", " from", " mock"},
		usage: &tokenmeter.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
		errAfter: -1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithModels sets supported models.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// WithLatency adds simulated latency before the stream opens.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithChunkDelay adds simulated latency before every chunk.
func WithChunkDelay(d time.Duration) Option {
	return func(p *Provider) { p.chunkDelay = d }
}

// WithFailAfter makes the provider refuse to open after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes every open fail with this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithChunks sets the content of each streamed chunk.
func WithChunks(contents ...string) Option {
	return func(p *Provider) { p.chunks = contents }
}

// WithUsage sets the usage reported on the final chunk.
func WithUsage(u tokenmeter.Usage) Option {
	return func(p *Provider) { p.usage = &u }
}

// WithoutUsage makes the provider never report usage.
func WithoutUsage() Option {
	return func(p *Provider) { p.usage = nil }
}

// WithStreamError makes the stream fail with err after n chunks. Errors are
// wrapped in ErrProviderTransport, as a real adapter would.
func WithStreamError(n int, err error) Option {
	return func(p *Provider) {
		p.errAfter = n
		p.streamErr = err
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportsModel(model string) bool {
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req tokenmeter.ProviderRequest) (tokenmeter.ProviderStream, error) {
	if err := sleep(ctx, p.latency); err != nil {
		return nil, err
	}

	count := p.callCount.Add(1)
	p.mu.Lock()
	p.lastReq = req
	p.mu.Unlock()

	if p.staticErr != nil {
		return nil, p.staticErr
	}
	if p.failAfter > 0 && int(count) > p.failAfter {
		return nil, tokenmeter.ErrProviderUnavailable
	}

	id := fmt.Sprintf("mock-%d", count)
	chunks := make([]tokenmeter.StreamChunk, 0, len(p.chunks)+1)
	for _, c := range p.chunks {
		chunks = append(chunks, tokenmeter.StreamChunk{ID: id, Model: req.Model, Content: c})
	}
	chunks = append(chunks, tokenmeter.StreamChunk{ID: id, Model: req.Model, FinishReason: "stop", Usage: p.usage})

	return &mockStream{
		ctx:      ctx,
		p:        p,
		chunks:   chunks,
		errAfter: p.errAfter,
		err:      p.streamErr,
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// CloseCount returns how many streams have been closed.
func (p *Provider) CloseCount() int64 { return p.closeCount.Load() }

// LastRequest returns the most recent request.
func (p *Provider) LastRequest() tokenmeter.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

type mockStream struct {
	ctx      context.Context
	p        *Provider
	chunks   []tokenmeter.StreamChunk
	index    int
	errAfter int
	err      error
	closed   atomic.Bool
}

func (s *mockStream) Next() (tokenmeter.StreamChunk, error) {
	if err := sleep(s.ctx, s.p.chunkDelay); err != nil {
		return tokenmeter.StreamChunk{}, err
	}
	if s.errAfter >= 0 && s.index >= s.errAfter {
		return tokenmeter.StreamChunk{}, fmt.Errorf("%w: %w", tokenmeter.ErrProviderTransport, s.err)
	}
	if s.index >= len(s.chunks) {
		return tokenmeter.StreamChunk{}, io.EOF
	}
	chunk := s.chunks[s.index]
	s.index++
	return chunk, nil
}

func (s *mockStream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.p.closeCount.Add(1)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
