package tokenmeter

import "context"

// Provider is the interface that LLM provider adapters must implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "gemini", "openai", "grok").
	Name() string

	// SupportsModel returns true if this provider can handle the given model.
	SupportsModel(model string) bool

	// ChatCompletionStream opens a streaming chat completion. Cancelling ctx
	// aborts the underlying call.
	ChatCompletionStream(ctx context.Context, req ProviderRequest) (ProviderStream, error)
}

// Auth holds authentication credentials for an upstream account.
type Auth struct {
	APIKey string `yaml:"api_key" json:"api_key"`
}

// ProviderRequest is the request sent to a provider adapter.
type ProviderRequest struct {
	Auth     Auth
	Model    string
	Messages []Message

	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	Stop        []string
}

// ProviderStream is a lazy, finite sequence of chunks.
type ProviderStream interface {
	// Next returns the next chunk. Returns io.EOF after a clean end of
	// stream; a stream that stops early returns an error wrapping
	// ErrProviderTransport instead.
	Next() (StreamChunk, error)

	// Close releases resources and signals completion.
	Close() error
}
