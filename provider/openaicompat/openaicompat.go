package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/tokenmeter"
)

// Provider is a universal OpenAI-compatible streaming adapter.
// Works with OpenAI, Grok/xAI, Cerebras, Together, Ollama, and others.
type Provider struct {
	name       string
	baseURL    string
	httpClient *http.Client
	models     []string
}

var _ tokenmeter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithModels sets the list of supported models.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// New creates a new OpenAI-compatible provider.
func New(name, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewOpenAI creates a provider for OpenAI.
func NewOpenAI(opts ...Option) *Provider {
	return New("openai", "https://api.openai.com/v1", opts...)
}

// NewGrok creates a provider for Grok/xAI.
func NewGrok(opts ...Option) *Provider {
	return New("grok", "https://api.x.ai/v1", opts...)
}

// NewCerebras creates a provider for Cerebras.
func NewCerebras(opts ...Option) *Provider {
	return New("cerebras", "https://api.cerebras.ai/v1", opts...)
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportsModel(model string) bool {
	if len(p.models) == 0 {
		return true // no filter → accept all
	}
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model         string            `json:"model"`
	Messages      []apiMessage      `json:"messages"`
	Temperature   *float64          `json:"temperature,omitempty"`
	MaxTokens     *int              `json:"max_tokens,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	Stream        bool              `json:"stream"`
	StreamOptions *apiStreamOptions `json:"stream_options,omitempty"`
	Stop          []string          `json:"stop,omitempty"`
}

type apiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// apiStreamChunk is a single SSE chunk.
type apiStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *apiUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req tokenmeter.ProviderRequest) (tokenmeter.ProviderStream, error) {
	body := p.buildRequest(req)

	httpResp, err := p.doRequest(ctx, req.Auth, body)
	if err != nil {
		return nil, err
	}

	if err := mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	return &sseStream{
		ctx:    ctx,
		reader: bufio.NewReader(httpResp.Body),
		body:   httpResp.Body,
	}, nil
}

func (p *Provider) buildRequest(req tokenmeter.ProviderRequest) apiRequest {
	msgs := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = apiMessage{Role: m.Role, Content: m.Content}
	}
	return apiRequest{
		Model:         req.Model,
		Messages:      msgs,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		TopP:          req.TopP,
		Stream:        true,
		StreamOptions: &apiStreamOptions{IncludeUsage: true},
		Stop:          req.Stop,
	}
}

func (p *Provider) doRequest(ctx context.Context, auth tokenmeter.Auth, body apiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("tokenmeter: marshal request: %w", err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("tokenmeter: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+auth.APIKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", tokenmeter.ErrProviderUnavailable, err)
	}

	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return tokenmeter.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return tokenmeter.ErrAuthFailed
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", tokenmeter.ErrInvalidRequest, string(body))
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", tokenmeter.ErrModelNotFound, string(body))
	default:
		return tokenmeter.ErrProviderUnavailable
	}
}

// sseStream parses Server-Sent Events from an HTTP response body.
//
// The stream ends cleanly at "data: [DONE]". A body that ends without it is
// only accepted if a finish reason was already seen; otherwise the upstream
// was cut off and Next reports ErrProviderTransport.
type sseStream struct {
	ctx      context.Context
	reader   *bufio.Reader
	body     io.ReadCloser
	finished bool
	done     bool
}

func (s *sseStream) Next() (tokenmeter.StreamChunk, error) {
	if s.done {
		return tokenmeter.StreamChunk{}, io.EOF
	}
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return tokenmeter.StreamChunk{}, s.readError(err)
		}

		line = strings.TrimSpace(line)
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			return tokenmeter.StreamChunk{}, io.EOF
		}

		var chunk apiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed chunks
		}
		if chunk.Error != nil {
			return tokenmeter.StreamChunk{}, fmt.Errorf("%w: upstream error: %s", tokenmeter.ErrProviderTransport, chunk.Error.Message)
		}

		result := tokenmeter.StreamChunk{
			ID:    chunk.ID,
			Model: chunk.Model,
		}
		for _, c := range chunk.Choices {
			if c.Index != 0 {
				continue
			}
			result.Content += c.Delta.Content
			if c.FinishReason != "" {
				result.FinishReason = c.FinishReason
				s.finished = true
			}
		}
		if chunk.Usage != nil {
			result.Usage = &tokenmeter.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}

		return result, nil
	}
}

func (s *sseStream) readError(err error) error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	if errors.Is(err, io.EOF) && s.finished {
		s.done = true
		return io.EOF
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: stream ended before completion", tokenmeter.ErrProviderTransport)
	}
	return fmt.Errorf("%w: %w", tokenmeter.ErrProviderTransport, err)
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
