package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ineyio/tokenmeter"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider is the Gemini streaming API adapter.
type Provider struct {
	baseURL    string
	httpClient *http.Client
	models     []string
}

var _ tokenmeter.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithModels sets the list of supported models.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// New creates a new Gemini provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) SupportsModel(model string) bool {
	if len(p.models) == 0 {
		return true
	}
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

// Gemini API types.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ResponseID string `json:"responseId"`
	Error      *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req tokenmeter.ProviderRequest) (tokenmeter.ProviderStream, error) {
	body := p.buildRequest(req)
	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		p.baseURL, url.PathEscape(req.Model), url.QueryEscape(req.Auth.APIKey))

	httpResp, err := p.doRequest(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}

	if err := mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	return &geminiStream{
		ctx:    ctx,
		reader: bufio.NewReader(httpResp.Body),
		body:   httpResp.Body,
		model:  req.Model,
	}, nil
}

func (p *Provider) buildRequest(req tokenmeter.ProviderRequest) geminiRequest {
	var (
		contents []geminiContent
		system   []geminiPart
	)
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, geminiPart{Text: m.Content})
		case "assistant":
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			contents = append(contents, geminiContent{Role: m.Role, Parts: []geminiPart{{Text: m.Content}}})
		}
	}

	gr := geminiRequest{Contents: contents}
	if len(system) > 0 {
		gr.SystemInstruction = &geminiContent{Parts: system}
	}

	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil || len(req.Stop) > 0 {
		gr.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
			TopP:            req.TopP,
			StopSequences:   req.Stop,
		}
	}

	return gr
}

func (p *Provider) doRequest(ctx context.Context, url string, body geminiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("tokenmeter: marshal gemini request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("tokenmeter: create gemini request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: gemini: %s", tokenmeter.ErrProviderUnavailable, redact(err))
	}

	return resp, nil
}

// redact strips the request URL, which carries the API key, from transport errors.
func redact(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err.Error()
	}
	return err.Error()
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

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

// geminiStream reads streamGenerateContent SSE events. Gemini sends no
// terminator, so the stream is complete only once a candidate carried a
// finish reason; an earlier end of body is a truncation.
type geminiStream struct {
	ctx      context.Context
	reader   *bufio.Reader
	body     io.ReadCloser
	model    string
	finished bool
}

func (s *geminiStream) Next() (tokenmeter.StreamChunk, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return tokenmeter.StreamChunk{}, s.readError(err)
		}

		data, ok := strings.CutPrefix(strings.TrimSpace(line), "data:")
		if !ok {
			continue
		}

		var resp geminiResponse
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &resp); err != nil {
			continue
		}
		if resp.Error != nil {
			return tokenmeter.StreamChunk{}, fmt.Errorf("%w: gemini error %d: %s", tokenmeter.ErrProviderTransport, resp.Error.Code, resp.Error.Message)
		}

		chunk := tokenmeter.StreamChunk{
			ID:    resp.ResponseID,
			Model: s.model,
		}

		if len(resp.Candidates) > 0 {
			for _, part := range resp.Candidates[0].Content.Parts {
				chunk.Content += part.Text
			}
			if fr := resp.Candidates[0].FinishReason; fr != "" {
				chunk.FinishReason = strings.ToLower(fr)
				s.finished = true
			}
		}

		// usageMetadata is cumulative for the response so far.
		if u := resp.UsageMetadata; u != nil && u.TotalTokenCount > 0 {
			chunk.Usage = &tokenmeter.Usage{
				PromptTokens:     u.PromptTokenCount,
				CompletionTokens: u.CandidatesTokenCount,
				TotalTokens:      u.TotalTokenCount,
			}
		}

		return chunk, nil
	}
}

func (s *geminiStream) readError(err error) error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	if errors.Is(err, io.EOF) {
		if s.finished {
			return io.EOF
		}
		return fmt.Errorf("%w: gemini stream ended before a finish reason", tokenmeter.ErrProviderTransport)
	}
	return fmt.Errorf("%w: %w", tokenmeter.ErrProviderTransport, err)
}

func (s *geminiStream) Close() error {
	return s.body.Close()
}
