package tokenmeter

import "strings"

// Counter estimates token counts. Implementations must be deterministic for
// a given model and text.
type Counter interface {
	// CountMessages estimates the prompt tokens of a chat request.
	CountMessages(model string, messages []Message) int64

	// CountText estimates the tokens of a piece of generated or prompt text.
	CountText(model string, text string) int64
}

// HeuristicCounter estimates tokens at roughly four bytes per token, with a
// fixed per-message and per-request overhead.
type HeuristicCounter struct {
	// CharsPerToken overrides the default ratio for specific models.
	CharsPerToken map[string]int
}

var _ Counter = HeuristicCounter{}

const (
	defaultCharsPerToken = 4
	messageOverhead      = 4 // role and formatting
	requestOverhead      = 3 // reply priming
)

func (c HeuristicCounter) ratio(model string) int {
	if r, ok := c.CharsPerToken[model]; ok && r > 0 {
		return r
	}
	return defaultCharsPerToken
}

// CountText returns ceil(len(text)/ratio); any non-empty text costs at least one token.
func (c HeuristicCounter) CountText(model string, text string) int64 {
	if text == "" {
		return 0
	}
	r := c.ratio(model)
	return int64((len(text) + r - 1) / r)
}

// CountMessages sums content tokens plus per-message and request overhead.
func (c HeuristicCounter) CountMessages(model string, messages []Message) int64 {
	var total int64
	for _, m := range messages {
		total += c.CountText(model, m.Content)
		total += messageOverhead
	}
	total += requestOverhead
	return total
}

// EstimatePrompt estimates a plain-text prompt sent as a single user message.
func EstimatePrompt(c Counter, model, prompt string) int64 {
	return c.CountMessages(model, []Message{{Role: "user", Content: prompt}})
}

// PromptText joins message contents, one per line.
func PromptText(messages []Message) string {
	parts := make([]string, len(messages))
	for i, m := range messages {
		parts[i] = m.Content
	}
	return strings.Join(parts, "\n")
}

// Tally is the running token count of one stream. It is owned by a single
// goroutine and is not safe for concurrent use.
type Tally struct {
	PromptTokens     int64  // estimated before the call
	CompletionTokens int64  // counted from forwarded chunk text
	Reported         *Usage // latest cumulative usage reported by the provider
	Chunks           int
}

// Observe accounts for one forwarded chunk.
func (t *Tally) Observe(c Counter, model string, chunk StreamChunk) {
	t.Chunks++
	t.CompletionTokens += c.CountText(model, chunk.Content)
	if chunk.Usage != nil {
		u := *chunk.Usage
		t.Reported = &u
	}
}

// Emitted reports whether any completion tokens reached the caller.
func (t *Tally) Emitted() bool {
	if t.CompletionTokens > 0 {
		return true
	}
	return t.Reported != nil && t.Reported.CompletionTokens > 0
}

// UsagePolicy decides how provider-reported usage is reconciled with the tally.
type UsagePolicy string

const (
	// UsagePolicyProvider trusts the provider's total at a clean end of stream.
	UsagePolicyProvider UsagePolicy = "provider"
	// UsagePolicyMax charges the larger of reported and tallied counts.
	UsagePolicyMax UsagePolicy = "max"
)

// FinalizeUsage computes the usage to charge. complete is true when the
// provider ended the stream cleanly. Interrupted streams always take the
// per-component maximum, since a partial report may lag the forwarded text.
func FinalizeUsage(t Tally, policy UsagePolicy, complete bool) Usage {
	tallied := Usage{
		PromptTokens:     t.PromptTokens,
		CompletionTokens: t.CompletionTokens,
	}
	tallied.TotalTokens = tallied.PromptTokens + tallied.CompletionTokens

	if t.Reported == nil || t.Reported.Total() == 0 {
		return tallied
	}

	reported := *t.Reported
	reported.TotalTokens = reported.Total()
	if complete && policy != UsagePolicyMax {
		return reported
	}

	u := Usage{
		PromptTokens:     max(reported.PromptTokens, tallied.PromptTokens),
		CompletionTokens: max(reported.CompletionTokens, tallied.CompletionTokens),
	}
	u.TotalTokens = max(u.PromptTokens+u.CompletionTokens, reported.TotalTokens)
	return u
}
