package tokenmeter

import "time"

// Identity is the caller identity supplied by the auth layer. It is trusted as-is.
type Identity struct {
	AccountID string
	Entitled  bool
}

// Request is a metered chat completion request.
type Request struct {
	Identity      Identity
	Model         string
	Messages      []Message
	CorrelationID string

	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	Stop        []string
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Total returns TotalTokens, or the sum of the components when the
// provider left it unset.
func (u Usage) Total() int64 {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// StreamChunk is one piece of a streaming generation.
type StreamChunk struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`

	// Usage is the cumulative usage reported by the provider so far, if any.
	// The last value seen before a clean end of stream is the provider's
	// authoritative total.
	Usage *Usage `json:"usage,omitempty"`
}

// Outcome describes how a metered stream was settled in the ledger.
type Outcome struct {
	CorrelationID string
	AccountID     string
	ReservationID string
	TransactionID string
	Kind          TxKind // TxCommit or TxRelease; empty if settlement failed
	Provider      string
	Model         string
	Estimated     int64
	Usage         Usage
	Charged       int64
	Duration      time.Duration

	// Err is the terminal error reported to the caller, nil on a clean finish.
	Err error
}

// IntPtr returns a pointer to the given int.
func IntPtr(v int) *int { return &v }

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }
