package tokenmeter

// Policy orders the upstreams a metered request may be sent to. The router
// tries them in the returned order; the reservation is made once, before the
// first attempt, whatever the order.
type Policy interface {
	Select(candidates []Candidate) []Candidate
}

// Candidate is one upstream/model pair able to serve a request.
type Candidate struct {
	Provider   Provider
	UpstreamID string
	Auth       Auth
	Model      string
	Health     HealthState

	CostPerInputToken  float64
	CostPerOutputToken float64

	// PromptTokens and CompletionTokens are the request's estimate: the
	// counted prompt and the completion allowance being reserved.
	PromptTokens     int64
	CompletionTokens int64
}

// EstimatedCost prices the request's reserved tokens on this upstream.
// Without an estimate it falls back to one input plus one output token.
func (c Candidate) EstimatedCost() float64 {
	prompt, completion := c.PromptTokens, c.CompletionTokens
	if prompt == 0 && completion == 0 {
		prompt, completion = 1, 1
	}
	return float64(prompt)*c.CostPerInputToken + float64(completion)*c.CostPerOutputToken
}

// HealthState is the circuit state of an upstream.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// configOrderPolicy keeps the configured upstream order.
type configOrderPolicy struct{}

func (configOrderPolicy) Select(candidates []Candidate) []Candidate { return candidates }
