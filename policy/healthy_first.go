package policy

import (
	"sort"

	"github.com/ineyio/tokenmeter"
)

// HealthyFirstPolicy tries fully healthy upstreams before half-open ones,
// so a recovering upstream only sees traffic once the others have failed.
// Within each group the Next policy decides the order (configured order if nil).
type HealthyFirstPolicy struct {
	Next tokenmeter.Policy
}

var _ tokenmeter.Policy = (*HealthyFirstPolicy)(nil)

// Select orders candidates: healthy first, then half-open.
func (p *HealthyFirstPolicy) Select(candidates []tokenmeter.Candidate) []tokenmeter.Candidate {
	result := make([]tokenmeter.Candidate, len(candidates))
	copy(result, candidates)
	if p.Next != nil {
		result = p.Next.Select(result)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return rank(result[i].Health) < rank(result[j].Health)
	})

	return result
}

func rank(h tokenmeter.HealthState) int {
	switch h {
	case tokenmeter.HealthHealthy:
		return 0
	case tokenmeter.HealthHalfOpen:
		return 1
	default:
		return 2
	}
}
