package policy

import (
	"slices"

	"github.com/ineyio/tokenmeter"
)

// CostFirstPolicy sends a request to the upstream where its reserved tokens
// cost least. Ties keep configuration order.
type CostFirstPolicy struct{}

var _ tokenmeter.Policy = (*CostFirstPolicy)(nil)

func (p *CostFirstPolicy) Select(candidates []tokenmeter.Candidate) []tokenmeter.Candidate {
	result := slices.Clone(candidates)
	slices.SortStableFunc(result, func(a, b tokenmeter.Candidate) int {
		ca, cb := a.EstimatedCost(), b.EstimatedCost()
		switch {
		case ca < cb:
			return -1
		case ca > cb:
			return 1
		}
		return 0
	})
	return result
}
