package tokenmeter

import "time"

// SetSettleBackoff shortens settlement retries for tests.
func SetSettleBackoff(d time.Duration) (restore func()) {
	prev := settleBackoff
	settleBackoff = d
	return func() { settleBackoff = prev }
}
