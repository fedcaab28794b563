package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tokenmeter"
	"github.com/ineyio/tokenmeter/ledger"
	"github.com/ineyio/tokenmeter/ledger/ledgertest"
)

func TestMemoryLedger(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, clock *ledgertest.Clock) tokenmeter.Ledger {
		return ledger.NewMemoryLedger(ledger.WithClock(clock.Now))
	})
}

// Reserved must always equal the sum of OPEN reservations, whatever mix of
// operations ran.
func TestMemoryLedger_ReservedMatchesOpenReservations(t *testing.T) {
	ctx := context.Background()
	clock := ledgertest.NewClock()
	l := ledger.NewMemoryLedger(ledger.WithClock(clock.Now))
	_, err := l.Adjust(ctx, "acct", 100_000, "seed")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		open = map[string]int64{}
	)
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := l.Reserve(ctx, "acct", int64(10+i), fmt.Sprintf("corr-%d", i), time.Minute)
			if !assert.NoError(t, err) {
				return
			}
			switch i % 3 {
			case 0:
				_, err = l.Commit(ctx, res, tokenmeter.Usage{TotalTokens: int64(i)})
			case 1:
				_, err = l.Release(ctx, res)
			default:
				mu.Lock()
				open[res.ID] = res.Amount
				mu.Unlock()
			}
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var sum int64
	for _, amount := range open {
		sum += amount
	}
	b, err := l.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, sum, b.Reserved)

	clock.Advance(2 * time.Minute)
	due, err := l.ExpiredReservations(ctx, clock.Now(), 0)
	require.NoError(t, err)
	assert.Len(t, due, len(open))
}

func TestMemoryLedger_PruneCorrelations(t *testing.T) {
	ctx := context.Background()
	clock := ledgertest.NewClock()
	l := ledger.NewMemoryLedger(ledger.WithClock(clock.Now))
	_, err := l.Adjust(ctx, "acct", 1000, "seed")
	require.NoError(t, err)

	_, err = l.Reserve(ctx, "acct", 100, "old", time.Minute)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = l.Reserve(ctx, "acct", 100, "new", time.Minute)
	require.NoError(t, err)

	n, err := l.PruneCorrelations(ctx, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = l.Reserve(ctx, "acct", 100, "old", time.Minute)
	assert.NoError(t, err)
	_, err = l.Reserve(ctx, "acct", 100, "new", time.Minute)
	assert.ErrorIs(t, err, tokenmeter.ErrDuplicateRequest)
}
