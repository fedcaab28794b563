// Package ledgertest is a behavioural test suite shared by every
// tokenmeter.Ledger implementation.
package ledgertest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tokenmeter"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a clock set to a fixed instant.
func NewClock() *Clock {
	return &Clock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Factory builds a fresh, empty ledger that reads time from clock.
type Factory func(t *testing.T, clock *Clock) tokenmeter.Ledger

const ttl = 5 * time.Minute

// Run executes the suite against ledgers built by newLedger.
func Run(t *testing.T, newLedger Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, l tokenmeter.Ledger, clock *Clock)
	}{
		{"ReserveThenCommit", testReserveThenCommit},
		{"ReserveThenReleaseRestoresBalance", testReserveThenRelease},
		{"CommitExactEstimate", testCommitExactEstimate},
		{"CommitOverageIsChargedButBlocksAdmission", testCommitOverage},
		{"InsufficientBalance", testInsufficientBalance},
		{"InvalidAmounts", testInvalidAmounts},
		{"SecondSettlementFails", testSecondSettlementFails},
		{"UnknownReservation", testUnknownReservation},
		{"ExpireAfterDeadline", testExpire},
		{"Adjust", testAdjust},
		{"HistoryNewestFirst", testHistory},
		{"ConcurrentReservesNeverOverAdmit", testConcurrentReserves},
		{"ExpireRacesCommit", testExpireRacesCommit},
		{"AccountsAreIndependent", testAccountsIndependent},
		{"DuplicateCorrelationIsRefused", testDuplicateCorrelation},
		{"RefusedReserveDoesNotClaimCorrelation", testRefusedReserveKeepsCorrelation},
		{"UsedCountsCommittedTokens", testUsed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := NewClock()
			tt.fn(t, newLedger(t, clock), clock)
		})
	}
}

func fund(t *testing.T, l tokenmeter.Ledger, accountID string, amount int64) {
	t.Helper()
	_, err := l.Adjust(context.Background(), accountID, amount, "test top-up")
	require.NoError(t, err)
}

func balance(t *testing.T, l tokenmeter.Ledger, accountID string) tokenmeter.Balance {
	t.Helper()
	b, err := l.Balance(context.Background(), accountID)
	require.NoError(t, err)
	return b
}

func usage(total int64) tokenmeter.Usage {
	return tokenmeter.Usage{CompletionTokens: total, TotalTokens: total}
}

func testReserveThenCommit(t *testing.T, l tokenmeter.Ledger, _ *Clock) {
	ctx := context.Background()
	fund(t, l, "acct", 1000)

	res, err := l.Reserve(ctx, "acct", 100, "corr-1", ttl)
	require.NoError(t, err)
	assert.Equal(t, tokenmeter.ReservationOpen, res.State)
	assert.Equal(t, int64(100), res.Amount)
	assert.Equal(t, "acct", res.AccountID)

	b := balance(t, l, "acct")
	assert.Equal(t, int64(1000), b.Available)
	assert.Equal(t, int64(100), b.Reserved)

	tx, err := l.Commit(ctx, res, tokenmeter.Usage{PromptTokens: 30, CompletionTokens: 50, TotalTokens: 80})
	require.NoError(t, err)
	assert.Equal(t, tokenmeter.TxCommit, tx.Kind)
	assert.Equal(t, int64(80), tx.Amount)
	assert.Equal(t, int64(100), tx.Estimated)
	assert.Equal(t, int64(30), tx.Usage.PromptTokens)
	assert.Equal(t, int64(50), tx.Usage.CompletionTokens)
	assert.Equal(t, "corr-1", tx.CorrelationID)
	assert.Equal(t, res.ID, tx.ReservationID)
	assert.Equal(t, int64(920), tx.Available)
	assert.Equal(t, int64(0), tx.Reserved)

	b = balance(t, l, "acct")
	assert.Equal(t, int64(920), b.Available)
	assert.Equal(t, int64(0), b.Reserved)

	history, err := l.History(ctx, "acct", tokenmeter.Page{})
	require.NoError(t, err)
	commits := 0
	for _, h := range history {
		if h.Kind == tokenmeter.TxCommit {
			commits++
			assert.Equal(t, int64(80), h.Amount)
		}
	}
	assert.Equal(t, 1, commits)
}

func testReserveThenRelease(t *testing.T, l tokenmeter.Ledger, _ *Clock) {
	ctx := context.Background()
	fund(t, l, "acct", 500)
	before := balance(t, l, "acct")

	res, err := l.Reserve(ctx, "acct", 200, "corr", ttl)
	require.NoError(t, err)

	tx, err := l.Release(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, tokenmeter.TxRelease, tx.Kind)
	assert.Equal(t, int64(200), tx.Amount)

	after := balance(t, l, "acct")
	assert.Equal(t, before.Available, after.Available)
	assert.Equal(t, before.Reserved, after.Reserved)
	assert.Greater(t, after.Version, before.Version)
}

func testCommitExactEstimate(t *testing.T, l tokenmeter.Ledger, _ *Clock) {
	ctx := context.Background()
	fund(t, l, "acct", 300)

	res, err := l.Reserve(ctx, "acct", 120, "corr", ttl)
	require.NoError(t, err)
	_, err = l.Commit(ctx, res, usage(120))
	require.NoError(t, err)

	b := balance(t, l, "acct")
	assert.Equal(t, int64(180), b.Available)
	assert.Equal(t, int64(0), b.Reserved)
}

func testCommitOverage(t *testing.T, l tokenmeter.Ledger, _ *Clock) {
	ctx := context.Background()
	fund(t, l, "acct", 100)

	res, err := l.Reserve(ctx, "acct", 100, "corr", ttl)
	require.NoError(t, err)

	tx, err := l.Commit(ctx, res, usage(150))
	require.NoError(t, err)
	assert.Equal(t, int64(150), tx.Amount)
	assert.Equal(t, int64(-50), tx.Available)

	_, err = l.Reserve(ctx, "acct", 1, "corr-2", ttl)
	assert.ErrorIs(t, err, tokenmeter.ErrInsufficientBalance)

	// Topping up past zero admits again.
	fund(t, l, "acct", 60)
	_, err = l.Reserve(ctx, "acct", 10, "corr-3", ttl)
	assert.NoError(t, err)
}

func testInsufficientBalance(t *testing.T, l tokenmeter.Ledger, _ *Clock) {
	ctx := context.Background()

	_, err := l.Reserve(ctx, "nobody", 1, "corr", ttl)
	assert.ErrorIs(t, err, tokenmeter.ErrInsufficientBalance)

	fund(t, l, "acct", 100)
	_, err = l.Reserve(ctx, "acct", 60, "corr-1", ttl)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, "acct", 41, "corr-2", ttl)
	assert.ErrorIs(t, err, tokenmeter.ErrInsufficientBalance)

	_, err = l.Reserve(ctx, "acct", 40, "corr-3", ttl)
	assert.NoError(t, err)

	b := balance(t, l, "acct")
	assert.Equal(t, int64(100), b.Available)
	assert.Equal(t, int64(100), b.Reserved)
	assert.Equal(t, int64(0), b.Spendable())
}

func testInvalidAmounts(t *testing.T, l tokenmeter.Ledger, _ *Clock) {
	ctx := context.Background()
	fund(t, l, "acct", 100)

	_, err := l.Reserve(ctx, "acct", 0, "corr", ttl)
	assert.ErrorIs(t, err, tokenmeter.ErrInvalidAmount)
	_, err = l.Reserve(ctx, "acct", -5, "corr", ttl)
	assert.ErrorIs(t, err, tokenmeter.ErrInvalidAmount)
	_, err = l.Adjust(ctx, "acct", 0, "noop")
	assert.ErrorIs(t, err, tokenmeter.ErrInvalidAmount)

	res, err := l.Reserve(ctx, "acct", 10, "corr", ttl)
	require.NoError(t, err)
	_, err = l.Commit(ctx, res, tokenmeter.Usage{TotalTokens: -1})
	assert.ErrorIs(t, err, tokenmeter.ErrInvalidAmount)

	// The failed commit left the reservation open.
	_, err = l.Release(ctx, res)
	assert.NoError(t, err)
}

func testSecondSettlementFails(t *testing.T, l tokenmeter.Ledger, _ *Clock) {
	ctx := context.Background()
	fund(t, l, "acct", 1000)

	committed, err := l.Reserve(ctx, "acct", 100, "corr-1", ttl)
	require.NoError(t, err)
	_, err = l.Commit(ctx, committed, usage(70))
	require.NoError(t, err)
	snapshot := balance(t, l, "acct")

	_, err = l.Commit(ctx, committed, usage(70))
	assert.ErrorIs(t, err, tokenmeter.ErrReservationNotOpen)
	_, err = l.Release(ctx, committed)
	assert.ErrorIs(t, err, tokenmeter.ErrReservationNotOpen)

	released, err := l.Reserve(ctx, "acct", 100, "corr-2", ttl)
	require.NoError(t, err)
	_, err = l.Release(ctx, released)
	require.NoError(t, err)

	_, err = l.Release(ctx, released)
	assert.ErrorIs(t, err, tokenmeter.ErrReservationNotOpen)
	_, err = l.Commit(ctx, released, usage(10))
	assert.ErrorIs(t, err, tokenmeter.ErrReservationNotOpen)

	after := balance(t, l, "acct")
	assert.Equal(t, snapshot.Available, after.Available)
	assert.Equal(t, int64(0), after.Reserved)
}

func testUnknownReservation(t *testing.T, l tokenmeter.Ledger, clock *Clock) {
	ctx := context.Background()
	fund(t, l, "acct", 10)

	ghost := tokenmeter.Reservation{ID: uuid.New().String(), AccountID: "acct", Amount: 5}
	_, err := l.Commit(ctx, ghost, usage(5))
	assert.ErrorIs(t, err, tokenmeter.ErrReservationNotFound)
	_, err = l.Release(ctx, ghost)
	assert.ErrorIs(t, err, tokenmeter.ErrReservationNotFound)
	_, err = l.Expire(ctx, ghost, clock.Now().Add(time.Hour))
	assert.ErrorIs(t, err, tokenmeter.ErrReservationNotFound)

	assert.Equal(t, int64(10), balance(t, l, "acct").Available)
}

func testExpire(t *testing.T, l tokenmeter.Ledger, clock *Clock) {
	ctx := context.Background()
	fund(t, l, "acct", 1000)

	res, err := l.Reserve(ctx, "acct", 50, "crashed", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute).Unix(), res.Deadline.Unix())

	// Not yet due.
	_, err = l.Expire(ctx, res, clock.Now())
	assert.ErrorIs(t, err, tokenmeter.ErrReservationNotExpired)
	due, err := l.ExpiredReservations(ctx, clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	clock.Advance(2 * time.Minute)

	due, err = l.ExpiredReservations(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, res.ID, due[0].ID)
	assert.Equal(t, int64(50), due[0].Amount)
	assert.Equal(t, "crashed", due[0].CorrelationID)

	tx, err := l.Expire(ctx, due[0], clock.Now())
	require.NoError(t, err)
	assert.Equal(t, tokenmeter.TxExpire, tx.Kind)
	assert.Equal(t, int64(50), tx.Amount)

	b := balance(t, l, "acct")
	assert.Equal(t, int64(1000), b.Available)
	assert.Equal(t, int64(0), b.Reserved)

	_, err = l.Commit(ctx, res, usage(10))
	assert.ErrorIs(t, err, tokenmeter.ErrReservationNotOpen)

	due, err = l.ExpiredReservations(ctx, clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func testAdjust(t *testing.T, l tokenmeter.Ledger, _ *Clock) {
	ctx := context.Background()

	tx, err := l.Adjust(ctx, "acct", 500, "admin_top_up")
	require.NoError(t, err)
	assert.Equal(t, tokenmeter.TxAdjust, tx.Kind)
	assert.Equal(t, int64(500), tx.Amount)
	assert.Equal(t, "admin_top_up", tx.Reason)
	assert.Equal(t, int64(500), tx.Available)
	assert.NotEmpty(t, tx.ID)

	_, err = l.Reserve(ctx, "acct", 100, "corr", ttl)
	require.NoError(t, err)

	tx, err = l.Adjust(ctx, "acct", -200, "admin_deduct")
	require.NoError(t, err)
	assert.Equal(t, int64(-200), tx.Amount)
	assert.Equal(t, int64(300), tx.Available)
	assert.Equal(t, int64(100), tx.Reserved)

	_, err = l.Adjust(ctx, "acct", -301, "too much")
	assert.ErrorIs(t, err, tokenmeter.ErrInsufficientBalance)

	_, err = l.Adjust(ctx, "nobody", -1, "nothing to take")
	assert.ErrorIs(t, err, tokenmeter.ErrInsufficientBalance)

	b := balance(t, l, "acct")
	assert.Equal(t, int64(300), b.Available)
	assert.Equal(t, int64(100), b.Reserved)
}

func testHistory(t *testing.T, l tokenmeter.Ledger, _ *Clock) {
	ctx := context.Background()
	fund(t, l, "acct", 1000)

	res, err := l.Reserve(ctx, "acct", 100, "corr", ttl)
	require.NoError(t, err)
	_, err = l.Commit(ctx, res, usage(40))
	require.NoError(t, err)
	_, err = l.Adjust(ctx, "acct", 5, "bonus")
	require.NoError(t, err)

	all, err := l.History(ctx, "acct", tokenmeter.Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 4)
	kinds := []tokenmeter.TxKind{all[0].Kind, all[1].Kind, all[2].Kind, all[3].Kind}
	assert.Equal(t, []tokenmeter.TxKind{tokenmeter.TxAdjust, tokenmeter.TxCommit, tokenmeter.TxReserve, tokenmeter.TxAdjust}, kinds)

	page, err := l.History(ctx, "acct", tokenmeter.Page{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[1].ID, page[0].ID)
	assert.Equal(t, all[2].ID, page[1].ID)

	empty, err := l.History(ctx, "nobody", tokenmeter.Page{})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testConcurrentReserves(t *testing.T, l tokenmeter.Ledger, _ *Clock) {
	ctx := context.Background()
	fund(t, l, "acct", 1000)

	const workers = 40
	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
		refused  atomic.Int64
		other    atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reserve(ctx, "acct", 100, uuid.New().String(), ttl)
			switch {
			case err == nil:
				admitted.Add(1)
			case assert.ErrorIs(t, err, tokenmeter.ErrInsufficientBalance):
				refused.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), admitted.Load())
	assert.Equal(t, int64(workers-10), refused.Load())
	assert.Zero(t, other.Load())

	b := balance(t, l, "acct")
	assert.Equal(t, int64(1000), b.Available)
	assert.Equal(t, int64(1000), b.Reserved)
}

func testExpireRacesCommit(t *testing.T, l tokenmeter.Ledger, clock *Clock) {
	ctx := context.Background()
	fund(t, l, "acct", 10_000)

	const n = 20
	reservations := make([]tokenmeter.Reservation, n)
	for i := range reservations {
		res, err := l.Reserve(ctx, "acct", 100, uuid.New().String(), time.Second)
		require.NoError(t, err)
		reservations[i] = res
	}
	clock.Advance(time.Minute)
	now := clock.Now()

	var (
		wg      sync.WaitGroup
		commits atomic.Int64
		expires atomic.Int64
		notOpen atomic.Int64
	)
	for _, res := range reservations {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := l.Commit(ctx, res, usage(30))
			if err == nil {
				commits.Add(1)
			} else if assert.ErrorIs(t, err, tokenmeter.ErrReservationNotOpen) {
				notOpen.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			_, err := l.Expire(ctx, res, now)
			if err == nil {
				expires.Add(1)
			} else if assert.ErrorIs(t, err, tokenmeter.ErrReservationNotOpen) {
				notOpen.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), commits.Load()+expires.Load())
	assert.Equal(t, int64(n), notOpen.Load())

	b := balance(t, l, "acct")
	assert.Equal(t, int64(0), b.Reserved)
	assert.Equal(t, 10_000-30*commits.Load(), b.Available)
}

func testAccountsIndependent(t *testing.T, l tokenmeter.Ledger, _ *Clock) {
	ctx := context.Background()
	fund(t, l, "a", 100)
	fund(t, l, "b", 100)

	res, err := l.Reserve(ctx, "a", 100, "corr-a", ttl)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, "b", 100, "corr-b", ttl)
	require.NoError(t, err)

	_, err = l.Commit(ctx, res, usage(100))
	require.NoError(t, err)

	assert.Equal(t, int64(0), balance(t, l, "a").Available)
	b := balance(t, l, "b")
	assert.Equal(t, int64(100), b.Available)
	assert.Equal(t, int64(100), b.Reserved)
}

func testDuplicateCorrelation(t *testing.T, l tokenmeter.Ledger, _ *Clock) {
	ctx := context.Background()
	fund(t, l, "acct", 1000)
	fund(t, l, "other", 1000)

	res, err := l.Reserve(ctx, "acct", 100, "retry-me", ttl)
	require.NoError(t, err)

	_, err = l.Reserve(ctx, "acct", 100, "retry-me", ttl)
	assert.ErrorIs(t, err, tokenmeter.ErrDuplicateRequest)

	_, err = l.Commit(ctx, res, usage(40))
	require.NoError(t, err)

	// Still refused once the first reservation is settled.
	_, err = l.Reserve(ctx, "acct", 100, "retry-me", ttl)
	assert.ErrorIs(t, err, tokenmeter.ErrDuplicateRequest)

	b := balance(t, l, "acct")
	assert.Equal(t, int64(960), b.Available)
	assert.Equal(t, int64(0), b.Reserved)

	// Scoped per account.
	_, err = l.Reserve(ctx, "other", 100, "retry-me", ttl)
	assert.NoError(t, err)

	// An empty correlation id is never deduplicated.
	for i := 0; i < 2; i++ {
		_, err = l.Reserve(ctx, "acct", 10, "", ttl)
		assert.NoError(t, err)
	}

	history, err := l.History(ctx, "acct", tokenmeter.Page{})
	require.NoError(t, err)
	reserves := 0
	for _, h := range history {
		if h.Kind == tokenmeter.TxReserve && h.CorrelationID == "retry-me" {
			reserves++
		}
	}
	assert.Equal(t, 1, reserves)
}

func testRefusedReserveKeepsCorrelation(t *testing.T, l tokenmeter.Ledger, _ *Clock) {
	ctx := context.Background()
	fund(t, l, "acct", 50)

	_, err := l.Reserve(ctx, "acct", 100, "big", ttl)
	require.ErrorIs(t, err, tokenmeter.ErrInsufficientBalance)

	fund(t, l, "acct", 100)
	_, err = l.Reserve(ctx, "acct", 100, "big", ttl)
	assert.NoError(t, err)
}

func testUsed(t *testing.T, l tokenmeter.Ledger, clock *Clock) {
	ctx := context.Background()
	fund(t, l, "acct", 1000)

	committed, err := l.Reserve(ctx, "acct", 100, "c-1", ttl)
	require.NoError(t, err)
	_, err = l.Commit(ctx, committed, usage(130))
	require.NoError(t, err)

	released, err := l.Reserve(ctx, "acct", 100, "c-2", ttl)
	require.NoError(t, err)
	_, err = l.Release(ctx, released)
	require.NoError(t, err)

	expired, err := l.Reserve(ctx, "acct", 100, "c-3", time.Second)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = l.Expire(ctx, expired, clock.Now())
	require.NoError(t, err)

	_, err = l.Adjust(ctx, "acct", -20, "correction")
	require.NoError(t, err)

	b := balance(t, l, "acct")
	assert.Equal(t, int64(130), b.Used, "only commits count as usage")
	assert.Equal(t, int64(850), b.Available)
	assert.Equal(t, int64(0), balance(t, l, "nobody").Used)
}
