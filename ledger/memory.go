// Package ledger provides an in-memory tokenmeter.Ledger.
//
// Each account has its own lock, so operations on one account are
// linearizable while different accounts proceed in parallel. State is lost
// on restart; use ledger/postgres or ledger/redis for durability.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ineyio/tokenmeter"
)

// MemoryLedger is an in-memory Ledger.
type MemoryLedger struct {
	mu       sync.RWMutex // guards accounts and index, not account contents
	accounts map[string]*account
	index    map[string]string // reservation id -> account id
	now      func() time.Time
}

type account struct {
	mu           sync.Mutex
	balance      tokenmeter.Balance
	reservations map[string]*tokenmeter.Reservation
	correlations map[string]time.Time     // correlation id -> claimed at
	txs          []tokenmeter.Transaction // oldest first
}

var _ tokenmeter.Ledger = (*MemoryLedger)(nil)

// Option configures a MemoryLedger.
type Option func(*MemoryLedger)

// WithClock sets the clock used for timestamps and deadlines.
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLedger) { l.now = now }
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(opts ...Option) *MemoryLedger {
	l := &MemoryLedger{
		accounts: make(map[string]*account),
		index:    make(map[string]string),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// account returns the account record, creating it when create is set.
func (l *MemoryLedger) account(accountID string, create bool) *account {
	l.mu.RLock()
	a, ok := l.accounts[accountID]
	l.mu.RUnlock()
	if ok || !create {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.accounts[accountID]; ok {
		return a
	}
	a = &account{
		balance:      tokenmeter.Balance{AccountID: accountID},
		reservations: make(map[string]*tokenmeter.Reservation),
		correlations: make(map[string]time.Time),
	}
	l.accounts[accountID] = a
	return a
}

// appendTx records a transaction with the current balance snapshot. Must be
// called with a.mu held.
func (a *account) appendTx(tx tokenmeter.Transaction, now time.Time) tokenmeter.Transaction {
	a.balance.Version++
	a.balance.UpdatedAt = now

	tx.ID = uuid.New().String()
	tx.AccountID = a.balance.AccountID
	tx.Available = a.balance.Available
	tx.Reserved = a.balance.Reserved
	tx.CreatedAt = now
	a.txs = append(a.txs, tx)
	return tx
}

// Reserve holds amount tokens if the account can afford them.
func (l *MemoryLedger) Reserve(_ context.Context, accountID string, amount int64, correlationID string, ttl time.Duration) (tokenmeter.Reservation, error) {
	if amount <= 0 {
		return tokenmeter.Reservation{}, fmt.Errorf("%w: reserve %d", tokenmeter.ErrInvalidAmount, amount)
	}

	a := l.account(accountID, false)
	if a == nil {
		return tokenmeter.Reservation{}, fmt.Errorf("%w: account=%s available=0 reserved=0 requested=%d",
			tokenmeter.ErrInsufficientBalance, accountID, amount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, seen := a.correlations[correlationID]; seen && correlationID != "" {
		return tokenmeter.Reservation{}, fmt.Errorf("%w: account=%s correlation=%s",
			tokenmeter.ErrDuplicateRequest, accountID, correlationID)
	}
	if !a.balance.Admits(amount) {
		return tokenmeter.Reservation{}, fmt.Errorf("%w: account=%s available=%d reserved=%d requested=%d",
			tokenmeter.ErrInsufficientBalance, accountID, a.balance.Available, a.balance.Reserved, amount)
	}

	now := l.now()
	res := &tokenmeter.Reservation{
		ID:            uuid.New().String(),
		AccountID:     accountID,
		Amount:        amount,
		CorrelationID: correlationID,
		CreatedAt:     now,
		Deadline:      now.Add(ttl),
		State:         tokenmeter.ReservationOpen,
	}

	a.balance.Reserved += amount
	a.reservations[res.ID] = res
	if correlationID != "" {
		a.correlations[correlationID] = now
	}
	a.appendTx(tokenmeter.Transaction{
		ReservationID: res.ID,
		Kind:          tokenmeter.TxReserve,
		Amount:        amount,
		CorrelationID: correlationID,
	}, now)

	l.mu.Lock()
	l.index[res.ID] = accountID
	l.mu.Unlock()

	return *res, nil
}

// Commit charges usage.Total() and returns the reservation to the pool.
func (l *MemoryLedger) Commit(_ context.Context, res tokenmeter.Reservation, usage tokenmeter.Usage) (tokenmeter.Transaction, error) {
	actual := usage.Total()
	if actual < 0 {
		return tokenmeter.Transaction{}, fmt.Errorf("%w: commit %d", tokenmeter.ErrInvalidAmount, actual)
	}
	usage.TotalTokens = actual

	return l.close(res, tokenmeter.ReservationCommitted, func(a *account, stored *tokenmeter.Reservation) tokenmeter.Transaction {
		a.balance.Available -= actual
		a.balance.Used += actual
		return tokenmeter.Transaction{
			Kind:      tokenmeter.TxCommit,
			Amount:    actual,
			Estimated: stored.Amount,
			Usage:     usage,
		}
	}, nil)
}

// Release returns the reservation to the pool without charging.
func (l *MemoryLedger) Release(_ context.Context, res tokenmeter.Reservation) (tokenmeter.Transaction, error) {
	return l.close(res, tokenmeter.ReservationReleased, func(_ *account, stored *tokenmeter.Reservation) tokenmeter.Transaction {
		return tokenmeter.Transaction{Kind: tokenmeter.TxRelease, Amount: stored.Amount}
	}, nil)
}

// Expire releases a reservation whose deadline is at or before now.
func (l *MemoryLedger) Expire(_ context.Context, res tokenmeter.Reservation, now time.Time) (tokenmeter.Transaction, error) {
	check := func(stored *tokenmeter.Reservation) error {
		if stored.Deadline.After(now) {
			return fmt.Errorf("%w: reservation=%s deadline=%s", tokenmeter.ErrReservationNotExpired, stored.ID, stored.Deadline.Format(time.RFC3339Nano))
		}
		return nil
	}
	return l.close(res, tokenmeter.ReservationExpired, func(_ *account, stored *tokenmeter.Reservation) tokenmeter.Transaction {
		return tokenmeter.Transaction{Kind: tokenmeter.TxExpire, Amount: stored.Amount}
	}, check)
}

// close performs the single OPEN -> terminal transition of a reservation.
func (l *MemoryLedger) close(
	res tokenmeter.Reservation,
	to tokenmeter.ReservationState,
	apply func(*account, *tokenmeter.Reservation) tokenmeter.Transaction,
	check func(*tokenmeter.Reservation) error,
) (tokenmeter.Transaction, error) {
	l.mu.RLock()
	accountID, ok := l.index[res.ID]
	l.mu.RUnlock()
	if !ok {
		return tokenmeter.Transaction{}, fmt.Errorf("%w: %s", tokenmeter.ErrReservationNotFound, res.ID)
	}
	a := l.account(accountID, false)

	a.mu.Lock()
	defer a.mu.Unlock()

	stored := a.reservations[res.ID]
	if stored.State != tokenmeter.ReservationOpen {
		return tokenmeter.Transaction{}, fmt.Errorf("%w: reservation=%s state=%s", tokenmeter.ErrReservationNotOpen, res.ID, stored.State)
	}
	if check != nil {
		if err := check(stored); err != nil {
			return tokenmeter.Transaction{}, err
		}
	}

	tx := apply(a, stored)
	a.balance.Reserved -= stored.Amount
	stored.State = to

	tx.ReservationID = stored.ID
	tx.CorrelationID = stored.CorrelationID
	return a.appendTx(tx, l.now()), nil
}

// Adjust credits or debits Available. A debit may not exceed Available.
func (l *MemoryLedger) Adjust(_ context.Context, accountID string, amount int64, reason string) (tokenmeter.Transaction, error) {
	if amount == 0 {
		return tokenmeter.Transaction{}, fmt.Errorf("%w: adjust by zero", tokenmeter.ErrInvalidAmount)
	}

	a := l.account(accountID, amount > 0)
	if a == nil {
		return tokenmeter.Transaction{}, fmt.Errorf("%w: account=%s available=0 debit=%d",
			tokenmeter.ErrInsufficientBalance, accountID, -amount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if amount < 0 && a.balance.Available+amount < 0 {
		return tokenmeter.Transaction{}, fmt.Errorf("%w: account=%s available=%d debit=%d",
			tokenmeter.ErrInsufficientBalance, accountID, a.balance.Available, -amount)
	}

	a.balance.Available += amount
	return a.appendTx(tokenmeter.Transaction{
		Kind:   tokenmeter.TxAdjust,
		Amount: amount,
		Reason: reason,
	}, l.now()), nil
}

// Balance returns the account balance; unknown accounts are zero.
func (l *MemoryLedger) Balance(_ context.Context, accountID string) (tokenmeter.Balance, error) {
	a := l.account(accountID, false)
	if a == nil {
		return tokenmeter.Balance{AccountID: accountID}, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, nil
}

// History returns transactions newest first.
func (l *MemoryLedger) History(_ context.Context, accountID string, page tokenmeter.Page) ([]tokenmeter.Transaction, error) {
	page = page.Normalize()
	a := l.account(accountID, false)
	if a == nil {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var out []tokenmeter.Transaction
	for i := len(a.txs) - 1 - page.Offset; i >= 0 && len(out) < page.Limit; i-- {
		out = append(out, a.txs[i])
	}
	return out, nil
}

// ExpiredReservations returns OPEN reservations with a deadline at or
// before the given time, earliest deadline first.
func (l *MemoryLedger) ExpiredReservations(_ context.Context, before time.Time, limit int) ([]tokenmeter.Reservation, error) {
	l.mu.RLock()
	accounts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accounts = append(accounts, a)
	}
	l.mu.RUnlock()

	var out []tokenmeter.Reservation
	for _, a := range accounts {
		a.mu.Lock()
		for _, res := range a.reservations {
			if res.State == tokenmeter.ReservationOpen && !res.Deadline.After(before) {
				out = append(out, *res)
			}
		}
		a.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneCorrelations forgets correlation ids claimed before the given time.
func (l *MemoryLedger) PruneCorrelations(_ context.Context, before time.Time) (int64, error) {
	l.mu.RLock()
	accounts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accounts = append(accounts, a)
	}
	l.mu.RUnlock()

	var n int64
	for _, a := range accounts {
		a.mu.Lock()
		for id, claimed := range a.correlations {
			if claimed.Before(before) {
				delete(a.correlations, id)
				n++
			}
		}
		a.mu.Unlock()
	}
	return n, nil
}
