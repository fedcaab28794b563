package tokenmeter

import (
	"context"
	"time"
)

// Ledger owns per-account token balances and the append-only transaction log.
//
// Every operation on a single account is linearizable with respect to every
// other operation on that account. Operations on different accounts do not
// serialize against each other.
type Ledger interface {
	// Reserve holds amount tokens for an in-flight request. It is admitted
	// only if Available > 0 and Available-Reserved >= amount; otherwise it
	// fails with ErrInsufficientBalance. The returned reservation is OPEN and
	// expires at now+ttl.
	//
	// A non-empty correlationID may be reserved once per account. A second
	// Reserve with the same one fails with ErrDuplicateRequest until
	// PruneCorrelations forgets it, whatever became of the first
	// reservation. A refused reservation does not claim its correlationID.
	Reserve(ctx context.Context, accountID string, amount int64, correlationID string, ttl time.Duration) (Reservation, error)

	// Commit settles an OPEN reservation with the actual usage. The full
	// reserved amount leaves Reserved and usage.Total() leaves Available,
	// even when it exceeds the reservation.
	Commit(ctx context.Context, res Reservation, usage Usage) (Transaction, error)

	// Release settles an OPEN reservation without charging anything.
	Release(ctx context.Context, res Reservation) (Transaction, error)

	// Expire is Release for reservations whose owner is presumed dead. It
	// fails with ErrReservationNotExpired unless the stored deadline is at or
	// before now.
	Expire(ctx context.Context, res Reservation, now time.Time) (Transaction, error)

	// Adjust credits (amount > 0) or debits (amount < 0) Available outside
	// the reservation flow. Reserved is never touched.
	Adjust(ctx context.Context, accountID string, amount int64, reason string) (Transaction, error)

	// Balance returns the current balance. Unknown accounts have a zero balance.
	Balance(ctx context.Context, accountID string) (Balance, error)

	// History returns the account's transactions, newest first.
	History(ctx context.Context, accountID string, page Page) ([]Transaction, error)

	// ExpiredReservations returns up to limit OPEN reservations whose
	// deadline is at or before the given time.
	ExpiredReservations(ctx context.Context, before time.Time, limit int) ([]Reservation, error)

	// PruneCorrelations forgets correlation ids claimed before the given
	// time and returns how many it dropped. Backends that expire them on
	// their own return 0.
	PruneCorrelations(ctx context.Context, before time.Time) (int64, error)
}

// Balance is an account's token balance.
type Balance struct {
	AccountID string
	Available int64 // may be negative only after a commit that overran its reservation
	Reserved  int64 // sum of OPEN reservation amounts
	Used      int64 // lifetime sum of committed tokens
	Version   int64
	UpdatedAt time.Time
}

// Spendable returns how much more may be reserved right now.
func (b Balance) Spendable() int64 {
	if b.Available <= 0 {
		return 0
	}
	if s := b.Available - b.Reserved; s > 0 {
		return s
	}
	return 0
}

// Admits reports whether a reservation of amount would be admitted.
func (b Balance) Admits(amount int64) bool {
	return b.Available > 0 && b.Available-b.Reserved >= amount
}

// Reservation is a temporary hold on tokens.
type Reservation struct {
	ID            string
	AccountID     string
	Amount        int64
	CorrelationID string
	CreatedAt     time.Time
	Deadline      time.Time
	State         ReservationState
}

// ReservationState is the lifecycle state of a reservation.
type ReservationState string

const (
	ReservationOpen      ReservationState = "OPEN"
	ReservationCommitted ReservationState = "COMMITTED"
	ReservationReleased  ReservationState = "RELEASED"
	ReservationExpired   ReservationState = "EXPIRED"
)

// Transaction is an immutable ledger record.
type Transaction struct {
	ID            string
	AccountID     string
	ReservationID string // empty for ADJUST
	Kind          TxKind

	// Amount is the magnitude of the event (reserved, charged, released or
	// expired tokens). For ADJUST it is signed: credits are positive.
	Amount int64

	// Estimated is the reservation amount a COMMIT settled.
	Estimated int64
	// Usage is the final tally persisted with a COMMIT.
	Usage Usage

	// Balance snapshot after the event.
	Available int64
	Reserved  int64

	CorrelationID string
	Reason        string
	CreatedAt     time.Time
}

// TxKind is the kind of a ledger transaction.
type TxKind string

const (
	TxReserve TxKind = "RESERVE"
	TxCommit  TxKind = "COMMIT"
	TxRelease TxKind = "RELEASE"
	TxAdjust  TxKind = "ADJUST"
	TxExpire  TxKind = "EXPIRE"
)

// Page selects a window of transaction history.
type Page struct {
	Offset int
	Limit  int
}

// DefaultPageLimit is used when Page.Limit is not positive.
const DefaultPageLimit = 100

// Normalize returns the page with defaults applied.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	return p
}
