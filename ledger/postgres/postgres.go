// Package postgres provides a PostgreSQL-backed tokenmeter.Ledger.
//
// Each operation runs in one database transaction that locks the account's
// balance row first and the reservation row second, so operations on one
// account serialize while different accounts proceed in parallel. This makes
// it safe for multi-instance deployments and durable across restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/tokenmeter"
)

const backend = "postgres"

// Store is a PostgreSQL-backed Ledger.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	now         func() time.Time
}

var _ tokenmeter.Ledger = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "tokenmeter_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithClock sets the clock used for timestamps and deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a PostgreSQL-backed Ledger.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "tokenmeter_",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) ident(name string) string { return pgx.Identifier{s.tablePrefix + name}.Sanitize() }

func (s *Store) balances() string     { return s.ident("balances") }
func (s *Store) reservations() string { return s.ident("reservations") }
func (s *Store) transactions() string { return s.ident("transactions") }
func (s *Store) correlations() string { return s.ident("correlations") }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			account_id TEXT PRIMARY KEY,
			available BIGINT NOT NULL DEFAULT 0,
			reserved BIGINT NOT NULL DEFAULT 0 CHECK (reserved >= 0),
			version BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		);
		ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS used BIGINT NOT NULL DEFAULT 0;
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL REFERENCES %[1]s (account_id),
			amount BIGINT NOT NULL CHECK (amount > 0),
			correlation_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			deadline TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS %[4]s ON %[2]s (deadline) WHERE state = 'OPEN';
		CREATE TABLE IF NOT EXISTS %[3]s (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			account_id TEXT NOT NULL,
			reservation_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			amount BIGINT NOT NULL,
			estimated BIGINT NOT NULL DEFAULT 0,
			prompt_tokens BIGINT NOT NULL DEFAULT 0,
			completion_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			available BIGINT NOT NULL,
			reserved BIGINT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[5]s ON %[3]s (account_id, seq DESC);
		CREATE TABLE IF NOT EXISTS %[6]s (
			account_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			reservation_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (account_id, correlation_id)
		);
		CREATE INDEX IF NOT EXISTS %[7]s ON %[6]s (created_at);
	`, s.balances(), s.reservations(), s.transactions(),
		s.ident("reservations_open_deadline"), s.ident("transactions_account_seq"),
		s.correlations(), s.ident("correlations_created"))
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return tokenmeter.StorageError(backend, "ensure schema", err)
	}
	return nil
}

// Reserve holds amount tokens if the account can afford them.
func (s *Store) Reserve(ctx context.Context, accountID string, amount int64, correlationID string, ttl time.Duration) (tokenmeter.Reservation, error) {
	if amount <= 0 {
		return tokenmeter.Reservation{}, fmt.Errorf("%w: reserve %d", tokenmeter.ErrInvalidAmount, amount)
	}

	var res tokenmeter.Reservation
	err := s.inTx(ctx, "reserve", func(tx pgx.Tx) error {
		b, err := s.lockBalance(ctx, tx, accountID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: account=%s available=0 reserved=0 requested=%d",
				tokenmeter.ErrInsufficientBalance, accountID, amount)
		}
		if err != nil {
			return err
		}

		now := s.now().UTC()
		id := uuid.New().String()
		if correlationID != "" {
			// Rolled back with the rest of the transaction if the
			// reservation is refused.
			var claimed bool
			err := tx.QueryRow(ctx,
				fmt.Sprintf(`INSERT INTO %s (account_id, correlation_id, reservation_id, created_at)
					VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING RETURNING true`, s.correlations()),
				accountID, correlationID, id, now,
			).Scan(&claimed)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: account=%s correlation=%s", tokenmeter.ErrDuplicateRequest, accountID, correlationID)
			}
			if err != nil {
				return err
			}
		}

		if !b.Admits(amount) {
			return fmt.Errorf("%w: account=%s available=%d reserved=%d requested=%d",
				tokenmeter.ErrInsufficientBalance, accountID, b.Available, b.Reserved, amount)
		}

		res = tokenmeter.Reservation{
			ID:            id,
			AccountID:     accountID,
			Amount:        amount,
			CorrelationID: correlationID,
			CreatedAt:     now,
			Deadline:      now.Add(ttl),
			State:         tokenmeter.ReservationOpen,
		}
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (id, account_id, amount, correlation_id, state, created_at, deadline)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.reservations()),
			res.ID, accountID, amount, correlationID, string(res.State), res.CreatedAt, res.Deadline,
		)
		if err != nil {
			return err
		}

		b.Reserved += amount
		_, err = s.record(ctx, tx, &b, tokenmeter.Transaction{
			ReservationID: res.ID,
			Kind:          tokenmeter.TxReserve,
			Amount:        amount,
			CorrelationID: correlationID,
		}, now)
		return err
	})
	if err != nil {
		return tokenmeter.Reservation{}, err
	}
	return res, nil
}

// Commit charges usage.Total() and returns the reservation to the pool.
func (s *Store) Commit(ctx context.Context, res tokenmeter.Reservation, usage tokenmeter.Usage) (tokenmeter.Transaction, error) {
	actual := usage.Total()
	if actual < 0 {
		return tokenmeter.Transaction{}, fmt.Errorf("%w: commit %d", tokenmeter.ErrInvalidAmount, actual)
	}
	usage.TotalTokens = actual

	return s.settle(ctx, "commit", res, tokenmeter.ReservationCommitted, nil,
		func(b *tokenmeter.Balance, held int64) tokenmeter.Transaction {
			b.Available -= actual
			b.Used += actual
			return tokenmeter.Transaction{Kind: tokenmeter.TxCommit, Amount: actual, Estimated: held, Usage: usage}
		})
}

// Release returns the reservation to the pool without charging.
func (s *Store) Release(ctx context.Context, res tokenmeter.Reservation) (tokenmeter.Transaction, error) {
	return s.settle(ctx, "release", res, tokenmeter.ReservationReleased, nil,
		func(_ *tokenmeter.Balance, held int64) tokenmeter.Transaction {
			return tokenmeter.Transaction{Kind: tokenmeter.TxRelease, Amount: held}
		})
}

// Expire releases a reservation whose deadline is at or before now.
func (s *Store) Expire(ctx context.Context, res tokenmeter.Reservation, now time.Time) (tokenmeter.Transaction, error) {
	check := func(id string, deadline time.Time) error {
		if deadline.After(now) {
			return fmt.Errorf("%w: reservation=%s deadline=%s", tokenmeter.ErrReservationNotExpired, id, deadline.Format(time.RFC3339Nano))
		}
		return nil
	}
	return s.settle(ctx, "expire", res, tokenmeter.ReservationExpired, check,
		func(_ *tokenmeter.Balance, held int64) tokenmeter.Transaction {
			return tokenmeter.Transaction{Kind: tokenmeter.TxExpire, Amount: held}
		})
}

// settle performs the single OPEN -> terminal transition of a reservation.
func (s *Store) settle(
	ctx context.Context,
	op string,
	res tokenmeter.Reservation,
	to tokenmeter.ReservationState,
	check func(id string, deadline time.Time) error,
	apply func(b *tokenmeter.Balance, held int64) tokenmeter.Transaction,
) (tokenmeter.Transaction, error) {
	var out tokenmeter.Transaction
	err := s.inTx(ctx, op, func(tx pgx.Tx) error {
		b, err := s.lockBalance(ctx, tx, res.AccountID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", tokenmeter.ErrReservationNotFound, res.ID)
		}
		if err != nil {
			return err
		}

		var (
			held          int64
			correlationID string
			state         string
			deadline      time.Time
		)
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT amount, correlation_id, state, deadline FROM %s
				WHERE id = $1 AND account_id = $2 FOR UPDATE`, s.reservations()),
			res.ID, res.AccountID,
		).Scan(&held, &correlationID, &state, &deadline)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", tokenmeter.ErrReservationNotFound, res.ID)
		}
		if err != nil {
			return err
		}
		if state != string(tokenmeter.ReservationOpen) {
			return fmt.Errorf("%w: reservation=%s state=%s", tokenmeter.ErrReservationNotOpen, res.ID, state)
		}
		if check != nil {
			if err := check(res.ID, deadline); err != nil {
				return err
			}
		}

		now := s.now().UTC()
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET state = $2, closed_at = $3 WHERE id = $1`, s.reservations()),
			res.ID, string(to), now,
		)
		if err != nil {
			return err
		}

		t := apply(&b, held)
		b.Reserved -= held
		t.ReservationID = res.ID
		t.CorrelationID = correlationID
		out, err = s.record(ctx, tx, &b, t, now)
		return err
	})
	return out, err
}

// Adjust credits or debits Available. A debit may not exceed Available.
func (s *Store) Adjust(ctx context.Context, accountID string, amount int64, reason string) (tokenmeter.Transaction, error) {
	if amount == 0 {
		return tokenmeter.Transaction{}, fmt.Errorf("%w: adjust by zero", tokenmeter.ErrInvalidAmount)
	}

	var out tokenmeter.Transaction
	err := s.inTx(ctx, "adjust", func(tx pgx.Tx) error {
		now := s.now().UTC()
		if amount > 0 {
			_, err := tx.Exec(ctx,
				fmt.Sprintf(`INSERT INTO %s (account_id, updated_at) VALUES ($1, $2) ON CONFLICT (account_id) DO NOTHING`, s.balances()),
				accountID, now,
			)
			if err != nil {
				return err
			}
		}

		b, err := s.lockBalance(ctx, tx, accountID)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: account=%s available=0 debit=%d", tokenmeter.ErrInsufficientBalance, accountID, -amount)
		}
		if err != nil {
			return err
		}
		if amount < 0 && b.Available+amount < 0 {
			return fmt.Errorf("%w: account=%s available=%d debit=%d",
				tokenmeter.ErrInsufficientBalance, accountID, b.Available, -amount)
		}

		b.Available += amount
		out, err = s.record(ctx, tx, &b, tokenmeter.Transaction{
			Kind:   tokenmeter.TxAdjust,
			Amount: amount,
			Reason: reason,
		}, now)
		return err
	})
	return out, err
}

// Balance returns the account balance; unknown accounts are zero.
func (s *Store) Balance(ctx context.Context, accountID string) (tokenmeter.Balance, error) {
	b := tokenmeter.Balance{AccountID: accountID}
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT available, reserved, used, version, updated_at FROM %s WHERE account_id = $1`, s.balances()),
		accountID,
	).Scan(&b.Available, &b.Reserved, &b.Used, &b.Version, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return tokenmeter.Balance{}, tokenmeter.StorageError(backend, "balance", err)
	}
	return b, nil
}

// History returns transactions newest first.
func (s *Store) History(ctx context.Context, accountID string, page tokenmeter.Page) ([]tokenmeter.Transaction, error) {
	page = page.Normalize()
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, account_id, reservation_id, kind, amount, estimated,
				prompt_tokens, completion_tokens, total_tokens,
				available, reserved, correlation_id, reason, created_at
			FROM %s WHERE account_id = $1 ORDER BY seq DESC OFFSET $2 LIMIT $3`, s.transactions()),
		accountID, page.Offset, page.Limit,
	)
	if err != nil {
		return nil, tokenmeter.StorageError(backend, "history", err)
	}

	txs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tokenmeter.Transaction, error) {
		var (
			t    tokenmeter.Transaction
			kind string
		)
		err := row.Scan(&t.ID, &t.AccountID, &t.ReservationID, &kind, &t.Amount, &t.Estimated,
			&t.Usage.PromptTokens, &t.Usage.CompletionTokens, &t.Usage.TotalTokens,
			&t.Available, &t.Reserved, &t.CorrelationID, &t.Reason, &t.CreatedAt)
		t.Kind = tokenmeter.TxKind(kind)
		return t, err
	})
	if err != nil {
		return nil, tokenmeter.StorageError(backend, "history", err)
	}
	return txs, nil
}

// ExpiredReservations returns OPEN reservations with a deadline at or
// before the given time, earliest deadline first.
func (s *Store) ExpiredReservations(ctx context.Context, before time.Time, limit int) ([]tokenmeter.Reservation, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, account_id, amount, correlation_id, created_at, deadline
			FROM %s WHERE state = 'OPEN' AND deadline <= $1 ORDER BY deadline LIMIT $2`, s.reservations()),
		before, lim,
	)
	if err != nil {
		return nil, tokenmeter.StorageError(backend, "expired reservations", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tokenmeter.Reservation, error) {
		r := tokenmeter.Reservation{State: tokenmeter.ReservationOpen}
		err := row.Scan(&r.ID, &r.AccountID, &r.Amount, &r.CorrelationID, &r.CreatedAt, &r.Deadline)
		return r, err
	})
	if err != nil {
		return nil, tokenmeter.StorageError(backend, "expired reservations", err)
	}
	return out, nil
}

// PruneCorrelations deletes correlation claims made before the given time.
func (s *Store) PruneCorrelations(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, s.correlations()),
		before.UTC(),
	)
	if err != nil {
		return 0, tokenmeter.StorageError(backend, "prune correlations", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) lockBalance(ctx context.Context, tx pgx.Tx, accountID string) (tokenmeter.Balance, error) {
	b := tokenmeter.Balance{AccountID: accountID}
	err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT available, reserved, used, version, updated_at FROM %s WHERE account_id = $1 FOR UPDATE`, s.balances()),
		accountID,
	).Scan(&b.Available, &b.Reserved, &b.Used, &b.Version, &b.UpdatedAt)
	return b, err
}

// record writes the new balance and appends t with the resulting snapshot.
func (s *Store) record(ctx context.Context, tx pgx.Tx, b *tokenmeter.Balance, t tokenmeter.Transaction, now time.Time) (tokenmeter.Transaction, error) {
	err := tx.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET available = $2, reserved = $3, used = $4, version = version + 1, updated_at = $5
			WHERE account_id = $1 RETURNING version`, s.balances()),
		b.AccountID, b.Available, b.Reserved, b.Used, now,
	).Scan(&b.Version)
	if err != nil {
		return tokenmeter.Transaction{}, err
	}
	b.UpdatedAt = now

	t.ID = uuid.New().String()
	t.AccountID = b.AccountID
	t.Available = b.Available
	t.Reserved = b.Reserved
	t.CreatedAt = now
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, account_id, reservation_id, kind, amount, estimated,
				prompt_tokens, completion_tokens, total_tokens,
				available, reserved, correlation_id, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`, s.transactions()),
		t.ID, t.AccountID, t.ReservationID, string(t.Kind), t.Amount, t.Estimated,
		t.Usage.PromptTokens, t.Usage.CompletionTokens, t.Usage.TotalTokens,
		t.Available, t.Reserved, t.CorrelationID, t.Reason, t.CreatedAt,
	)
	if err != nil {
		return tokenmeter.Transaction{}, err
	}
	return t, nil
}

// inTx runs fn in a transaction. Ledger errors pass through unchanged; any
// other failure is reported as ErrStorageUnavailable.
func (s *Store) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return tokenmeter.StorageError(backend, op+": begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		if isLedgerError(err) {
			return err
		}
		return tokenmeter.StorageError(backend, op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return tokenmeter.StorageError(backend, op+": commit", err)
	}
	return nil
}

func isLedgerError(err error) bool {
	for _, target := range []error{
		tokenmeter.ErrInsufficientBalance,
		tokenmeter.ErrInvalidAmount,
		tokenmeter.ErrReservationNotFound,
		tokenmeter.ErrReservationNotOpen,
		tokenmeter.ErrReservationNotExpired,
		tokenmeter.ErrDuplicateRequest,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
