package tokenmeter

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sweeper expires reservations left OPEN past their deadline, typically
// because the process that made them crashed before settling.
//
// Several sweepers may run against the same ledger: a reservation that left
// OPEN between scan and expiry is skipped.
type Sweeper struct {
	ledger Ledger
	cfg    SweeperConfig
	meter  Meter
	logger *slog.Logger
	now    func() time.Time
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperMeter sets the meter notified of expiries.
func WithSweeperMeter(m Meter) SweeperOption {
	return func(s *Sweeper) { s.meter = m }
}

// WithSweeperLogger sets the logger.
func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// WithSweeperClock sets the clock used to decide what has expired.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a Sweeper. Zero config values take their defaults.
func NewSweeper(ledger Ledger, cfg SweeperConfig, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		ledger: ledger,
		cfg:    cfg.WithDefaults(),
		meter:  noopMeter{},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps every interval until ctx is cancelled. A failed pass is logged
// and retried with exponential backoff capped at MaxBackoff.
func (s *Sweeper) Run(ctx context.Context) error {
	wait := s.cfg.Interval
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		n, err := s.SweepOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait = min(wait*2, s.cfg.MaxBackoff)
			s.logger.Error("sweep failed", "error", err, "retry_in", wait)
			continue
		}
		wait = s.cfg.Interval
		if n > 0 {
			s.logger.Info("sweep expired reservations", "count", n)
		}
	}
}

// SweepOnce expires every reservation whose deadline passed more than Grace
// ago, in batches, then prunes correlation ids older than
// CorrelationRetention. It returns how many reservations it expired.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	n, err := s.expireAll(ctx, now.Add(-*s.cfg.Grace))
	if err != nil {
		return n, err
	}

	pruned, err := s.ledger.PruneCorrelations(ctx, now.Add(-s.cfg.CorrelationRetention))
	if err != nil {
		return n, err
	}
	if pruned > 0 {
		s.logger.Debug("pruned correlation ids", "count", pruned)
	}
	return n, nil
}

func (s *Sweeper) expireAll(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for {
		batch, err := s.ledger.ExpiredReservations(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		n, err := s.expireBatch(ctx, batch, cutoff)
		total += n
		if err != nil {
			return total, err
		}
		// Every reservation in a short batch was handled; anything left was
		// settled concurrently and will not be returned again.
		if len(batch) < s.cfg.BatchSize || n == 0 {
			return total, nil
		}
	}
}

func (s *Sweeper) expireBatch(ctx context.Context, batch []Reservation, cutoff time.Time) (int, error) {
	var expired atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, res := range batch {
		g.Go(func() error {
			tx, err := s.ledger.Expire(gctx, res, cutoff)
			switch {
			case err == nil:
			case errors.Is(err, ErrReservationNotOpen), errors.Is(err, ErrReservationNotFound):
				return nil
			case errors.Is(err, ErrReservationNotExpired):
				return nil
			default:
				s.logger.Error("expire failed",
					"account", res.AccountID,
					"correlation_id", res.CorrelationID,
					"reservation_id", res.ID,
					"error", err,
				)
				return err
			}

			expired.Add(1)
			s.logger.Warn("reservation expired",
				"account", res.AccountID,
				"correlation_id", res.CorrelationID,
				"reservation_id", res.ID,
				"amount", res.Amount,
				"deadline", res.Deadline,
			)
			s.meter.OnExpire(ExpireEvent{
				Reservation:   res,
				TransactionID: tx.ID,
				Available:     tx.Available,
				Reserved:      tx.Reserved,
			})
			return nil
		})
	}

	err := g.Wait()
	return int(expired.Load()), err
}
