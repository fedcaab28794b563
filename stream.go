package tokenmeter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// State is the orchestrator state of a metered request.
type State string

const (
	StatePendingReserve State = "PENDING_RESERVE"
	StateStreaming      State = "STREAMING"
	StateCommitting     State = "COMMITTING"
	StateReleasing      State = "RELEASING"
	StateDone           State = "DONE"
)

// MeteredStream forwards upstream chunks to the caller and settles the
// reservation when the upstream stream ends.
//
// A background goroutine drives the upstream; it never holds a ledger lock
// while waiting for a chunk. Next returns io.EOF after a clean, settled
// finish, or the terminal error otherwise. Close stops the upstream early;
// the accumulated usage is still settled before Close returns.
type MeteredStream struct {
	r         *Router
	res       Reservation
	candidate Candidate
	inner     ProviderStream
	cancel    context.CancelFunc
	tally     Tally
	start     time.Time

	chunks   chan StreamChunk
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	state   State
	outcome Outcome
}

func newMeteredStream(r *Router, res Reservation, c Candidate, inner ProviderStream, cancel context.CancelFunc, promptTokens int64) *MeteredStream {
	return &MeteredStream{
		r:         r,
		res:       res,
		candidate: c,
		inner:     inner,
		cancel:    cancel,
		tally:     Tally{PromptTokens: promptTokens},
		start:     time.Now(),
		chunks:    make(chan StreamChunk),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateStreaming,
	}
}

// Next returns the next chunk. It returns io.EOF once the stream ended
// cleanly and was committed, or the terminal error otherwise.
func (s *MeteredStream) Next() (StreamChunk, error) {
	chunk, ok := <-s.chunks
	if ok {
		return chunk, nil
	}

	s.mu.Lock()
	err := s.outcome.Err
	s.mu.Unlock()
	if err != nil {
		return StreamChunk{}, err
	}
	return StreamChunk{}, io.EOF
}

// Close stops the upstream if it is still running and waits for settlement.
// It returns an error only if the ledger could not be settled.
//
// The charge covers everything the upstream produced before the stop, which
// includes a chunk already pulled from the upstream but not yet read by the
// caller. Only a stream that produced nothing is released.
func (s *MeteredStream) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.cancel()
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome.Kind == "" {
		return s.outcome.Err
	}
	return nil
}

// Done is closed once the reservation has been settled (or settlement failed).
func (s *MeteredStream) Done() <-chan struct{} { return s.done }

// Outcome returns the settlement result. ok is false until Done is closed.
func (s *MeteredStream) Outcome() (out Outcome, ok bool) {
	select {
	case <-s.done:
	default:
		return Outcome{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, true
}

// State returns the current orchestrator state.
func (s *MeteredStream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReservationID returns the id of the reservation backing this stream.
func (s *MeteredStream) ReservationID() string { return s.res.ID }

func (s *MeteredStream) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *MeteredStream) run(ctx context.Context) {
	pumpErr := s.pump(ctx)
	s.cancel()
	_ = s.inner.Close()

	complete, streamErr := s.classify(ctx, pumpErr)
	out := s.reconcile(ctx, complete, streamErr)

	s.mu.Lock()
	s.outcome = out
	s.state = StateDone
	s.mu.Unlock()

	// Settled before the caller can observe the end of the stream.
	close(s.done)
	close(s.chunks)
}

// pump moves chunks from the upstream to the caller until the upstream ends,
// fails, or the caller goes away.
func (s *MeteredStream) pump(ctx context.Context) error {
	for {
		chunk, err := s.inner.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		// Counted before delivery: the upstream has produced it either way.
		s.tally.Observe(s.r.counter, s.candidate.Model, chunk)

		select {
		case s.chunks <- chunk:
		case <-s.stop:
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// classify maps the pump result to (clean end, error for the caller).
func (s *MeteredStream) classify(ctx context.Context, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	select {
	case <-s.stop:
		return false, context.Canceled
	default:
	}
	if !errors.Is(err, ErrProviderTransport) {
		err = fmt.Errorf("%w: %w", ErrProviderTransport, err)
	}
	return false, err
}

func (s *MeteredStream) reconcile(ctx context.Context, complete bool, streamErr error) Outcome {
	r := s.r
	out := Outcome{
		CorrelationID: s.res.CorrelationID,
		AccountID:     s.res.AccountID,
		ReservationID: s.res.ID,
		Provider:      s.candidate.Provider.Name(),
		Model:         s.candidate.Model,
		Estimated:     s.res.Amount,
	}

	switch {
	case complete:
		r.health.RecordSuccess(s.candidate.UpstreamID)
	case errors.Is(streamErr, ErrProviderTransport):
		r.health.RecordFailure(s.candidate.UpstreamID)
	}

	var (
		tx   Transaction
		err  error
		kind TxKind
	)
	if complete || s.tally.Emitted() {
		kind = TxCommit
		s.setState(StateCommitting)
		out.Usage = FinalizeUsage(s.tally, r.cfg.Metering.UsagePolicy, complete)
		tx, err = r.settle(ctx, s.res.CorrelationID, func(ctx context.Context) (Transaction, error) {
			return r.ledger.Commit(ctx, s.res, out.Usage)
		})
	} else {
		kind = TxRelease
		s.setState(StateReleasing)
		tx, err = r.settle(ctx, s.res.CorrelationID, func(ctx context.Context) (Transaction, error) {
			return r.ledger.Release(ctx, s.res)
		})
	}
	out.Duration = time.Since(s.start)

	var settleErr error
	if err != nil {
		r.logSettleFailure(s.res, kind, err)
		// The ledger issued this reservation, so a missing one was settled
		// elsewhere and then evicted.
		if errors.Is(err, ErrReservationNotOpen) || errors.Is(err, ErrReservationNotFound) {
			err = fmt.Errorf("%w: %w", ErrConsistencyFault, err)
		}
		stage := StateCommitting
		if kind == TxRelease {
			stage = StateReleasing
		}
		settleErr = &MeterError{
			Err:           err,
			Stage:         stage,
			AccountID:     s.res.AccountID,
			CorrelationID: s.res.CorrelationID,
			ReservationID: s.res.ID,
			Provider:      out.Provider,
			Model:         out.Model,
			Attempts:      1,
		}
	} else {
		out.Kind = kind
		out.TransactionID = tx.ID
		if kind == TxCommit {
			out.Charged = tx.Amount
		}
	}

	if streamErr != nil && !errors.Is(streamErr, context.Canceled) && !errors.Is(streamErr, context.DeadlineExceeded) {
		streamErr = &MeterError{
			Err:           streamErr,
			Stage:         StateStreaming,
			AccountID:     s.res.AccountID,
			CorrelationID: s.res.CorrelationID,
			ReservationID: s.res.ID,
			Provider:      out.Provider,
			Model:         out.Model,
			Attempts:      1,
		}
	}
	out.Err = errors.Join(streamErr, settleErr)

	r.meter.OnResult(ResultEvent{
		Provider:      out.Provider,
		UpstreamID:    s.candidate.UpstreamID,
		Model:         out.Model,
		AccountID:     out.AccountID,
		CorrelationID: out.CorrelationID,
		ReservationID: out.ReservationID,
		TransactionID: out.TransactionID,
		Kind:          out.Kind,
		Success:       out.Err == nil,
		Duration:      out.Duration,
		Estimated:     out.Estimated,
		Usage:         out.Usage,
		Charged:       out.Charged,
		Available:     tx.Available,
		Error:         out.Err,
	})

	return out
}
