package tokenmeter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// settleBackoff is the first delay between settlement retries.
var settleBackoff = 50 * time.Millisecond

// Router meters chat requests against the ledger and routes them to upstreams.
type Router struct {
	cfg       Config
	providers map[string]Provider
	ledger    Ledger
	counter   Counter
	policy    Policy
	meter     Meter
	health    *HealthTracker
	logger    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithPolicy sets the routing policy.
func WithPolicy(p Policy) Option {
	return func(r *Router) { r.policy = p }
}

// WithCounter sets the token counter.
func WithCounter(c Counter) Option {
	return func(r *Router) { r.counter = c }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(r *Router) { r.meter = m }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(r *Router) { r.health = h }
}

// WithLogger sets the logger used for ledger faults.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a new Router over the given ledger and providers.
// Defaults (config order, HeuristicCounter, no-op meter, slog.Default) are
// used unless overridden via options.
func NewRouter(cfg Config, ledger Ledger, providers []Provider, opts ...Option) (*Router, error) {
	if ledger == nil {
		return nil, fmt.Errorf("tokenmeter: a ledger is required")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("tokenmeter: at least one provider is required")
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	provMap := make(map[string]Provider, len(providers))
	for _, p := range providers {
		provMap[p.Name()] = p
	}

	r := &Router{
		cfg:       cfg,
		providers: provMap,
		ledger:    ledger,
		health:    NewHealthTracker(),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.policy == nil {
		r.policy = configOrderPolicy{}
	}
	if r.counter == nil {
		r.counter = HeuristicCounter{}
	}
	if r.meter == nil {
		r.meter = noopMeter{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}

	return r, nil
}

// Ledger returns the router's ledger.
func (r *Router) Ledger() Ledger { return r.ledger }

// Estimate returns the amount MeterAndStream would reserve for req.
func (r *Router) Estimate(req Request) int64 {
	prompt, completion := r.estimate(req)
	return prompt + completion
}

// estimate splits the reservation into the prompt count and the
// completion allowance.
func (r *Router) estimate(req Request) (prompt, completion int64) {
	completion = r.cfg.Metering.CompletionReserve
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		completion = int64(*req.MaxTokens)
	}
	return r.counter.CountMessages(r.model(req), req.Messages), completion
}

func (r *Router) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return r.cfg.DefaultModel
}

// MeterAndStream reserves the estimated cost of req, opens an upstream stream
// and returns it. The returned stream settles the reservation exactly once,
// whether it ends cleanly, fails mid-flight or is abandoned by the caller.
//
// A request repeating an earlier CorrelationID for the same account fails
// with ErrDuplicateRequest without reaching a provider.
//
// Errors returned here happen before any upstream produced output; the
// reservation, if one was made, has already been released.
func (r *Router) MeterAndStream(ctx context.Context, req Request) (*MeteredStream, error) {
	model := r.model(req)
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	accountID := req.Identity.AccountID

	fail := func(err error) error {
		return &MeterError{
			Err:           err,
			Stage:         StatePendingReserve,
			AccountID:     accountID,
			CorrelationID: correlationID,
			Model:         model,
		}
	}

	switch {
	case accountID == "":
		return nil, fail(fmt.Errorf("%w: account id is required", ErrInvalidRequest))
	case !req.Identity.Entitled:
		return nil, fail(ErrNotEntitled)
	case model == "":
		return nil, fail(ErrModelNotFound)
	case len(req.Messages) == 0:
		return nil, fail(fmt.Errorf("%w: at least one message is required", ErrInvalidRequest))
	}

	promptTokens, completionTokens := r.estimate(req)
	estimated := promptTokens + completionTokens

	candidates := buildCandidates(r.cfg, r.providers, r.health, model, promptTokens, completionTokens)
	if len(candidates) == 0 {
		return nil, fail(ErrNoCandidates)
	}
	ordered := r.policy.Select(candidates)

	res, err := r.ledger.Reserve(ctx, accountID, estimated, correlationID, r.cfg.Metering.ReservationTTL)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrDuplicateRequest) {
			r.meter.OnReject(RejectEvent{
				AccountID:     accountID,
				CorrelationID: correlationID,
				Model:         model,
				Estimated:     estimated,
				Error:         err,
			})
		} else {
			r.logger.Error("reserve failed",
				"account", accountID,
				"correlation_id", correlationID,
				"estimated", estimated,
				"error", err,
			)
		}
		return nil, fail(err)
	}

	var lastErr error
	attempts := 0
	for i, c := range ordered {
		attempts = i + 1
		r.meter.OnRoute(RouteEvent{
			Provider:      c.Provider.Name(),
			UpstreamID:    c.UpstreamID,
			Model:         c.Model,
			AccountID:     accountID,
			CorrelationID: correlationID,
			ReservationID: res.ID,
			AttemptNum:    attempts,
			Estimated:     estimated,
		})

		provReq := ProviderRequest{
			Auth:        c.Auth,
			Model:       c.Model,
			Messages:    req.Messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			TopP:        req.TopP,
			Stop:        req.Stop,
		}

		pctx, cancel := context.WithCancel(ctx)
		inner, err := c.Provider.ChatCompletionStream(pctx, provReq)
		if err != nil {
			cancel()
			r.health.RecordFailure(c.UpstreamID)
			lastErr = err
			if IsFatal(err) || ctx.Err() != nil {
				break
			}
			continue
		}

		s := newMeteredStream(r, res, c, inner, cancel, r.counter.CountMessages(c.Model, req.Messages))
		go s.run(ctx)
		return s, nil
	}

	// Nothing was generated: hand the reservation back.
	tx, relErr := r.settle(ctx, correlationID, func(ctx context.Context) (Transaction, error) {
		return r.ledger.Release(ctx, res)
	})
	if relErr != nil {
		r.logSettleFailure(res, TxRelease, relErr)
	}
	r.meter.OnResult(ResultEvent{
		Model:         model,
		AccountID:     accountID,
		CorrelationID: correlationID,
		ReservationID: res.ID,
		TransactionID: tx.ID,
		Kind:          TxRelease,
		Estimated:     estimated,
		Available:     tx.Available,
		Error:         lastErr,
	})

	if lastErr == nil || !IsFatal(lastErr) {
		lastErr = errors.Join(ErrAllFailed, lastErr)
	}
	return nil, &MeterError{
		Err:           errors.Join(lastErr, relErr),
		Stage:         StatePendingReserve,
		AccountID:     accountID,
		CorrelationID: correlationID,
		ReservationID: res.ID,
		Model:         model,
		Attempts:      attempts,
	}
}

// AdjustBalance credits (amount > 0) or debits (amount < 0) an account
// outside the reservation flow and returns the transaction id.
func (r *Router) AdjustBalance(ctx context.Context, accountID string, amount int64, reason string) (string, error) {
	if accountID == "" {
		return "", fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}
	tx, err := r.ledger.Adjust(ctx, accountID, amount, reason)
	if err != nil {
		return "", err
	}
	r.logger.Info("balance adjusted",
		"account", accountID,
		"amount", amount,
		"reason", reason,
		"available", tx.Available,
		"transaction_id", tx.ID,
	)
	return tx.ID, nil
}

// Balance returns an account's current balance, including the lifetime
// count of committed tokens.
func (r *Router) Balance(ctx context.Context, accountID string) (Balance, error) {
	return r.ledger.Balance(ctx, accountID)
}

// History returns an account's transactions, newest first.
func (r *Router) History(ctx context.Context, accountID string, page Page) ([]Transaction, error) {
	return r.ledger.History(ctx, accountID, page.Normalize())
}

// settle runs a terminal ledger operation detached from the caller's
// cancellation, retrying while storage is unavailable.
func (r *Router) settle(ctx context.Context, correlationID string, op func(context.Context) (Transaction, error)) (Transaction, error) {
	base := context.WithoutCancel(ctx)
	delay := settleBackoff

	var lastErr error
	for attempt := 0; attempt <= *r.cfg.Metering.CommitRetries; attempt++ {
		if attempt > 0 {
			r.logger.Warn("retrying settlement",
				"correlation_id", correlationID,
				"attempt", attempt,
				"error", lastErr,
			)
			time.Sleep(delay)
			delay *= 2
		}

		actx, cancel := context.WithTimeout(base, r.cfg.Metering.LedgerTimeout)
		tx, err := op(actx)
		cancel()
		if err == nil {
			return tx, nil
		}
		lastErr = err
		if !errors.Is(err, ErrStorageUnavailable) {
			break
		}
	}
	return Transaction{}, lastErr
}

func (r *Router) logSettleFailure(res Reservation, kind TxKind, err error) {
	msg := "settlement failed, manual reconciliation required"
	if errors.Is(err, ErrReservationNotOpen) {
		msg = "ledger consistency fault"
	}
	r.logger.Error(msg,
		"kind", kind,
		"account", res.AccountID,
		"correlation_id", res.CorrelationID,
		"reservation_id", res.ID,
		"reserved", res.Amount,
		"error", err,
	)
}
