package tokenmeter

import "time"

// Meter observes metering events for monitoring/logging.
// Implementations must be safe for concurrent use and must not block.
type Meter interface {
	// OnRoute is called when a reserved request is sent to an upstream.
	OnRoute(event RouteEvent)

	// OnReject is called when a reservation is refused.
	OnReject(event RejectEvent)

	// OnResult is called once a stream has been settled in the ledger.
	OnResult(event ResultEvent)

	// OnExpire is called when the sweeper expires an abandoned reservation.
	OnExpire(event ExpireEvent)
}

// RouteEvent describes a routing decision.
type RouteEvent struct {
	Provider      string
	UpstreamID    string
	Model         string
	AccountID     string
	CorrelationID string
	ReservationID string
	AttemptNum    int
	Estimated     int64
}

// RejectEvent describes a refused reservation.
type RejectEvent struct {
	AccountID     string
	CorrelationID string
	Model         string
	Estimated     int64
	Error         error
}

// ResultEvent describes how a stream ended and was settled.
type ResultEvent struct {
	Provider      string
	UpstreamID    string
	Model         string
	AccountID     string
	CorrelationID string
	ReservationID string
	TransactionID string
	Kind          TxKind
	Success       bool
	Duration      time.Duration
	Estimated     int64
	Usage         Usage
	Charged       int64
	Available     int64 // balance after settlement
	Error         error
}

// ExpireEvent describes a sweeper expiry.
type ExpireEvent struct {
	Reservation   Reservation
	TransactionID string
	Available     int64
	Reserved      int64
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnRoute(RouteEvent)   {}
func (noopMeter) OnReject(RejectEvent) {}
func (noopMeter) OnResult(ResultEvent) {}
func (noopMeter) OnExpire(ExpireEvent) {}
