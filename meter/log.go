package meter

import (
	"log/slog"

	"github.com/ineyio/tokenmeter"
)

// LogMeter logs metering events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ tokenmeter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnRoute(e tokenmeter.RouteEvent) {
	m.Logger.Info("route",
		"provider", e.Provider,
		"upstream", e.UpstreamID,
		"account", e.AccountID,
		"correlation_id", e.CorrelationID,
		"reservation_id", e.ReservationID,
		"model", e.Model,
		"attempt", e.AttemptNum,
		"estimated_tokens", e.Estimated,
	)
}

func (m *LogMeter) OnReject(e tokenmeter.RejectEvent) {
	m.Logger.Info("reject",
		"account", e.AccountID,
		"correlation_id", e.CorrelationID,
		"model", e.Model,
		"estimated_tokens", e.Estimated,
		"error", e.Error,
	)
}

func (m *LogMeter) OnResult(e tokenmeter.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"provider", e.Provider,
			"account", e.AccountID,
			"correlation_id", e.CorrelationID,
			"model", e.Model,
			"kind", e.Kind,
			"duration_ms", e.Duration.Milliseconds(),
			"estimated_tokens", e.Estimated,
			"prompt_tokens", e.Usage.PromptTokens,
			"completion_tokens", e.Usage.CompletionTokens,
			"charged", e.Charged,
			"available", e.Available,
		)
		return
	}
	m.Logger.Warn("result_error",
		"provider", e.Provider,
		"account", e.AccountID,
		"correlation_id", e.CorrelationID,
		"model", e.Model,
		"kind", e.Kind,
		"duration_ms", e.Duration.Milliseconds(),
		"charged", e.Charged,
		"error", e.Error,
	)
}

func (m *LogMeter) OnExpire(e tokenmeter.ExpireEvent) {
	m.Logger.Warn("expire",
		"account", e.Reservation.AccountID,
		"correlation_id", e.Reservation.CorrelationID,
		"reservation_id", e.Reservation.ID,
		"amount", e.Reservation.Amount,
		"available", e.Available,
		"reserved", e.Reserved,
	)
}
