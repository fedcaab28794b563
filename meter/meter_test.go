package meter_test

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tokenmeter"
	"github.com/ineyio/tokenmeter/meter"
)

// value returns the sum of all samples of the named metric whose labels
// include every given pair.
func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var sum float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				sum += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return sum
}

func TestPromMeter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := meter.NewPromMeter(reg)

	m.OnRoute(tokenmeter.RouteEvent{Provider: "openai", Model: "gpt"})
	m.OnRoute(tokenmeter.RouteEvent{Provider: "openai", Model: "gpt"})
	m.OnReject(tokenmeter.RejectEvent{Model: "gpt", Error: tokenmeter.ErrInsufficientBalance})
	m.OnReject(tokenmeter.RejectEvent{Model: "gpt", Error: errors.New("boom")})
	m.OnReject(tokenmeter.RejectEvent{Model: "gpt", Error: tokenmeter.ErrDuplicateRequest})
	m.OnResult(tokenmeter.ResultEvent{
		Provider:  "openai",
		Model:     "gpt",
		Kind:      tokenmeter.TxCommit,
		Success:   true,
		Duration:  time.Second,
		Estimated: 100,
		Usage:     tokenmeter.Usage{PromptTokens: 40, CompletionTokens: 80, TotalTokens: 120},
		Charged:   120,
	})
	m.OnResult(tokenmeter.ResultEvent{Provider: "openai", Model: "gpt", Kind: tokenmeter.TxRelease})
	m.OnExpire(tokenmeter.ExpireEvent{Reservation: tokenmeter.Reservation{Amount: 50}})

	assert.Equal(t, 2.0, value(t, reg, "tokenmeter_routes_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "tokenmeter_rejects_total", map[string]string{"reason": "insufficient_balance"}))
	assert.Equal(t, 1.0, value(t, reg, "tokenmeter_rejects_total", map[string]string{"reason": "other"}))
	assert.Equal(t, 1.0, value(t, reg, "tokenmeter_rejects_total", map[string]string{"reason": "duplicate"}))
	assert.Equal(t, 1.0, value(t, reg, "tokenmeter_results_total", map[string]string{"kind": "commit", "outcome": "success"}))
	assert.Equal(t, 1.0, value(t, reg, "tokenmeter_results_total", map[string]string{"kind": "release", "outcome": "error"}))
	assert.Equal(t, 120.0, value(t, reg, "tokenmeter_tokens_total", map[string]string{"type": "charged"}))
	assert.Equal(t, 40.0, value(t, reg, "tokenmeter_tokens_total", map[string]string{"type": "prompt"}))
	assert.Equal(t, 20.0, value(t, reg, "tokenmeter_overrun_tokens_total", nil))
	assert.Equal(t, 2.0, value(t, reg, "tokenmeter_stream_duration_seconds", nil))
	assert.Equal(t, 1.0, value(t, reg, "tokenmeter_sweeper_expired_reservations_total", nil))
	assert.Equal(t, 50.0, value(t, reg, "tokenmeter_sweeper_expired_tokens_total", nil))
}

func TestLogMeter(t *testing.T) {
	var buf bytes.Buffer
	m := meter.NewLogMeter(slog.New(slog.NewJSONHandler(&buf, nil)))

	m.OnResult(tokenmeter.ResultEvent{Provider: "p", CorrelationID: "corr-7", Kind: tokenmeter.TxCommit, Success: true, Charged: 12})
	m.OnResult(tokenmeter.ResultEvent{Provider: "p", CorrelationID: "corr-8", Error: errors.New("upstream reset")})
	m.OnExpire(tokenmeter.ExpireEvent{Reservation: tokenmeter.Reservation{ID: "res-1", CorrelationID: "corr-9"}})

	out := buf.String()
	assert.Contains(t, out, `"msg":"result"`)
	assert.Contains(t, out, `"correlation_id":"corr-7"`)
	assert.Contains(t, out, `"msg":"result_error"`)
	assert.Contains(t, out, `"error":"upstream reset"`)
	assert.Contains(t, out, `"reservation_id":"res-1"`)
}

func TestMulti(t *testing.T) {
	reg := prometheus.NewRegistry()
	var buf bytes.Buffer
	m := meter.Multi{meter.NewPromMeter(reg), meter.NewLogMeter(slog.New(slog.NewTextHandler(&buf, nil))), &meter.NoopMeter{}}

	m.OnRoute(tokenmeter.RouteEvent{Provider: "gemini", Model: "flash"})

	assert.Equal(t, 1.0, value(t, reg, "tokenmeter_routes_total", map[string]string{"provider": "gemini"}))
	assert.Contains(t, buf.String(), "provider=gemini")
}
