package tokenmeter_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tm "github.com/ineyio/tokenmeter"
	"github.com/ineyio/tokenmeter/ledger"
	"github.com/ineyio/tokenmeter/meter"
	"github.com/ineyio/tokenmeter/policy"
	"github.com/ineyio/tokenmeter/provider/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordCounter charges one token per whitespace-separated word of output and
// nothing for the prompt, so expected balances are easy to read.
type wordCounter struct{}

func (wordCounter) CountMessages(string, []tm.Message) int64 { return 0 }

func (wordCounter) CountText(_ string, text string) int64 {
	return int64(len(strings.Fields(text)))
}

func words(n int) string {
	return strings.Repeat("w ", n)
}

// hookLedger lets a test interfere with settlement.
type hookLedger struct {
	tm.Ledger
	beforeCommit func(ctx context.Context, res tm.Reservation) error
	commits      atomic.Int32
}

func (l *hookLedger) Commit(ctx context.Context, res tm.Reservation, usage tm.Usage) (tm.Transaction, error) {
	l.commits.Add(1)
	if l.beforeCommit != nil {
		if err := l.beforeCommit(ctx, res); err != nil {
			return tm.Transaction{}, err
		}
	}
	return l.Ledger.Commit(ctx, res, usage)
}

func testConfig(upstreams ...tm.UpstreamConfig) tm.Config {
	if len(upstreams) == 0 {
		upstreams = []tm.UpstreamConfig{{Provider: "mock", ID: "mock-1"}}
	}
	return tm.Config{
		DefaultModel: "mock-model",
		Upstreams:    upstreams,
		Metering:     tm.MeteringConfig{CompletionReserve: 100},
	}
}

func newTestRouter(t *testing.T, cfg tm.Config, l tm.Ledger, providers ...tm.Provider) *tm.Router {
	t.Helper()
	r, err := tm.NewRouter(cfg, l, providers,
		tm.WithCounter(wordCounter{}),
		tm.WithPolicy(&policy.HealthyFirstPolicy{}),
		tm.WithMeter(&meter.NoopMeter{}),
	)
	require.NoError(t, err)
	return r
}

func fund(t *testing.T, l tm.Ledger, accountID string, amount int64) {
	t.Helper()
	_, err := l.Adjust(context.Background(), accountID, amount, "test funding")
	require.NoError(t, err)
}

func request(accountID string) tm.Request {
	return tm.Request{
		Identity: tm.Identity{AccountID: accountID, Entitled: true},
		Messages: []tm.Message{{Role: "user", Content: "hello"}},
	}
}

// drain reads the stream to its end and returns the forwarded text.
func drain(t *testing.T, s *tm.MeteredStream) (string, error) {
	t.Helper()
	var b strings.Builder
	for {
		chunk, err := s.Next()
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(chunk.Content)
	}
}

func balance(t *testing.T, l tm.Ledger, accountID string) tm.Balance {
	t.Helper()
	b, err := l.Balance(context.Background(), accountID)
	require.NoError(t, err)
	return b
}

func TestStream_CommitsTalliedUsage(t *testing.T) {
	l := ledger.NewMemoryLedger()
	fund(t, l, "acct", 1000)
	prov := mock.New(mock.WithChunks(words(40), words(40)), mock.WithoutUsage())
	r := newTestRouter(t, testConfig(), l, prov)

	s, err := r.MeterAndStream(context.Background(), request("acct"))
	require.NoError(t, err)

	text, err := drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, words(80), text)
	require.NoError(t, s.Close())

	b := balance(t, l, "acct")
	assert.Equal(t, int64(920), b.Available)
	assert.Equal(t, int64(0), b.Reserved)

	out, ok := s.Outcome()
	require.True(t, ok)
	assert.Equal(t, tm.TxCommit, out.Kind)
	assert.Equal(t, int64(100), out.Estimated)
	assert.Equal(t, int64(80), out.Charged)
	assert.Equal(t, tm.StateDone, s.State())

	txs, err := l.History(context.Background(), "acct", tm.Page{})
	require.NoError(t, err)
	require.NotEmpty(t, txs)
	assert.Equal(t, tm.TxCommit, txs[0].Kind)
	assert.Equal(t, int64(80), txs[0].Amount)
}

func TestStream_ProviderUsageWinsOnCleanEnd(t *testing.T) {
	l := ledger.NewMemoryLedger()
	fund(t, l, "acct", 1000)
	prov := mock.New(mock.WithChunks(words(5)), mock.WithUsage(tm.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15}))
	r := newTestRouter(t, testConfig(), l, prov)

	s, err := r.MeterAndStream(context.Background(), request("acct"))
	require.NoError(t, err)
	_, err = drain(t, s)
	require.NoError(t, err)

	assert.Equal(t, int64(985), balance(t, l, "acct").Available)
}

func TestStream_TransportFailureCommitsEmittedTokens(t *testing.T) {
	l := ledger.NewMemoryLedger()
	fund(t, l, "acct", 1000)
	prov := mock.New(
		mock.WithChunks(words(10), words(10), words(10), words(10)),
		mock.WithStreamError(3, errors.New("connection reset")),
	)
	r := newTestRouter(t, testConfig(), l, prov)

	s, err := r.MeterAndStream(context.Background(), request("acct"))
	require.NoError(t, err)

	text, err := drain(t, s)
	assert.Equal(t, words(30), text)
	assert.ErrorIs(t, err, tm.ErrProviderTransport)

	var me *tm.MeterError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, tm.StateStreaming, me.Stage)
	assert.Equal(t, "acct", me.AccountID)

	b := balance(t, l, "acct")
	assert.Equal(t, int64(970), b.Available)
	assert.Equal(t, int64(0), b.Reserved)

	// The stream error is the caller's; settlement itself succeeded.
	assert.NoError(t, s.Close())
	out, _ := s.Outcome()
	assert.Equal(t, int64(30), out.Charged)
	assert.Equal(t, int64(1), prov.CloseCount())
}

func TestStream_FailureBeforeOutputReleases(t *testing.T) {
	l := ledger.NewMemoryLedger()
	fund(t, l, "acct", 1000)
	prov := mock.New(mock.WithStreamError(0, errors.New("connection reset")))
	r := newTestRouter(t, testConfig(), l, prov)

	s, err := r.MeterAndStream(context.Background(), request("acct"))
	require.NoError(t, err)

	_, err = drain(t, s)
	assert.ErrorIs(t, err, tm.ErrProviderTransport)

	b := balance(t, l, "acct")
	assert.Equal(t, int64(1000), b.Available)
	assert.Equal(t, int64(0), b.Reserved)

	out, _ := s.Outcome()
	assert.Equal(t, tm.TxRelease, out.Kind)
	assert.Equal(t, int64(0), out.Charged)
}

func TestStream_InsufficientBalanceNeverCallsProvider(t *testing.T) {
	l := ledger.NewMemoryLedger()
	fund(t, l, "acct", 50)
	prov := mock.New()
	r := newTestRouter(t, testConfig(), l, prov)

	_, err := r.MeterAndStream(context.Background(), request("acct"))
	require.Error(t, err)
	assert.ErrorIs(t, err, tm.ErrInsufficientBalance)

	var me *tm.MeterError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, tm.StatePendingReserve, me.Stage)
	assert.Empty(t, me.ReservationID)

	assert.Equal(t, int64(0), prov.CallCount())
	assert.Equal(t, int64(50), balance(t, l, "acct").Available)
}

func TestStream_MaxTokensSetsTheReservation(t *testing.T) {
	l := ledger.NewMemoryLedger()
	fund(t, l, "acct", 50)
	prov := mock.New(mock.WithChunks(words(3)), mock.WithoutUsage())
	r := newTestRouter(t, testConfig(), l, prov)

	req := request("acct")
	req.MaxTokens = tm.IntPtr(40)
	assert.Equal(t, int64(40), r.Estimate(req))

	s, err := r.MeterAndStream(context.Background(), req)
	require.NoError(t, err)
	_, err = drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, int64(47), balance(t, l, "acct").Available)
	assert.Equal(t, 40, *prov.LastRequest().MaxTokens)
}

func TestStream_RejectsUnentitledAndEmptyRequests(t *testing.T) {
	l := ledger.NewMemoryLedger()
	fund(t, l, "acct", 1000)
	prov := mock.New()
	r := newTestRouter(t, testConfig(), l, prov)

	req := request("acct")
	req.Identity.Entitled = false
	_, err := r.MeterAndStream(context.Background(), req)
	assert.ErrorIs(t, err, tm.ErrNotEntitled)

	req = request("")
	_, err = r.MeterAndStream(context.Background(), req)
	assert.ErrorIs(t, err, tm.ErrInvalidRequest)

	req = request("acct")
	req.Messages = nil
	_, err = r.MeterAndStream(context.Background(), req)
	assert.ErrorIs(t, err, tm.ErrInvalidRequest)

	req = request("acct")
	req.Model = "unknown-model"
	_, err = r.MeterAndStream(context.Background(), req)
	assert.ErrorIs(t, err, tm.ErrNoCandidates)

	assert.Equal(t, int64(0), prov.CallCount())
	assert.Equal(t, int64(0), balance(t, l, "acct").Reserved)
}

func TestStream_CallerCancelCommitsProducedTokens(t *testing.T) {
	l := ledger.NewMemoryLedger()
	fund(t, l, "acct", 1000)
	prov := mock.New(
		mock.WithChunks(words(5), words(5), words(5), words(5)),
		mock.WithChunkDelay(20*time.Millisecond),
		mock.WithoutUsage(),
	)
	r := newTestRouter(t, testConfig(), l, prov)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := r.MeterAndStream(ctx, request("acct"))
	require.NoError(t, err)

	chunk, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, words(5), chunk.Content)

	cancel()
	_, err = drain(t, s)
	assert.ErrorIs(t, err, context.Canceled)

	out, ok := s.Outcome()
	require.True(t, ok)
	assert.Equal(t, tm.TxCommit, out.Kind)

	b := balance(t, l, "acct")
	assert.Equal(t, int64(0), b.Reserved)
	assert.Less(t, b.Available, int64(1000))
	assert.Equal(t, 1000-out.Charged, b.Available)
}

func TestStream_CloseStopsUpstreamAndSettles(t *testing.T) {
	l := ledger.NewMemoryLedger()
	fund(t, l, "acct", 1000)
	prov := mock.New(mock.WithChunks(words(5), words(5), words(5)), mock.WithoutUsage())
	r := newTestRouter(t, testConfig(), l, prov)

	s, err := r.MeterAndStream(context.Background(), request("acct"))
	require.NoError(t, err)

	_, err = s.Next()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	select {
	case <-s.Done():
	default:
		t.Fatal("Close returned before settlement")
	}
	assert.Equal(t, int64(1), prov.CloseCount())
	assert.Equal(t, int64(0), balance(t, l, "acct").Reserved)

	// Further reads report the terminal state.
	_, err = s.Next()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStream_AlreadySettledReservationIsConsistencyFault(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	fund(t, mem, "acct", 1000)
	l := &hookLedger{Ledger: mem}
	l.beforeCommit = func(ctx context.Context, res tm.Reservation) error {
		_, err := mem.Release(ctx, res)
		return err
	}
	r := newTestRouter(t, testConfig(), l, mock.New())

	s, err := r.MeterAndStream(context.Background(), request("acct"))
	require.NoError(t, err)

	_, err = drain(t, s)
	assert.ErrorIs(t, err, tm.ErrConsistencyFault)
	assert.ErrorIs(t, err, tm.ErrReservationNotOpen)

	var me *tm.MeterError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, tm.StateCommitting, me.Stage)

	assert.Error(t, s.Close())
	assert.Equal(t, int32(1), l.commits.Load(), "a consistency fault is not retried")
	assert.Equal(t, int64(1000), balance(t, mem, "acct").Available)
}

func TestStream_StorageFailureIsRetried(t *testing.T) {
	defer tm.SetSettleBackoff(time.Millisecond)()

	mem := ledger.NewMemoryLedger()
	fund(t, mem, "acct", 1000)
	l := &hookLedger{Ledger: mem}
	var failures atomic.Int32
	l.beforeCommit = func(context.Context, tm.Reservation) error {
		if failures.Add(1) <= 2 {
			return tm.StorageError("test", "commit", errors.New("connection refused"))
		}
		return nil
	}
	r := newTestRouter(t, testConfig(), l, mock.New())

	s, err := r.MeterAndStream(context.Background(), request("acct"))
	require.NoError(t, err)
	_, err = drain(t, s)
	require.NoError(t, err)

	assert.Equal(t, int32(3), l.commits.Load())
	assert.Equal(t, int64(970), balance(t, mem, "acct").Available)
}

func TestStream_StorageFailureGivesUp(t *testing.T) {
	defer tm.SetSettleBackoff(time.Millisecond)()

	mem := ledger.NewMemoryLedger()
	fund(t, mem, "acct", 1000)
	l := &hookLedger{Ledger: mem}
	l.beforeCommit = func(context.Context, tm.Reservation) error {
		return tm.StorageError("test", "commit", errors.New("connection refused"))
	}
	retries := 2
	cfg := testConfig()
	cfg.Metering.CommitRetries = &retries
	r := newTestRouter(t, cfg, l, mock.New())

	s, err := r.MeterAndStream(context.Background(), request("acct"))
	require.NoError(t, err)
	_, err = drain(t, s)
	assert.ErrorIs(t, err, tm.ErrStorageUnavailable)
	assert.Equal(t, int32(3), l.commits.Load())

	// Left OPEN for the sweeper.
	assert.Equal(t, int64(100), balance(t, mem, "acct").Reserved)
}

func TestStream_ZeroCommitRetries(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	fund(t, mem, "acct", 1000)
	l := &hookLedger{Ledger: mem}
	l.beforeCommit = func(context.Context, tm.Reservation) error {
		return tm.StorageError("test", "commit", errors.New("connection refused"))
	}
	none := 0
	cfg := testConfig()
	cfg.Metering.CommitRetries = &none
	r := newTestRouter(t, cfg, l, mock.New())

	s, err := r.MeterAndStream(context.Background(), request("acct"))
	require.NoError(t, err)
	_, err = drain(t, s)
	assert.ErrorIs(t, err, tm.ErrStorageUnavailable)
	assert.Equal(t, int32(1), l.commits.Load())
}

func TestStream_EvictedReservationIsConsistencyFault(t *testing.T) {
	mem := ledger.NewMemoryLedger()
	fund(t, mem, "acct", 1000)
	l := &hookLedger{Ledger: mem}
	l.beforeCommit = func(_ context.Context, res tm.Reservation) error {
		return fmt.Errorf("%w: %s", tm.ErrReservationNotFound, res.ID)
	}
	r := newTestRouter(t, testConfig(), l, mock.New())

	s, err := r.MeterAndStream(context.Background(), request("acct"))
	require.NoError(t, err)

	_, err = drain(t, s)
	assert.ErrorIs(t, err, tm.ErrConsistencyFault)
	assert.ErrorIs(t, err, tm.ErrReservationNotFound)
	assert.Equal(t, int32(1), l.commits.Load())
}

func TestMeterAndStream_DuplicateCorrelationIsRejected(t *testing.T) {
	l := ledger.NewMemoryLedger()
	fund(t, l, "acct", 1000)
	prov := mock.New(mock.WithChunks(words(10)), mock.WithoutUsage())
	r := newTestRouter(t, testConfig(), l, prov)

	req := request("acct")
	req.CorrelationID = "req-1"

	s, err := r.MeterAndStream(context.Background(), req)
	require.NoError(t, err)
	_, err = drain(t, s)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = r.MeterAndStream(context.Background(), req)
	assert.ErrorIs(t, err, tm.ErrDuplicateRequest)
	var me *tm.MeterError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, tm.StatePendingReserve, me.Stage)
	assert.Equal(t, int64(1), prov.CallCount(), "a repeated request must not reach the provider")

	b, err := r.Balance(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(990), b.Available, "charged once")
	assert.Equal(t, int64(10), b.Used)
	assert.Equal(t, int64(0), b.Reserved)

	other := request("acct")
	other.CorrelationID = "req-2"
	s, err = r.MeterAndStream(context.Background(), other)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestFailover_ToNextUpstream(t *testing.T) {
	l := ledger.NewMemoryLedger()
	fund(t, l, "acct", 1000)
	bad := mock.New(mock.WithName("bad"), mock.WithError(tm.ErrRateLimited))
	good := mock.New(mock.WithName("good"))
	cfg := testConfig(
		tm.UpstreamConfig{Provider: "bad", ID: "bad-1"},
		tm.UpstreamConfig{Provider: "good", ID: "good-1"},
	)
	r := newTestRouter(t, cfg, l, bad, good)

	s, err := r.MeterAndStream(context.Background(), request("acct"))
	require.NoError(t, err)
	_, err = drain(t, s)
	require.NoError(t, err)

	out, _ := s.Outcome()
	assert.Equal(t, "good", out.Provider)
	assert.Equal(t, int64(1), bad.CallCount())
	assert.Equal(t, int64(970), balance(t, l, "acct").Available)
}

func TestFatalError_StopsRetryingAndReleases(t *testing.T) {
	l := ledger.NewMemoryLedger()
	fund(t, l, "acct", 1000)
	bad := mock.New(mock.WithName("bad"), mock.WithError(tm.ErrAuthFailed))
	good := mock.New(mock.WithName("good"))
	cfg := testConfig(
		tm.UpstreamConfig{Provider: "bad", ID: "bad-1"},
		tm.UpstreamConfig{Provider: "good", ID: "good-1"},
	)
	r := newTestRouter(t, cfg, l, bad, good)

	_, err := r.MeterAndStream(context.Background(), request("acct"))
	require.Error(t, err)
	assert.ErrorIs(t, err, tm.ErrAuthFailed)

	var me *tm.MeterError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, 1, me.Attempts)
	assert.NotEmpty(t, me.ReservationID)

	assert.Equal(t, int64(0), good.CallCount())
	b := balance(t, l, "acct")
	assert.Equal(t, int64(1000), b.Available)
	assert.Equal(t, int64(0), b.Reserved)
}

func TestAllFailed_Releases(t *testing.T) {
	l := ledger.NewMemoryLedger()
	fund(t, l, "acct", 1000)
	prov := mock.New(mock.WithError(tm.ErrProviderUnavailable))
	r := newTestRouter(t, testConfig(), l, prov)

	_, err := r.MeterAndStream(context.Background(), request("acct"))
	assert.ErrorIs(t, err, tm.ErrAllFailed)
	assert.ErrorIs(t, err, tm.ErrProviderUnavailable)
	assert.Equal(t, int64(0), balance(t, l, "acct").Reserved)
}

func TestModelAliasing_ResolvesCorrectly(t *testing.T) {
	l := ledger.NewMemoryLedger()
	fund(t, l, "acct", 1000)
	geminiProv := mock.New(mock.WithName("gemini"), mock.WithModels("gemini-2.0-flash"))
	grokProv := mock.New(mock.WithName("grok"), mock.WithModels("grok-3"))

	cfg := tm.Config{
		DefaultModel: "fast",
		Models: []tm.ModelMapping{{
			Alias: "fast",
			Models: []tm.ModelRef{
				{Provider: "gemini", Model: "gemini-2.0-flash"},
				{Provider: "grok", Model: "grok-3"},
			},
		}},
		Upstreams: []tm.UpstreamConfig{
			{Provider: "gemini", ID: "gemini-1"},
			{Provider: "grok", ID: "grok-1"},
		},
	}
	r := newTestRouter(t, cfg, l, geminiProv, grokProv)

	s, err := r.MeterAndStream(context.Background(), request("acct"))
	require.NoError(t, err)
	_, err = drain(t, s)
	require.NoError(t, err)

	out, _ := s.Outcome()
	assert.Equal(t, "gemini-2.0-flash", out.Model)
	assert.Equal(t, "gemini-2.0-flash", geminiProv.LastRequest().Model)
}

func TestConcurrentStreams_NeverOverAdmit(t *testing.T) {
	l := ledger.NewMemoryLedger()
	fund(t, l, "acct", 1000)
	r := newTestRouter(t, testConfig(), l, mock.New())

	var (
		mu      sync.Mutex
		streams []*tm.MeteredStream
		refused atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.MeterAndStream(context.Background(), request("acct"))
			if err != nil {
				assert.ErrorIs(t, err, tm.ErrInsufficientBalance)
				refused.Add(1)
				return
			}
			mu.Lock()
			streams = append(streams, s)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Nobody has read yet, so every admitted reservation is still open.
	assert.Len(t, streams, 10)
	assert.Equal(t, int32(15), refused.Load())
	assert.Equal(t, int64(1000), balance(t, l, "acct").Reserved)

	for _, s := range streams {
		_, err := drain(t, s)
		require.NoError(t, err)
	}
	b := balance(t, l, "acct")
	assert.Equal(t, int64(0), b.Reserved)
	assert.Equal(t, int64(1000-10*30), b.Available)
}

func TestAdjustBalanceAndHistory(t *testing.T) {
	l := ledger.NewMemoryLedger()
	r := newTestRouter(t, testConfig(), l, mock.New())
	ctx := context.Background()

	id, err := r.AdjustBalance(ctx, "acct", 500, "top-up")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = r.AdjustBalance(ctx, "acct", -600, "refund")
	assert.ErrorIs(t, err, tm.ErrInsufficientBalance)

	_, err = r.AdjustBalance(ctx, "", 10, "nobody")
	assert.ErrorIs(t, err, tm.ErrInvalidRequest)

	b, err := r.Balance(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(500), b.Available)

	txs, err := r.History(ctx, "acct", tm.Page{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, id, txs[0].ID)
	assert.Equal(t, "top-up", txs[0].Reason)
}

func TestNewRouter_Validation(t *testing.T) {
	_, err := tm.NewRouter(testConfig(), nil, []tm.Provider{mock.New()})
	assert.Error(t, err)

	_, err = tm.NewRouter(testConfig(), ledger.NewMemoryLedger(), nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Metering.UsagePolicy = "guess"
	_, err = tm.NewRouter(cfg, ledger.NewMemoryLedger(), []tm.Provider{mock.New()})
	assert.ErrorContains(t, err, "usage_policy")
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	ht := tm.NewHealthTracker()

	assert.Equal(t, tm.HealthHealthy, ht.GetHealth("up-1"))

	ht.RecordFailure("up-1")
	ht.RecordFailure("up-1")
	ht.RecordFailure("up-1")

	assert.Equal(t, tm.HealthUnhealthy, ht.GetHealth("up-1"))

	ht.RecordSuccess("up-1")
	assert.Equal(t, tm.HealthHealthy, ht.GetHealth("up-1"))
}

func TestCircuitBreaker_UnhealthyUpstreamIsSkipped(t *testing.T) {
	l := ledger.NewMemoryLedger()
	fund(t, l, "acct", 1000)
	flaky := mock.New(mock.WithName("flaky"), mock.WithError(tm.ErrProviderUnavailable))
	good := mock.New(mock.WithName("good"))
	cfg := testConfig(
		tm.UpstreamConfig{Provider: "flaky", ID: "flaky-1"},
		tm.UpstreamConfig{Provider: "good", ID: "good-1"},
	)
	ht := tm.NewHealthTracker()
	r, err := tm.NewRouter(cfg, l, []tm.Provider{flaky, good},
		tm.WithCounter(wordCounter{}),
		tm.WithHealthTracker(ht),
	)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		s, err := r.MeterAndStream(context.Background(), request("acct"))
		require.NoError(t, err)
		_, err = drain(t, s)
		require.NoError(t, err)
	}

	assert.Equal(t, tm.HealthUnhealthy, ht.GetHealth("flaky-1"))
	assert.Equal(t, int64(3), flaky.CallCount())
	assert.Equal(t, int64(4), good.CallCount())
}

func TestHealthState_String(t *testing.T) {
	assert.Equal(t, "healthy", tm.HealthHealthy.String())
	assert.Equal(t, "unhealthy", tm.HealthUnhealthy.String())
	assert.Equal(t, "half-open", tm.HealthHalfOpen.String())
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, tm.IsFatal(tm.ErrAuthFailed))
	assert.True(t, tm.IsFatal(tm.ErrInvalidRequest))
	assert.False(t, tm.IsFatal(tm.ErrRateLimited))

	assert.True(t, tm.IsRetryable(tm.ErrRateLimited))
	assert.True(t, tm.IsRetryable(tm.ErrProviderUnavailable))
	assert.True(t, tm.IsRetryable(tm.ErrProviderTransport))
	assert.False(t, tm.IsRetryable(tm.ErrAuthFailed))

	err := tm.StorageError("redis", "reserve", errors.New("dial tcp: refused"))
	assert.ErrorIs(t, err, tm.ErrStorageUnavailable)
	assert.Contains(t, err.Error(), "redis")
}
