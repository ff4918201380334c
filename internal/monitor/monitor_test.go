package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"balance-swing-alerts/internal/alerting"
	"balance-swing-alerts/internal/config"
	"balance-swing-alerts/internal/fetcher"
	"balance-swing-alerts/internal/scheduler"
	"balance-swing-alerts/internal/series"
	"balance-swing-alerts/internal/storage"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func cycle(n int) time.Time {
	return t0.Add(time.Duration(n) * 24 * time.Hour)
}

var errDown = fmt.Errorf("%w: status 503", fetcher.ErrLookupFailed)

// scriptedSource replays per-address results, one per call.
type scriptedSource struct {
	mu      sync.Mutex
	script  map[string][]any
	calls   []string
	onFetch func(address string)
}

func (s *scriptedSource) FetchBalance(ctx context.Context, address, asset string) (float64, error) {
	if s.onFetch != nil {
		s.onFetch(address)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, address)

	queue := s.script[address]
	if len(queue) == 0 {
		return 0, fmt.Errorf("%w: no scripted result for %s", fetcher.ErrLookupFailed, address)
	}
	next := queue[0]
	s.script[address] = queue[1:]
	switch v := next.(type) {
	case error:
		return 0, v
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	}
	panic("unsupported script value")
}

type captureNotifier struct {
	mu     sync.Mutex
	events []alerting.AlertEvent
	fail   map[string]bool
}

func (n *captureNotifier) Notify(_ context.Context, event alerting.AlertEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	if n.fail[event.PairKey] {
		return fmt.Errorf("%w: connection refused", alerting.ErrDeliveryFailed)
	}
	return nil
}

type countingWriter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (w *countingWriter) WriteSnapshot(context.Context, series.Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	return w.err
}

type memoryAlertStore struct {
	records []storage.AlertRecord
}

func (s *memoryAlertStore) InsertAlert(_ context.Context, rec storage.AlertRecord) (storage.AlertRecord, error) {
	rec.ID = int64(len(s.records) + 1)
	s.records = append(s.records, rec)
	return rec, nil
}

func pair(exchange, asset string) config.TrackedPair {
	return config.TrackedPair{Exchange: exchange, Asset: asset, Address: exchange + "-" + asset}
}

func newTestMonitor(pairs []config.TrackedPair, src fetcher.BalanceFetcher, n alerting.Notifier, w storage.SnapshotWriter) *Monitor {
	return New(Options{Threshold: 0.2, Channel: "test"}, pairs, Deps{
		Source:   src,
		Notifier: n,
		Persist:  w,
	}, zerolog.Nop())
}

func runCycles(t *testing.T, m *Monitor, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, m.RunCycle(context.Background(), cycle(i)))
	}
}

func TestScenarioSwingAlerts(t *testing.T) {
	x := pair("binance", "BTC")
	src := &scriptedSource{script: map[string][]any{x.Address: {100, 150}}}
	notifier := &captureNotifier{}
	m := newTestMonitor([]config.TrackedPair{x}, src, notifier, nil)

	runCycles(t, m, 2)

	require.Len(t, notifier.events, 1)
	event := notifier.events[0]
	assert.Equal(t, "binance_BTC", event.PairKey)
	assert.Equal(t, 0.5, event.ChangeFraction)
	assert.Equal(t, 100.0, event.PreviousBalance)
	assert.Equal(t, 150.0, event.CurrentBalance)
	assert.Equal(t, cycle(1), event.Timestamp)
	assert.Contains(t, alerting.RenderMessage(event), "+50.00%")
}

func TestScenarioFailedLookupSkipped(t *testing.T) {
	y := pair("kraken", "ETH")
	src := &scriptedSource{script: map[string][]any{y.Address: {100, errDown, 90}}}
	notifier := &captureNotifier{}
	m := newTestMonitor([]config.TrackedPair{y}, src, notifier, nil)

	runCycles(t, m, 3)

	assert.Empty(t, notifier.events, "-10% is below the 20% threshold")
	assert.Equal(t, 3, m.Series().Len("kraken_ETH"), "failed lookup still recorded")

	change, ok := m.Series().LatestChange("kraken_ETH")
	require.True(t, ok)
	assert.InDelta(t, -0.10, change, 1e-12)

	prev, _, ok := m.Series().LatestValidPair("kraken_ETH")
	require.True(t, ok)
	assert.Equal(t, cycle(0), prev.Timestamp, "failed sample is not a comparison point")
}

func TestScenarioSingleObservation(t *testing.T) {
	z := pair("okx", "USDT")
	src := &scriptedSource{script: map[string][]any{z.Address: {1_000_000}}}
	notifier := &captureNotifier{}
	m := newTestMonitor([]config.TrackedPair{z}, src, notifier, nil)

	runCycles(t, m, 1)

	_, ok := m.Series().LatestChange("okx_USDT")
	assert.False(t, ok)
	assert.Empty(t, notifier.events)
}

func TestThresholdBoundaryIsInclusive(t *testing.T) {
	up := pair("a", "BTC")
	down := pair("b", "BTC")
	below := pair("c", "BTC")
	src := &scriptedSource{script: map[string][]any{
		up.Address:    {100, 120},
		down.Address:  {100, 80},
		below.Address: {100, 119},
	}}
	notifier := &captureNotifier{}
	m := newTestMonitor([]config.TrackedPair{up, down, below}, src, notifier, nil)

	runCycles(t, m, 2)

	require.Len(t, notifier.events, 2)
	assert.Equal(t, "a_BTC", notifier.events[0].PairKey)
	assert.Equal(t, "b_BTC", notifier.events[1].PairKey)
}

func TestZeroPreviousBalanceNeverAlerts(t *testing.T) {
	p := pair("a", "BTC")
	src := &scriptedSource{script: map[string][]any{p.Address: {0, 500}}}
	notifier := &captureNotifier{}
	m := newTestMonitor([]config.TrackedPair{p}, src, notifier, nil)

	runCycles(t, m, 2)
	assert.Empty(t, notifier.events)
}

func TestLookupFailureIsolatedToPair(t *testing.T) {
	bad := pair("bad", "BTC")
	good := pair("good", "BTC")
	src := &scriptedSource{script: map[string][]any{
		bad.Address:  {100, errDown, 500},
		good.Address: {100, 200, 200},
	}}
	notifier := &captureNotifier{}
	m := newTestMonitor([]config.TrackedPair{bad, good}, src, notifier, nil)

	report, err := m.Sample(context.Background(), cycle(0))
	require.NoError(t, err)
	assert.Equal(t, CycleReport{Sampled: 2}, report)

	report, err = m.Sample(context.Background(), cycle(1))
	require.NoError(t, err)
	assert.Equal(t, CycleReport{Sampled: 1, Failed: 1, Alerts: 1}, report)
	require.Len(t, notifier.events, 1)
	assert.Equal(t, "good_BTC", notifier.events[0].PairKey)

	report, err = m.Sample(context.Background(), cycle(2))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Alerts)
	require.Len(t, notifier.events, 2)
	assert.Equal(t, "bad_BTC", notifier.events[1].PairKey)
	assert.Equal(t, 100.0, notifier.events[1].PreviousBalance, "compares against last valid sample")
	assert.Equal(t, 4.0, notifier.events[1].ChangeFraction)
}

func TestNotifierFailureDoesNotStopCycle(t *testing.T) {
	first := pair("a", "BTC")
	second := pair("b", "BTC")
	src := &scriptedSource{script: map[string][]any{
		first.Address:  {100, 300},
		second.Address: {100, 300},
	}}
	notifier := &captureNotifier{fail: map[string]bool{"a_BTC": true}}
	alerts := &memoryAlertStore{}
	writer := &countingWriter{}
	m := New(Options{Threshold: 0.2, Channel: "email"}, []config.TrackedPair{first, second}, Deps{
		Source:     src,
		Notifier:   notifier,
		Persist:    writer,
		AlertStore: alerts,
	}, zerolog.Nop())

	runCycles(t, m, 2)

	require.Len(t, notifier.events, 2)
	assert.Equal(t, "b_BTC", notifier.events[1].PairKey)
	assert.Equal(t, 2, writer.calls, "cycle still flushes")

	require.Len(t, alerts.records, 2)
	assert.False(t, alerts.records[0].Delivered)
	assert.True(t, alerts.records[1].Delivered)
	assert.Equal(t, "up", alerts.records[1].Direction)
	assert.Equal(t, "email", alerts.records[1].Channel)
}

func TestFlushFailureRetriedNextCycle(t *testing.T) {
	p := pair("a", "BTC")
	src := &scriptedSource{script: map[string][]any{p.Address: {1, 1, 1}}}
	writer := &countingWriter{err: storage.ErrPersistenceFailed}
	m := newTestMonitor([]config.TrackedPair{p}, src, &captureNotifier{}, writer)

	runCycles(t, m, 3)
	assert.Equal(t, 3, writer.calls)
	assert.Equal(t, 3, m.Series().Len("a_BTC"))
}

func TestConcurrentFetchKeepsConfigOrder(t *testing.T) {
	var pairs []config.TrackedPair
	script := map[string][]any{}
	for i := 0; i < 8; i++ {
		p := pair(fmt.Sprintf("ex%d", i), "BTC")
		pairs = append(pairs, p)
		script[p.Address] = []any{100, 100 + 50*(i+1)}
	}
	src := &scriptedSource{script: script}
	notifier := &captureNotifier{}
	m := New(Options{Threshold: 0.2, Workers: 4}, pairs, Deps{Source: src, Notifier: notifier}, zerolog.Nop())

	runCycles(t, m, 2)

	require.Len(t, notifier.events, 8)
	for i, event := range notifier.events {
		assert.Equal(t, pairs[i].Key(), event.PairKey)
	}
}

func TestCancellationStopsCycle(t *testing.T) {
	pairs := []config.TrackedPair{pair("a", "BTC"), pair("b", "BTC"), pair("c", "BTC")}
	ctx, cancel := context.WithCancel(context.Background())
	src := &scriptedSource{
		script: map[string][]any{"a-BTC": {1}, "b-BTC": {1}, "c-BTC": {1}},
		onFetch: func(address string) {
			if address == "a-BTC" {
				cancel()
			}
		},
	}
	m := newTestMonitor(pairs, src, &captureNotifier{}, nil)

	_, err := m.Sample(ctx, cycle(0))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a-BTC"}, src.calls, "no further pairs fetched after cancel")
	assert.Equal(t, 0, m.Series().Len("a_BTC"))
}

type cancellingNotifier struct {
	captureNotifier
	cancel context.CancelFunc
}

func (n *cancellingNotifier) Notify(ctx context.Context, event alerting.AlertEvent) error {
	n.cancel()
	return n.captureNotifier.Notify(ctx, event)
}

func TestCancellationAfterFetchRecordsWholeRow(t *testing.T) {
	pairs := []config.TrackedPair{pair("a", "BTC"), pair("b", "BTC"), pair("c", "BTC")}
	src := &scriptedSource{script: map[string][]any{
		"a-BTC": {100, 300},
		"b-BTC": {100, 100},
		"c-BTC": {100, 100},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifier := &cancellingNotifier{cancel: cancel}
	m := newTestMonitor(pairs, src, notifier, nil)

	_, err := m.Sample(ctx, cycle(0))
	require.NoError(t, err)

	report, err := m.Sample(ctx, cycle(1))
	require.NoError(t, err)
	assert.Equal(t, CycleReport{Sampled: 3, Alerts: 1}, report)
	require.Error(t, ctx.Err(), "cancelled while dispatching the first pair")

	rows := 0
	for row := range m.Series().Snapshot().Rows {
		rows++
		assert.Len(t, row.Cells, 3, "no partial row at %s", row.Timestamp)
	}
	assert.Equal(t, 2, rows)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	p := pair("a", "BTC")
	src := &scriptedSource{script: map[string][]any{p.Address: {1}}}
	writer := &countingWriter{}
	sched := scheduler.New(scheduler.Options{Interval: time.Hour, Immediate: true}, zerolog.Nop())

	m := New(Options{Threshold: 0.2}, []config.TrackedPair{p}, Deps{
		Scheduler: sched,
		Source:    src,
		Persist:   writer,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.Series().Len("a_BTC") == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}

	writer.mu.Lock()
	defer writer.mu.Unlock()
	assert.Equal(t, 2, writer.calls, "one cycle flush plus the shutdown flush")
}

func TestRunWithoutScheduler(t *testing.T) {
	m := newTestMonitor(nil, &scriptedSource{}, nil, nil)
	assert.Error(t, m.Run(context.Background()))
}
