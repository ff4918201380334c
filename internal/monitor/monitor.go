package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"balance-swing-alerts/internal/alerting"
	"balance-swing-alerts/internal/config"
	"balance-swing-alerts/internal/fetcher"
	"balance-swing-alerts/internal/logging"
	"balance-swing-alerts/internal/scheduler"
	"balance-swing-alerts/internal/series"
	"balance-swing-alerts/internal/storage"
)

// Options hold the immutable parameters of the alert loop.
type Options struct {
	Threshold    float64
	Workers      int
	Channel      string
	FlushTimeout time.Duration
}

// Monitor samples every tracked pair once per cycle, records the result and
// raises alerts on large swings.
type Monitor struct {
	opts       Options
	pairs      []config.TrackedPair
	scheduler  *scheduler.Scheduler
	source     fetcher.BalanceFetcher
	series     *series.Store
	persist    storage.SnapshotWriter
	alertStore storage.AlertStore
	notifier   alerting.Notifier
	logger     zerolog.Logger
}

// Deps groups the collaborators of a Monitor. Scheduler, Persist and
// AlertStore may be nil.
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Source     fetcher.BalanceFetcher
	Series     *series.Store
	Persist    storage.SnapshotWriter
	AlertStore storage.AlertStore
	Notifier   alerting.Notifier
}

// New constructs the monitor.
func New(opts Options, pairs []config.TrackedPair, deps Deps, logger zerolog.Logger) *Monitor {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 30 * time.Second
	}
	store := deps.Series
	if store == nil {
		store = series.NewStore(config.PairKeys(pairs)...)
	}
	return &Monitor{
		opts:       opts,
		pairs:      pairs,
		scheduler:  deps.Scheduler,
		source:     deps.Source,
		series:     store,
		persist:    deps.Persist,
		alertStore: deps.AlertStore,
		notifier:   deps.Notifier,
		logger:     logger.With().Str("component", "monitor").Logger(),
	}
}

// Series exposes the store the monitor appends to.
func (m *Monitor) Series() *series.Store {
	return m.series
}

// Run drives cycles until ctx is cancelled, then flushes one last time.
func (m *Monitor) Run(ctx context.Context) error {
	if m.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	err := m.scheduler.Run(ctx, m.RunCycle)

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.FlushTimeout)
	defer cancel()
	m.Flush(flushCtx)

	return err
}

// CycleReport summarises one pass over the tracked pairs.
type CycleReport struct {
	Sampled int
	Failed  int
	Alerts  int
}

type fetchResult struct {
	balance float64
	err     error
}

// RunCycle samples every pair at the given timestamp, evaluates the alert rule
// and flushes the store. Per-pair failures never abort the cycle; only
// cancellation does.
func (m *Monitor) RunCycle(ctx context.Context, at time.Time) error {
	report, err := m.Sample(ctx, at)
	if err != nil {
		return err
	}

	m.logger.Info().Time("cycle", at).
		Int("sampled", report.Sampled).
		Int("failed", report.Failed).
		Int("alerts", report.Alerts).
		Msg("cycle complete")

	m.Flush(ctx)
	return nil
}

// Sample fetches, records and evaluates every pair without flushing. A
// cancellation during the fetch discards the cycle; once every fetch has
// finished the whole row is recorded.
func (m *Monitor) Sample(ctx context.Context, at time.Time) (CycleReport, error) {
	results, err := m.fetchAll(ctx)
	if err != nil {
		return CycleReport{}, err
	}

	var report CycleReport
	for i, pair := range m.pairs {
		res := results[i]
		if res.err != nil {
			report.Failed++
		} else {
			report.Sampled++
		}
		if m.record(ctx, pair, res, at) {
			report.Alerts++
		}
	}
	return report, nil
}

// fetchAll queries every pair on a bounded pool. Results keep pair order.
func (m *Monitor) fetchAll(ctx context.Context) ([]fetchResult, error) {
	results := make([]fetchResult, len(m.pairs))

	var g errgroup.Group
	g.SetLimit(m.opts.Workers)
	for i, pair := range m.pairs {
		if err := ctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = fetchResult{err: err}
				return nil
			}
			balance, err := m.source.FetchBalance(ctx, pair.Address, pair.Asset)
			results[i] = fetchResult{balance: balance, err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// record appends one observation and evaluates the alert rule. It reports
// whether an alert was raised.
func (m *Monitor) record(ctx context.Context, pair config.TrackedPair, res fetchResult, at time.Time) bool {
	key := pair.Key()
	obs := series.Observation{Timestamp: at, Balance: res.balance, Valid: res.err == nil}

	if res.err != nil {
		logging.Pair(m.logger.Warn(), key, pair.Exchange, pair.Asset).
			Err(res.err).
			Str("address", pair.Address).
			Msg("balance lookup failed; recording invalid observation")
		obs.Balance = 0
	}
	m.series.Append(key, obs)

	if !obs.Valid {
		return false
	}

	change, ok := m.series.LatestChange(key)
	if !ok {
		logging.Pair(m.logger.Info(), key, pair.Exchange, pair.Asset).
			Float64("balance", obs.Balance).
			Msg("sample recorded; no change signal yet")
		return false
	}

	logging.Pair(m.logger.Info(), key, pair.Exchange, pair.Asset).
		Float64("balance", obs.Balance).
		Str("change", alerting.FormatChange(change)).
		Msg("sample recorded")

	if !alerting.ShouldAlert(change, m.opts.Threshold) {
		return false
	}

	prev, curr, _ := m.series.LatestValidPair(key)
	event := alerting.AlertEvent{
		PairKey:         key,
		Exchange:        pair.Exchange,
		Asset:           pair.Asset,
		PreviousBalance: prev.Balance,
		CurrentBalance:  curr.Balance,
		ChangeFraction:  change,
		Threshold:       m.opts.Threshold,
		Timestamp:       at,
	}
	m.dispatch(ctx, event)
	return true
}

func (m *Monitor) dispatch(ctx context.Context, event alerting.AlertEvent) {
	delivered := false
	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, event); err != nil {
			m.logger.Error().Err(err).
				Str("pair", event.PairKey).
				Bool("delivery_failed", errors.Is(err, alerting.ErrDeliveryFailed)).
				Msg("failed to dispatch alert")
		} else {
			delivered = true
		}
	}

	if m.alertStore == nil {
		return
	}
	record := storage.AlertRecord{
		PairKey:         event.PairKey,
		ObservedAt:      event.Timestamp,
		PreviousBalance: decimal.NewFromFloat(event.PreviousBalance),
		CurrentBalance:  decimal.NewFromFloat(event.CurrentBalance),
		ChangeFraction:  decimal.NewFromFloat(event.ChangeFraction),
		Threshold:       decimal.NewFromFloat(event.Threshold),
		Direction:       event.Direction(),
		Channel:         m.opts.Channel,
		Delivered:       delivered,
	}
	if _, err := m.alertStore.InsertAlert(ctx, record); err != nil {
		m.logger.Error().Err(err).Str("pair", event.PairKey).Msg("failed to persist alert record")
	}
}

// Flush writes the current snapshot. Failures are logged and retried on the
// next cycle.
func (m *Monitor) Flush(ctx context.Context) {
	if m.persist == nil {
		return
	}
	if err := m.persist.WriteSnapshot(ctx, m.series.Snapshot()); err != nil {
		m.logger.Error().Err(err).Msg("failed to persist balance snapshot")
		return
	}
	m.logger.Debug().Msg("balance snapshot persisted")
}
