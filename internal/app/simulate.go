package app

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"balance-swing-alerts/internal/alerting"
	"balance-swing-alerts/internal/config"
	"balance-swing-alerts/internal/fetcher"
	"balance-swing-alerts/internal/monitor"
)

// SimulateAlert feeds two synthetic balances for one pair through the alert
// rule and the configured notifier. Nothing is persisted.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if err := a.Config.ValidateAlerting(); err != nil {
		return err
	}

	pair, ok := lo.Find(a.Config.Pairs, func(p config.TrackedPair) bool { return p.Key() == opts.Pair })
	if !ok {
		return fmt.Errorf("unknown pair %q; expected one of %v", opts.Pair, config.PairKeys(a.Config.Pairs))
	}

	notifier := &outcomeNotifier{next: a.newNotifier()}
	source := &staticBalanceFetcher{balances: []float64{opts.Previous, opts.Current}}

	mon := monitor.New(monitor.Options{
		Threshold: a.Config.Monitor.Threshold,
		Channel:   a.Config.Alerting.Channel,
	}, []config.TrackedPair{pair}, monitor.Deps{
		Source:   source,
		Notifier: notifier,
	}, a.Logger)

	now := time.Now().UTC()
	for _, at := range []time.Time{now.Add(-a.Config.Monitor.PollInterval), now} {
		if _, err := mon.Sample(ctx, at); err != nil {
			return err
		}
	}

	if !notifier.called {
		change, _ := mon.Series().LatestChange(pair.Key())
		a.Logger.Info().Str("pair", pair.Key()).
			Str("change", alerting.FormatChange(change)).
			Float64("threshold", a.Config.Monitor.Threshold).
			Msg("simulated change does not reach the threshold; no alert sent")
		return nil
	}
	return notifier.err
}

// outcomeNotifier remembers the result of the last delivery.
type outcomeNotifier struct {
	next   alerting.Notifier
	called bool
	err    error
}

func (n *outcomeNotifier) Notify(ctx context.Context, event alerting.AlertEvent) error {
	n.called = true
	n.err = n.next.Notify(ctx, event)
	return n.err
}

type staticBalanceFetcher struct {
	balances []float64
}

func (s *staticBalanceFetcher) FetchBalance(ctx context.Context, address, asset string) (float64, error) {
	if len(s.balances) == 0 {
		return 0, fmt.Errorf("%w: simulation exhausted", fetcher.ErrLookupFailed)
	}
	b := s.balances[0]
	s.balances = s.balances[1:]
	return b, nil
}

var _ fetcher.BalanceFetcher = (*staticBalanceFetcher)(nil)
