package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"balance-swing-alerts/internal/alerting"
	"balance-swing-alerts/internal/config"
	"balance-swing-alerts/internal/fetcher"
	"balance-swing-alerts/internal/monitor"
	"balance-swing-alerts/internal/scheduler"
	"balance-swing-alerts/internal/series"
	"balance-swing-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetcher() fetcher.BalanceFetcher {
	cfg := a.Config.Lookup
	return fetcher.NewClusters(fetcher.ClustersOptions{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		OutputAsset: cfg.OutputAsset,
		Timeout:     cfg.RequestTimeout,
		UserAgent:   cfg.UserAgent,
		RateLimit:   cfg.RateLimit,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	switch strings.ToLower(a.Config.Alerting.Channel) {
	case config.ChannelEmail:
		e := a.Config.Alerting.Email
		return alerting.NewEmailNotifier(alerting.EmailOptions{
			Host:      e.Host,
			Port:      e.Port,
			Username:  e.Username,
			Password:  e.Password,
			Sender:    e.Sender,
			Recipient: e.Recipient,
			Subject:   a.Config.Alerting.Subject,
			Timeout:   e.Timeout,
		}, a.Logger)
	case config.ChannelTelegram:
		t := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(alerting.TelegramOptions{
			BotToken: t.BotToken,
			ChatID:   t.ChatID,
			APIBase:  t.APIBase,
			Subject:  a.Config.Alerting.Subject,
			Timeout:  t.Timeout,
		}, a.Logger)
	default:
		return alerting.NewLogNotifier(a.Logger)
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// loadSeries rebuilds the recorded history, preferring the database when one
// is configured.
func (a *App) loadSeries(ctx context.Context, from, to time.Time) (*series.Store, error) {
	keys := config.PairKeys(a.Config.Pairs)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		defer closeStore()
		return store.LoadSeries(ctx, keys, from, to)
	}
	return storage.NewCSVFile(a.Config.Storage.CSVPath).Load(keys...)
}

// resumeSeries loads the snapshot file. A file that exists but cannot be
// decoded is moved aside first so the next flush does not overwrite it.
func (a *App) resumeSeries(file *storage.CSVFile, keys []string) (*series.Store, error) {
	loaded, err := file.Load(keys...)
	if err == nil {
		return loaded, nil
	}

	moved, moveErr := file.MoveAside(time.Now())
	if moveErr != nil {
		return nil, fmt.Errorf("%w: snapshot %s is unreadable (%v) and could not be moved aside: %v",
			config.ErrInvalid, file.Path(), err, moveErr)
	}
	a.Logger.Warn().Err(err).
		Str("path", file.Path()).
		Str("moved_to", moved).
		Msg("snapshot unreadable; moved aside and starting empty")
	return series.NewStore(keys...), nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	if err := a.Config.ValidateMonitoring(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	csvFile := storage.NewCSVFile(a.Config.Storage.CSVPath)
	keys := config.PairKeys(a.Config.Pairs)

	history := series.NewStore(keys...)
	if a.Config.Storage.Resume {
		loaded, err := a.resumeSeries(csvFile, keys)
		if err != nil {
			return err
		}
		history = loaded
	}

	writers := storage.MultiWriter{csvFile}
	var alertStore storage.AlertStore

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Info().Msg("database.dsn not configured; persisting to CSV only")
	} else {
		defer closeStore()
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := store.SeedWatermark(ctx); err != nil {
			return err
		}
		writers = append(writers, store)
		alertStore = store
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Monitor.PollInterval,
		AlignToStart: a.Config.Monitor.AlignToBucket,
		StartupDelay: a.Config.Monitor.StartupDelay,
		Immediate:    true,
	}, a.Logger)

	mon := monitor.New(monitor.Options{
		Threshold:    a.Config.Monitor.Threshold,
		Workers:      a.Config.Lookup.Workers,
		Channel:      a.Config.Alerting.Channel,
		FlushTimeout: a.Config.Storage.FlushTimeout,
	}, a.Config.Pairs, monitor.Deps{
		Scheduler:  sched,
		Source:     a.newFetcher(),
		Series:     history,
		Persist:    writers,
		AlertStore: alertStore,
		Notifier:   a.newNotifier(),
	}, a.Logger)

	a.Logger.Info().
		Int("pairs", len(a.Config.Pairs)).
		Dur("poll_interval", a.Config.Monitor.PollInterval).
		Float64("threshold", a.Config.Monitor.Threshold).
		Str("channel", a.Config.Alerting.Channel).
		Msg("starting balance monitor")

	err = mon.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("monitor terminated with error")
		return err
	}

	a.Logger.Info().Msg("balance monitor stopped")
	return nil
}

// ExportOptions hold parameters for exporting recorded balances.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Alerts bool
}

// SimulateOptions configure a one-off alert rehearsal.
type SimulateOptions struct {
	Pair     string
	Previous float64
	Current  float64
}
