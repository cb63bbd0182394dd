package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"arb-alerts/internal/alerting"
	"arb-alerts/internal/auth"
	"arb-alerts/internal/browser"
	"arb-alerts/internal/config"
	"arb-alerts/internal/defense"
	"arb-alerts/internal/dispatch"
	"arb-alerts/internal/extract"
	"arb-alerts/internal/retry"
	"arb-alerts/internal/scheduler"
	"arb-alerts/internal/service"
	"arb-alerts/internal/storage"
	"arb-alerts/internal/tabs"
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

// newNotifier returns the Telegram transport when enabled, otherwise a
// logger-backed notifier so dry runs still show what would be sent.
func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Telegram.Enabled {
		cfg := a.Config.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.APIBase, cfg.RequestTimeout, a.Logger)
	}
	return &logNotifier{logger: a.Logger}
}

type logNotifier struct {
	logger zerolog.Logger
}

func (n *logNotifier) Send(_ context.Context, channelID, text string) error {
	n.logger.Info().Str("channel", channelID).Str("text", text).Msg("alert (telegram disabled)")
	return nil
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

func (a *App) newDriver() (browser.Driver, error) {
	return browser.NewRod(browser.Options{
		RemoteURL:  a.Config.Browser.RemoteURL,
		Headless:   a.Config.Browser.Headless,
		Stealth:    a.Config.Browser.Stealth,
		NavTimeout: a.Config.Browser.NavTimeout,
		ProxyURL:   a.Config.Browser.ProxyURL,
	}, a.Logger)
}

func policyFrom(rc config.RetryConfig) retry.Policy {
	return retry.NewPolicy(rc.MaxAttempts, rc.InitialBackoff, rc.MaxBackoff, rc.Multiplier)
}

// RunOptions configure the orchestrator run.
type RunOptions struct {
	// Filters limits the run to the given filter ids; empty runs all.
	Filters []string
}

// Run executes the long-running orchestrator.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	filters, err := a.Config.FiltersFor(opts.Filters)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; dedup resets on restart")
	}
	if closeStore != nil {
		defer closeStore()
	}

	driver, err := a.newDriver()
	if err != nil {
		return err
	}
	defer driver.Close()

	sessions := auth.NewManager(driver, a.Config.Sites, a.Config.Auth, policyFrom(a.Config.Auth.Retry), a.Logger)
	pool := tabs.NewManager(driver, sessions, filters, a.Config.Tabs.MaxPerSite, a.Logger)
	detector := defense.NewDetector(driver, a.Config.Sites, a.Logger)

	var snapshots *extract.SnapshotWriter
	if a.Config.Snapshots.Enabled {
		snapshots = extract.NewSnapshotWriter(a.Config.Snapshots.Dir)
	}
	pipeline := extract.NewPipeline(driver, snapshots, a.Logger)

	routes := dispatch.NewRoutes(filters, a.Config.Dispatch.SiteChannels)
	var dispatchStore storage.DispatchStore
	var alertLog storage.AlertLogStore
	var locker storage.AdvisoryLocker
	if store != nil {
		dispatchStore = store
		alertLog = store
		locker = store
	}
	queue := dispatch.NewQueue(routes, a.newNotifier(), dispatchStore, a.Config.Dispatch, policyFrom(a.Config.Dispatch.Retry), a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Poller.Interval,
		Jitter:       a.Config.Poller.Jitter,
		StartupDelay: a.Config.Poller.StartupDelay,
	}, a.Logger)

	svc := service.New(a.Config, filters, sched, sessions, pool, detector, pipeline, queue, policyFrom(a.Config.Defense.Backoff), alertLog, locker, a.Logger)

	a.Logger.Info().Int("filters", len(filters)).Msg("starting orchestrator")
	err = svc.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	svc.Shutdown(shutdownCtx)
	shutdownCancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("orchestrator terminated with error")
		return err
	}

	a.Logger.Info().Msg("orchestrator stopped")
	return nil
}

// ExportOptions hold parameters for exporting the alert log.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
