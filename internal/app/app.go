package app

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"panicwatch/internal/alerting"
	"panicwatch/internal/config"
	"panicwatch/internal/detection"
	"panicwatch/internal/fetcher"
	"panicwatch/internal/recorder"
	"panicwatch/internal/scheduler"
	"panicwatch/internal/server"
	"panicwatch/internal/service"
	"panicwatch/internal/storage"
	"panicwatch/migrations"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	a := &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
	if invalid := cfg.ParsedThresholds().Invalid(); len(invalid) > 0 {
		a.Logger.Warn().Strs("keys", invalid).Msg("invalid thresholds; dependent detectors are disabled")
	}
	return a
}

func (a *App) location() *time.Location {
	loc, err := a.Config.Location()
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseDate parses a YYYY-MM-DD flag value as a civil date in the tracker timezone.
func (a *App) ParseDate(value string) (time.Time, error) {
	return time.ParseInLocation(detection.DateLayout, value, a.location())
}

// Today returns midnight of now's civil date in the tracker timezone.
func (a *App) Today(now time.Time) time.Time {
	return detection.Day(now.In(a.location()))
}

func (a *App) newTracker(ctx context.Context) *fetcher.Tracker {
	tc := a.Config.Tracker
	client := fetcher.NewAuthenticatedClient(ctx, tc.AccessToken, tc.RequestTimeout)
	backoff := fetcher.NewBackoff(client, fetcher.BackoffOptions{
		InitialBackoff: tc.InitialBackoff,
		MaxRetries:     tc.MaxRetries,
		UserAgent:      tc.UserAgent,
	}, a.Logger)
	return fetcher.NewTracker(backoff, fetcher.TrackerOptions{
		BaseURL:  tc.BaseURL,
		Location: a.location(),
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	store, closer, err := a.openStoreWithoutMigrations(ctx)
	if err != nil || store == nil {
		return nil, nil, err
	}

	if a.Config.Database.AutoMigrate {
		if _, err := a.applyMigrations(ctx, store); err != nil {
			closer()
			return nil, nil, err
		}
	}
	return store, closer, nil
}

func (a *App) openStoreWithoutMigrations(ctx context.Context) (*storage.Store, func(), error) {
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

// requireStore opens the store and fails when no DSN is configured.
func (a *App) requireStore(ctx context.Context, action string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database not configured; cannot " + action)
	}
	return store, closeStore, nil
}

func (a *App) migrationsFS() fs.FS {
	if path := a.Config.Database.MigrationsPath; path != "" {
		return os.DirFS(path)
	}
	return migrations.FS
}

func (a *App) applyMigrations(ctx context.Context, store *storage.Store) ([]string, error) {
	applied, err := store.RunMigrations(ctx, a.migrationsFS())
	if err != nil {
		return nil, err
	}
	if len(applied) > 0 {
		a.Logger.Info().Strs("migrations", applied).Msg("migrations applied")
	}
	return applied, nil
}

type runtime struct {
	tracker  *fetcher.Tracker
	recorder *recorder.Recorder
	service  *service.Service
}

func (a *App) newRuntime(ctx context.Context, store *storage.Store, sched *scheduler.Scheduler) runtime {
	tracker := a.newTracker(ctx)
	rec := recorder.New(store, a.Logger)
	svc := service.New(a.Config, service.Dependencies{
		Scheduler: sched,
		Source:    tracker,
		Recorder:  rec,
		Watermark: store,
		Notifier:  a.newNotifier(),
	}, a.Logger)
	return runtime{tracker: tracker, recorder: rec, service: svc}
}

func (a *App) newServer(rt runtime) *server.Server {
	return server.New(a.Config.Server, server.Dependencies{
		Events:   rt.recorder,
		Cycles:   rt.service,
		Sleep:    rt.tracker,
		Location: a.location(),
	}, a.Logger)
}

// Run executes the scheduler and the HTTP server until interrupted.
func (a *App) Run(ctx context.Context) error {
	return a.serve(ctx, a.Config.Scheduler.Enabled)
}

// Serve runs only the HTTP server; cycles start from webhook deliveries.
func (a *App) Serve(ctx context.Context) error {
	return a.serve(ctx, false)
}

func (a *App) serve(ctx context.Context, poll bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.requireStore(ctx, "run ingestion")
	if err != nil {
		return err
	}
	defer closeStore()

	var sched *scheduler.Scheduler
	if poll {
		sched = scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			RunOnStart:   true,
		}, a.Logger)
	}

	rt := a.newRuntime(ctx, store, sched)
	srv := a.newServer(rt)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	if sched != nil {
		g.Go(func() error { return rt.service.Run(gctx) })
	}

	a.Logger.Info().Bool("poll", poll).Str("addr", a.Config.Server.Addr).Msg("starting panicwatch")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("panicwatch stopped")
	return nil
}

// IngestOptions configure a one-off ingestion cycle.
type IngestOptions struct {
	Today  *time.Time
	From   *time.Time
	DryRun bool
}

// EventsOptions configure the events listing.
type EventsOptions struct {
	From  *time.Time
	To    *time.Time
	Limit int
}

// ExportOptions hold parameters for exporting detection events.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxEvents int
}

// SimulateOptions point the detectors at local payload files.
type SimulateOptions struct {
	HRVPath       string
	HeartRatePath string
	IntradayPath  string
	Day           time.Time
	Notify        bool
}
