package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tabbycat18/mesdeparts.ch-sub005/gtfsdb"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/app"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/appconf"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/board"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/clock"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/events"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/feedcache"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/guard"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/logging"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/metrics"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/poller"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/restapi"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/upstream"
	"github.com/tabbycat18/mesdeparts.ch-sub005/internal/webui"
)

const shutdownTimeout = 30 * time.Second

// ParseAPIKeys splits a comma separated key list.
func ParseAPIKeys(apiKeysFlag string) []string {
	return appconf.ParseList(apiKeysFlag)
}

// BuildApplication wires every dependency the HTTP handlers and pollers
// share. Resources opened before a failure are closed again.
func BuildApplication(cfg appconf.Config) (coreApp *app.Application, err error) {
	level := logging.ParseLevel(cfg.LogLevel)
	if cfg.Verbose && cfg.LogLevel == "" {
		level = slog.LevelDebug
	}
	logger := logging.NewLogger(os.Stdout, level, cfg.Env == appconf.Production)
	slog.SetDefault(logger)

	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}

	var clk clock.Clock = clock.RealClock{}
	if cfg.FakeNow != "" {
		clk = clock.NewEnvironmentClock("FAKE_NOW", "", cfg.Timezone)
	}

	m := metrics.NewWithLogger(logger)
	g := guard.New(cfg.Env, cfg.Feeds.BlockedHosts, logger, m)

	ctx := context.Background()
	store, err := feedcache.Open(ctx, cfg.DatabaseURL, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed cache: %w", err)
	}
	defer func() {
		if err != nil {
			logging.SafeCloseWithLogging(store, logger, "feed cache")
		}
	}()

	gtfsDB, err := gtfsdb.NewClient(gtfsdb.NewConfig(cfg.GTFSDBPath, cfg.Env, cfg.Verbose))
	if err != nil {
		return nil, fmt.Errorf("failed to open static schedule database: %w", err)
	}
	defer func() {
		if err != nil {
			logging.SafeCloseWithLogging(gtfsDB, logger, "static schedule database")
		}
	}()

	if cfg.StaticGTFSPath != "" {
		if err = gtfsDB.ImportStatic(ctx, cfg.StaticGTFSPath); err != nil {
			return nil, fmt.Errorf("failed to initialize static schedule: %w", err)
		}
		logging.LogOperation(logger, "static_schedule_loaded",
			slog.String("source", cfg.StaticGTFSPath),
			slog.Duration("runtime", gtfsDB.ImportRuntime()))
	}

	if err = m.RegisterDB("feedcache", store.DB); err != nil {
		return nil, err
	}
	if err = m.RegisterDB("gtfs", gtfsDB.DB); err != nil {
		return nil, err
	}

	lc := board.LoaderConfig{
		Store:     store,
		Clock:     clk,
		Metrics:   m,
		Logger:    logger,
		Freshness: cfg.LoaderFreshness,
		MaxWait:   cfg.LoaderMaxWait,
	}
	coreApp = &app.Application{
		Config:    cfg,
		Logger:    logger,
		Clock:     clk,
		Metrics:   m,
		FeedCache: store,
		GtfsDB:    gtfsDB,
		Guard:     g,
		Events:    events.Noop{},
	}
	if feed, ok := cfg.Feeds.Feed(appconf.FeedTripUpdates); ok {
		coreApp.TripUpdates = board.NewTripUpdatesLoader(feed, lc)
	}
	if feed, ok := cfg.Feeds.Feed(appconf.FeedAlerts); ok {
		coreApp.Alerts = board.NewAlertsLoader(feed, lc)
	}
	coreApp.Board = board.NewService(board.Config{
		Schedule:    gtfsDB,
		TripUpdates: coreApp.TripUpdates,
		Alerts:      coreApp.Alerts,
		Heartbeat:   store,
		Clock:       clk,
		Location:    cfg.Timezone,
		Window:      cfg.BoardWindow,
		Logger:      logger,
	})

	if cfg.NATSURL != "" {
		pub, natsErr := events.Connect(cfg.NATSURL, instanceName(), logger)
		if natsErr != nil {
			return nil, natsErr
		}
		coreApp.Events = pub
	}

	if cfg.RunPoller {
		coreApp.Supervisors = buildSupervisors(coreApp, upstream.NewClient(g, clk))
	}

	return coreApp, nil
}

func buildSupervisors(coreApp *app.Application, fetcher poller.Fetcher) []*poller.Supervisor {
	var out []*poller.Supervisor
	for _, feed := range coreApp.Config.Feeds.Feeds {
		pc := poller.Config{
			Feed:     feed,
			Fetcher:  fetcher,
			Store:    coreApp.FeedCache,
			Clock:    coreApp.Clock,
			Notifier: coreApp.Events,
			Metrics:  coreApp.Metrics,
			Logger:   coreApp.Logger,
		}
		if coreApp.TripUpdates != nil && feed.Name == coreApp.TripUpdates.Name() {
			pc.TripUpdates = coreApp.TripUpdates
		}
		if coreApp.Alerts != nil && feed.Name == coreApp.Alerts.Name() {
			pc.Alerts = coreApp.Alerts
		}
		out = append(out, poller.Supervise(poller.New(pc), poller.SupervisorConfig{
			Clock:   coreApp.Clock,
			Metrics: coreApp.Metrics,
			Logger:  coreApp.Logger,
		}))
	}
	return out
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "mesdeparts"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// CreateServer mounts the API and, outside production, the debug pages.
func CreateServer(coreApp *app.Application, cfg appconf.Config) (*http.Server, *restapi.RestAPI) {
	api := restapi.NewRestAPI(coreApp)

	mux := http.NewServeMux()
	api.SetRoutes(mux)
	if cfg.Env != appconf.Production {
		webUI := &webui.WebUI{Application: coreApp}
		webUI.SetWebUIRoutes(mux)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.Handler(mux),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorLog:     slog.NewLogLogger(coreApp.Logger.Handler(), slog.LevelError),
	}
	return srv, api
}

// Run serves HTTP and supervises the pollers until ctx is cancelled, then
// drains the server and releases every resource BuildApplication opened.
func Run(ctx context.Context, srv *http.Server, coreApp *app.Application, api *restapi.RestAPI) error {
	logger := coreApp.Logger
	defer closeApplication(coreApp)
	defer api.Shutdown()

	// Instances without pollers learn about refreshes from the ones that
	// have them.
	if pub, ok := coreApp.Events.(*events.NATSPublisher); ok && len(coreApp.Supervisors) == 0 {
		sub, err := pub.Subscribe(coreApp.HandleRefreshed)
		if err != nil {
			return fmt.Errorf("subscribe to refresh events: %w", err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range coreApp.Supervisors {
		g.Go(func() error {
			if err := s.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("poller %s: %w", s.Name(), err)
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("starting server", "addr", srv.Addr, "env", coreApp.Config.Env.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logging.LogError(logger, "server stopped with error", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}

func closeApplication(coreApp *app.Application) {
	if pub, ok := coreApp.Events.(*events.NATSPublisher); ok {
		pub.Close()
	}
	if closer, ok := coreApp.FeedCache.(interface{ Close() error }); ok {
		logging.SafeCloseWithLogging(closer, coreApp.Logger, "feed cache")
	}
	if coreApp.GtfsDB != nil {
		logging.SafeCloseWithLogging(coreApp.GtfsDB, coreApp.Logger, "static schedule database")
	}
}
