package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/h2-dashboard/backend/internal/alerts"
	"github.com/h2-dashboard/backend/internal/api"
	"github.com/h2-dashboard/backend/internal/archive"
	"github.com/h2-dashboard/backend/internal/history"
	"github.com/h2-dashboard/backend/internal/ingest"
	"github.com/h2-dashboard/backend/internal/logging"
	"github.com/h2-dashboard/backend/internal/models"
	"github.com/h2-dashboard/backend/internal/notify"
	"github.com/h2-dashboard/backend/internal/storage"
	"github.com/h2-dashboard/backend/internal/transport"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the backend and serve the dashboard API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.Component(logger, "serve")
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	tel := ingest.NewTelemetry(ingest.Options{
		Capacity:       cfg.Buffers.Capacity,
		ConfirmTimeout: cfg.Pumps.ConfirmTimeout,
		Log:            logging.Component(logger, "ingest"),
	})

	conn := transport.New(transportConfig(), logging.Component(logger, "transport"))
	tel.Attach(conn)
	conn.OnConnect(func() { log.Info("backend connected") })
	conn.OnDisconnect(func(err error) { log.WithError(err).Warn("backend disconnected") })
	dispatcher := ingest.NewDispatcher(tel, conn, logging.Component(logger, "dispatch"))

	fetcher := newFetcher()
	seedBuffers(ctx, fetcher, tel, log)

	mgr, err := newAlertManager(store)
	if err != nil {
		return err
	}

	if cfg.Notify.NatsURL != "" {
		pub, err := notify.Dial(notify.Config{
			URL:     cfg.Notify.NatsURL,
			Subject: cfg.Notify.Subject,
		}, logging.Component(logger, "notify"))
		if err != nil {
			log.WithError(err).Warn("alert notifications disabled")
		} else {
			defer pub.Close()
			queued := alerts.NewQueuedPublisher(pub, 0, logging.Component(logger, "notify"))
			defer queued.Close()
			mgr.AddPublisher(queued)
		}
	}

	deps := api.Dependencies{
		Telemetry: tel,
		Pumps:     dispatcher,
		Link:      conn,
		History:   fetcher,
		Alerts:    mgr,
		Version:   Version,
	}

	if cfg.Archive.Enabled {
		arc, err := archive.Open(archive.Options{
			Path:        cfg.Archive.Path,
			MemoryLimit: cfg.Archive.MemoryLimit,
			Threads:     cfg.Archive.Threads,
			BatchSize:   cfg.Archive.BatchSize,
			Log:         logging.Component(logger, "archive"),
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := arc.Close(); err != nil {
				log.WithError(err).Error("closing archive")
			}
		}()
		arc.Record(tel)
		deps.Archive = arc
	}

	hub := api.NewHub(tel, dispatcher, logging.Component(logger, "ws"))
	mgr.AddPublisher(hub)

	monitor := alerts.NewMonitor(mgr, tel, cfg.Alerts.CheckInterval, logging.Component(logger, "alerts"))
	if err := monitor.Start(); err != nil {
		return fmt.Errorf("failed to start alert monitor: %w", err)
	}
	defer monitor.Stop()

	e := echo.New()
	api.SetupMiddleware(e, api.ServerOptions{
		EnableCORS:     cfg.Server.EnableCORS,
		AllowOrigins:   cfg.Server.AllowOrigins,
		BodyLimit:      cfg.Server.BodyLimit,
		RequestTimeout: cfg.Backend.Timeout + 5*time.Second,
		Log:            logging.Component(logger, "api"),
	})
	api.RegisterRoutes(e, api.NewHandler(deps), hub)

	if err := conn.Start(ctx); err != nil {
		log.WithError(err).Warn("backend not reachable yet")
	}

	log.WithFields(logrus.Fields{
		"version": Version,
		"listen":  cfg.GetServerAddr(),
		"backend": cfg.Backend.URL,
		"storage": cfg.Storage.Type,
		"archive": cfg.Archive.Enabled,
	}).Info("dashboard service started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s := &http.Server{
			Addr:         cfg.GetServerAddr(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		hub.Close()
		if err := conn.Close(); err != nil {
			log.WithError(err).Debug("closing backend connection")
		}
		return e.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context) (storage.Store, func(), error) {
	switch cfg.Storage.Type {
	case "redis":
		rs, err := storage.DialRedis(ctx, cfg.Storage.RedisAddr, cfg.Storage.RedisPassword,
			cfg.Storage.RedisDB, cfg.Storage.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil
	default:
		ls, err := storage.NewLocalStore(cfg.Storage.DataDirectory)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		return ls, func() {}, nil
	}
}

func transportConfig() transport.Config {
	tc := transport.DefaultConfig(cfg.WebSocketURL())
	tc.ConnectTimeout = cfg.Transport.ConnectTimeout
	tc.ReconnectDelay = cfg.Transport.ReconnectDelay
	tc.ReconnectDelayMax = cfg.Transport.ReconnectDelayMax
	tc.ReconnectAttempts = cfg.Transport.ReconnectAttempts
	tc.Jitter = cfg.Transport.Jitter
	if cfg.Backend.Token != "" {
		tc.Header = http.Header{}
		tc.Header.Set("Authorization", "Bearer "+cfg.Backend.Token)
	}
	return tc
}

func newFetcher() *history.Fetcher {
	return history.NewFetcher(history.Config{
		BaseURL: cfg.Backend.URL,
		Timeout: cfg.Backend.Timeout,
		Tokens:  history.StaticToken(cfg.Backend.Token),
		Log:     logging.Component(logger, "history"),
	})
}

// seedBuffers preloads the live buffers with the newest backend history.
func seedBuffers(ctx context.Context, f *history.Fetcher, tel *ingest.Telemetry, log *logrus.Entry) {
	points, err := f.FetchRecent(ctx)
	if err != nil {
		log.WithError(err).Warn("could not load initial history")
		return
	}
	tel.Seed(points)
	log.WithField("points", len(points)).Info("buffers seeded from history")
}

func newAlertManager(store storage.Store) (*alerts.Manager, error) {
	var defaults []models.AlertRule
	if cfg.Alerts.RulesFile != "" {
		rules, err := alerts.ParseRulesFile(cfg.Alerts.RulesFile)
		switch {
		case os.IsNotExist(err):
			logger.WithField("file", cfg.Alerts.RulesFile).Warn("rules file not found, using built-in defaults")
		case err != nil:
			return nil, err
		default:
			defaults = rules
		}
	}
	return alerts.NewManager(alerts.Options{
		Store:    store,
		Defaults: defaults,
		Log:      logging.Component(logger, "alerts"),
	})
}
