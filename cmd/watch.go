package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/lockedin-study/lockedin-sync/api/handlers"
	"github.com/lockedin-study/lockedin-sync/api/middleware"
	"github.com/lockedin-study/lockedin-sync/internal/appconfig"
	"github.com/lockedin-study/lockedin-sync/internal/apperrors"
	"github.com/lockedin-study/lockedin-sync/internal/coordinator"
	"github.com/lockedin-study/lockedin-sync/internal/events"
	"github.com/lockedin-study/lockedin-sync/internal/lifecycle"
	"github.com/lockedin-study/lockedin-sync/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	host string
	port int
)

// @title LockedIn Sync Control API
// @version v1
// @description Local control API for a LockedIn study session.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the session: live group sync, presence, timer and the local control API",
	Run: func(cmd *cobra.Command, args []string) {

		// Load the config, open the session and set up logging
		commonSetUp()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// A missing store is not fatal: the control API stays up so
		// credentials can be supplied through PUT /credentials.
		var adapter store.Adapter
		storeURL, err := resolveStoreURL(ctx)
		switch {
		case err == nil:
			adapter, err = openStore(ctx, storeURL)
			if err != nil {
				log.Error().Err(err).Msg("failed to connect to store, waiting for credentials")
			}
		case apperrors.KindOf(err) == apperrors.KindConfigMissing:
			log.Warn().Err(err).Msg("no store configured, waiting for credentials")
		default:
			log.Error().Err(err).Msg("failed to resolve store credentials")
		}

		// Initialize event publisher
		notifier := newNotifier(appCfg.Pulsar)
		defer notifier.Close()

		coord, err := coordinator.New(coordinator.Options{
			Session:  sess,
			Adapter:  adapter,
			Dial:     openStore,
			Notifier: notifier,
			WakeLock: newWakeLock(appCfg.WakeLock),
			Logger:   &log.Logger,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create coordinator")
		}

		done := make(chan error, 1)
		go func() { done <- coord.Run(ctx) }()

		// Create routes
		r := mux.NewRouter()
		r.Use(middleware.WithLogger)
		r.Use(middleware.LogRequests)
		r.Use(middleware.LoopbackOnly)
		handlers.Routes(r, coord)

		if cmd.Flags().Changed("host") {
			appCfg.API.Host = host
		}
		if cmd.Flags().Changed("port") {
			appCfg.API.Port = port
		}
		srv := &http.Server{
			Addr:              appCfg.API.Addr(),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			log.Info().Str("addr", srv.Addr).Msg("control API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("could not start server")
				stop()
			}
		}()

		<-ctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shut down control API")
		}
		if err := <-done; err != nil {
			log.Error().Err(err).Msg("coordinator stopped with error")
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&host, "host", "127.0.0.1", "host for the control API")
	watchCmd.Flags().IntVar(&port, "port", 7420, "port for the control API")
}

// newNotifier publishes status events to Pulsar when a producer topic is
// configured.
func newNotifier(cfg appconfig.PulsarConfig) events.Notifier {
	if cfg.URL == "" || cfg.TopicProducer == "" {
		return events.NopNotifier{}
	}
	publisher, err := events.NewEventPublisher(cfg.URL, cfg.TopicProducer, &log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize event publisher, status events disabled")
		return events.NopNotifier{}
	}
	return publisher
}

func newWakeLock(cfg appconfig.WakeLockConfig) lifecycle.WakeLock {
	switch cfg.Mode {
	case "none":
		return lifecycle.NoopWakeLock{}
	case "inhibit":
		return lifecycle.NewInhibitWakeLock()
	}
	log.Warn().Str("mode", cfg.Mode).Msg("unknown wake lock mode, wake lock disabled")
	return lifecycle.NoopWakeLock{}
}
