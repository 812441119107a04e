package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/ezariago/anemon-backend/internal/auth"
	"github.com/ezariago/anemon-backend/internal/config"
	"github.com/ezariago/anemon-backend/internal/dispatch"
	httpapi "github.com/ezariago/anemon-backend/internal/http"
	"github.com/ezariago/anemon-backend/internal/logging"
	"github.com/ezariago/anemon-backend/internal/matching"
	"github.com/ezariago/anemon-backend/internal/routing"
	"github.com/ezariago/anemon-backend/internal/telemetry"
	"github.com/ezariago/anemon-backend/internal/trip"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.NewLogger("anemon-dispatch", cfg.LogLevel)

	directory, err := auth.NewPostgresDirectory(cfg.PGDSN)
	if err != nil {
		logger.Error("user directory unavailable", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer directory.Close()

	if cfg.RunMigrations {
		if err := runMigrations(directory, logger); err != nil {
			logger.Error("migrations failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, directory)

	// with kafka configured, events reach postgres through the archiving
	// consumer; writing them directly too would store every event twice
	var sinks []telemetry.Store
	if len(cfg.KafkaBrokers) > 0 {
		ks := telemetry.NewKafkaStore(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer ks.Close()
		sinks = append(sinks, ks)
	} else {
		sinks = append(sinks, telemetry.NewPostgresStoreFromDB(directory.DB()))
	}
	tel := telemetry.NewAppender(logger, sinks...)

	var routes routing.RouteClient = routing.NewGoogleRoutesClient(cfg.GoogleAPIKey)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		routes = routing.NewCachedRouteClient(routes, rdb, cfg.RouteCacheTTL, logger)
	}
	geocoder, err := routing.NewGoogleGeocoder(cfg.GoogleAPIKey, cfg.RoutingRegion)
	if err != nil {
		logger.Error("geocoder init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	matchingReg := dispatch.NewRegistry()
	tripReg := dispatch.NewRegistry()
	pool := matching.NewPool(routes, geocoder, matchingReg, tel, cfg.MatchingThreshold, logger)
	trips := trip.NewRegistry(routes, tel, pool, logger)
	pool.AttachTrips(trips)

	api := httpapi.NewServer(httpapi.Options{
		Logger:       logger,
		Verifier:     verifier,
		Pool:         pool,
		Trips:        trips,
		MatchingReg:  matchingReg,
		TripReg:      tripReg,
		Routes:       routes,
		Geocoder:     geocoder,
		PingInterval: cfg.PingInterval,
		PongTimeout:  cfg.PongTimeout,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("dispatcher listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", slog.String("error", err.Error()))
	}
}

// runMigrations applies every migrations/*.sql in lexical order.
func runMigrations(directory *auth.PostgresDirectory, logger *slog.Logger) error {
	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := directory.DB().Exec(string(b)); err != nil {
			return err
		}
		logger.Info("migration applied", slog.String("file", f))
	}
	return nil
}
