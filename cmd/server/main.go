// Package main provides the entry point for the lock coordinator server.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/kneutral-org/lockcoord/internal/config"
	"github.com/kneutral-org/lockcoord/internal/lock"
	"github.com/kneutral-org/lockcoord/internal/logging"
	"github.com/kneutral-org/lockcoord/internal/middleware"
	"github.com/kneutral-org/lockcoord/internal/status"
)

const serviceName = "lockcoord"

func main() {
	cfg := config.Load()

	// Setup logger
	logger := logging.NewLogger(serviceName, logging.Options{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source, closeSource, err := openSource(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Backend).Msg("failed to open lock backend")
	}
	defer closeSource()

	handle := newHandle(cfg, source, logger)
	reporter := status.NewHealthReporter()
	elector := lock.NewLeaderElector(handle, logger,
		lock.WithMaxRetries(cfg.LockMaxRetries),
		lock.WithRetryBackoff(cfg.LeaderRetryBackoff),
		lock.WithOnBecomeLeader(func() { reporter.SetLeader(true) }),
		lock.WithOnLoseLeader(func() { reporter.SetLeader(false) }),
	)

	// Setup Gin router
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(logger))
	router.Use(middleware.RequestMetrics())
	status.NewHandler(handle, elector, logger, cfg.AdminMaxPayloadSize).RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(logging.GRPCLogger(logger)),
		grpc.ChainStreamInterceptor(logging.GRPCStreamLogger(logger)),
	)
	reporter.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.GRPCPort).Msg("failed to listen for gRPC")
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	go func() {
		logger.Info().Str("port", cfg.GRPCPort).Msg("starting gRPC health server")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Fatal().Err(err).Msg("failed to start gRPC server")
		}
	}()

	elector.Start(ctx)
	lockLog := logging.LockLogger(logger, handle.Name(), handle.Key())
	lockLog.Info().
		Str("backend", cfg.Backend).
		Msg("campaigning for leadership")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	elector.Stop(shutdownCtx)
	reporter.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	grpcServer.GracefulStop()

	logger.Info().Msg("server exited properly")
}

// newHandle builds the coordinated lock from configuration.
func newHandle(cfg *config.Config, source lock.Source, logger zerolog.Logger) *lock.Handle {
	return lock.NewLockHandle(source, cfg.LockName,
		lock.WithBackoff(lock.LinearBackoff(cfg.LockBackoffStep)),
		lock.WithReleaseTimeout(cfg.LockReleaseTimeout),
		lock.WithLogger(logger),
		lock.WithHealthConfig(&lock.HealthConfig{
			Interval:       cfg.HealthInterval,
			Timeout:        cfg.HealthTimeout,
			FailureIsFatal: cfg.HealthFatal,
			OnFailure: func(f *lock.HealthCheckFailure) {
				logger.Warn().Err(f).Str("lockName", f.Name).Bool("fatal", cfg.HealthFatal).
					Msg("lock connection failed its health probe")
			},
		}),
	)
}
