// Command presence-server runs the attendance gRPC API, the token rotation
// schedulers and the display websocket surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	pb "github.com/and161185/presence/internal/api/presencev1"
	"github.com/and161185/presence/internal/auth"
	"github.com/and161185/presence/internal/config"
	"github.com/and161185/presence/internal/display"
	"github.com/and161185/presence/internal/limiter"
	"github.com/and161185/presence/internal/migrate"
	"github.com/and161185/presence/internal/repository"
	"github.com/and161185/presence/internal/repository/gormstore"
	"github.com/and161185/presence/internal/repository/postgres"
	"github.com/and161185/presence/internal/rotation"
	grpcserver "github.com/and161185/presence/internal/server/grpc"
	"github.com/and161185/presence/internal/service"
	"github.com/and161185/presence/internal/token"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "migrate":
			os.Exit(runMigrate(args[1:], os.Stdout, os.Stderr))
		case "token":
			os.Exit(runToken(args[1:], os.Stdout, os.Stderr))
		case "student":
			os.Exit(runStudent(args[1:], os.Stdout, os.Stderr))
		case "version":
			fmt.Printf("presence-server %s (%s)\n", version, buildDate)
			return
		}
	}

	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	var logger *zap.Logger
	if cfg.Dev {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer func() { _ = logger.Sync() }()

	if err := serve(cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// openStore returns the configured store and the matching submission limiter.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repository.Store, limiter.Limiter, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		st, err := gormstore.Open(cfg.SQLitePath, cfg.StoreTimeout)
		if err != nil {
			return nil, nil, err
		}
		lim := limiter.NewMemory(cfg.LimiterWindow, cfg.LimiterMaxFails, cfg.LimiterBlockFor)
		go func() {
			t := time.NewTicker(cfg.LimiterWindow)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					lim.Sweep()
				}
			}
		}()
		logger.Info("store: sqlite", zap.String("path", cfg.SQLitePath))
		return st, lim, nil
	default:
		if err := migrate.Up(ctx, cfg.DSN); err != nil {
			return nil, nil, fmt.Errorf("migrate up: %w", err)
		}
		db, err := postgres.New(ctx, cfg.DSN, cfg.StoreTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("pgxpool: %w", err)
		}
		logger.Info("store: postgres")
		return postgres.NewStore(db), limiter.NewPG(db.Pool, cfg.LimiterWindow, cfg.LimiterMaxFails, cfg.LimiterBlockFor), nil
	}
}

func serve(cfg config.Config, logger *zap.Logger) error {
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.GRPCAddr),
		zap.String("httpAddr", cfg.HTTPAddr),
		zap.String("store", cfg.Store),
		zap.String("replica", cfg.ReplicaID),
	)
	if cfg.TokenSecretDefaulted {
		logger.Warn("token secret not set, using the built-in default; set PRESENCE_TOKEN_SECRET in production")
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, lim, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	codec, err := token.NewCodec([]byte(cfg.TokenSecret))
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}

	// Displays: local hub, optionally fanned out through redis
	hub := display.NewHub(logger.Named("display"), 0)
	var sink display.Sink = hub
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		relay := display.NewRedisRelay(rdb, cfg.RedisChannel, hub, logger.Named("relay"))
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("redis relay stopped", zap.Error(err))
			}
		}()
		sink = relay
	}

	// Rotation
	registry := rotation.NewRegistry(ctx, rotation.Config{
		Period:         cfg.RotationPeriod,
		Generator:      token.NewGenerator(),
		Encoder:        codec,
		Publisher:      service.NewTokenPublisher(store.Sessions(), sink, cfg.ReplicaID, cfg.RotationLease),
		Logger:         logger.Named("rotation"),
		PublishTimeout: cfg.PublishTimeout,
	})
	defer registry.StopAll()

	// Services
	protocol := service.NewCommitProtocol(store, codec, token.NewValidator(cfg.Windows()), logger.Named("commit"))
	attendanceSvc := service.NewAttendanceService(protocol, store, lim, logger.Named("attendance"))
	sessionSvc := service.NewSessionService(store, registry, sink, cfg.ReplicaID, logger.Named("sessions"))

	n, err := sessionSvc.ResumeActive(ctx)
	if err != nil {
		return err
	}
	logger.Info("rotation resumed", zap.Int("sessions", n))

	// Take over sessions whose rotating replica went away
	go func() {
		t := time.NewTicker(cfg.RotationLease)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := sessionSvc.ResumeActive(ctx)
				if err != nil {
					logger.Warn("rotation takeover scan failed", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Info("rotation taken over", zap.Int("sessions", n))
				}
			}
		}
	}()

	verifier := auth.NewVerifier([]byte(cfg.JWTKey))

	// gRPC server with interceptors
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.AuthUnary(verifier),
		),
	}
	if cfg.TLS() {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("no TLS cert/key configured, serving gRPC in plaintext")
	}
	s := grpc.NewServer(opts...)
	pb.RegisterPresenceServer(s, grpcserver.New(sessionSvc, attendanceSvc))

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Dev {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           display.NewHandler(hub, store.Sessions(), verifier, cfg.CORSOrigins, logger.Named("http")),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening (gRPC)", zap.String("addr", cfg.GRPCAddr), zap.Bool("tls", cfg.TLS()))
		errCh <- s.Serve(lis)
	}()
	go func() {
		logger.Info("listening (display)", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for stop
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	hs.Shutdown()
	registry.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	// graceful shutdown
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.Stop()
	}
	return serveErr
}
