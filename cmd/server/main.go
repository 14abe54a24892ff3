// Command fanrelay-server runs a home server: the mailstore gRPC API for local
// clients and the HTTP maildrop for peer servers.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/fanrelay/internal/clock"
	"github.com/and161185/fanrelay/internal/config"
	"github.com/and161185/fanrelay/internal/fanout"
	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/limiter"
	"github.com/and161185/fanrelay/internal/mailstore"
	"github.com/and161185/fanrelay/internal/maildrop"
	"github.com/and161185/fanrelay/internal/migrate"
	"github.com/and161185/fanrelay/internal/repository"
	"github.com/and161185/fanrelay/internal/repository/memory"
	"github.com/and161185/fanrelay/internal/repository/postgres"
	grpcserver "github.com/and161185/fanrelay/internal/server/grpc"
	"github.com/and161185/fanrelay/internal/server/httpapi"
	"github.com/and161185/fanrelay/internal/sender"
	"github.com/and161185/fanrelay/internal/signup"
	"github.com/and161185/fanrelay/internal/store"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type repos struct {
	auth     repository.AuthRepository
	fanout   repository.FanoutRepository
	replicas repository.ReplicaRepository
	peers    repository.PeerRepository
	limiter  limiter.Limiter
}

// main loads configuration, wires storage and starts both listeners.
func main() {
	cfg, err := config.LoadServer(os.Args[1:])
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("grpc", cfg.Listen.GRPC),
		zap.String("http", cfg.Listen.HTTP),
	)

	kr, err := keyring.LoadOrCreate(cfg.Keys.File)
	if err != nil {
		logger.Fatal("server keys", zap.Error(err))
	}
	logger.Info("server identity",
		zap.Stringer("transit", kr.BoxPublicKey()),
		zap.Stringer("sign", kr.SignPublicKey()),
		zap.String("publicURL", cfg.PublicURL),
	)

	seeds, err := cfg.ServerPeers()
	if err != nil {
		logger.Fatal("peers", zap.Error(err))
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	var r repos
	if cfg.Database.DSN == "" {
		logger.Warn("no database configured, state is kept in memory")
		mem := memory.New()
		r = repos{auth: mem, fanout: mem, replicas: mem, peers: mem,
			limiter: limiter.NewMemory(clk, cfg.Signup.Window, cfg.Signup.MaxAttempts, cfg.Signup.BlockFor)}
	} else {
		if err := migrate.Up(ctx, cfg.Database.DSN); err != nil {
			logger.Fatal("migrate up", zap.Error(err))
		}
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatal("pgxpool.New", zap.Error(err))
		}
		defer pool.Close()
		db := &postgres.DB{Pool: pool}
		r = repos{
			auth:     postgres.NewAuthRepo(db),
			fanout:   postgres.NewFanoutRepo(db),
			replicas: postgres.NewReplicaRepo(db),
			peers:    postgres.NewPeerRepo(db),
			limiter:  limiter.NewPG(pool, cfg.Signup.Window, cfg.Signup.MaxAttempts, cfg.Signup.BlockFor),
		}
	}

	var notifier store.Notifier = store.NewMemoryNotifier()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		notifier = store.NewRedisNotifier(rdb, logger)
	}
	replicas := store.New(r.replicas, kr, notifier, clk, logger)

	dir := sender.NewDirectory(r.peers, seeds, logger)
	if err := dir.Load(ctx); err != nil {
		logger.Fatal("load peers", zap.Error(err))
	}
	snd := sender.New(kr, dir, &http.Client{Timeout: 30 * time.Second}, sender.Config{
		MaxRetries: cfg.Sender.MaxRetries,
		BaseDelay:  cfg.Sender.BaseDelay,
	}, logger)

	recv := maildrop.New(maildrop.Deps{
		Keyring:   kr,
		Auth:      r.auth,
		Fanout:    fanout.NewAuthority(r.fanout, r.auth, clk, logger),
		Broadcast: fanout.NewBroadcaster(kr, snd, logger),
		Sender:    snd,
		Store:     replicas,
		Peers:     dir,
	}, cfg.Task.Timeout, logger)
	snd.SetLocal(recv)

	app := grpcserver.New(grpcserver.Deps{
		Keyring:  kr,
		Signups:  signup.New(r.auth, r.limiter, kr.BoxPublicKey(), clk, logger),
		Auth:     r.auth,
		Relay:    snd,
		Replicas: replicas,
		Peers:    dir,
		Clock:    clk,
	}, logger)

	// gRPC server with interceptors
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
		),
		grpc.ChainStreamInterceptor(
			grpcserver.RecoverStream(logger),
			grpcserver.LoggingStream(logger),
			grpcserver.AuthStream(app.Authenticate),
		),
	}
	if cfg.TLS.Cert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("TLS disabled")
	}
	s := grpc.NewServer(opts...)
	mailstore.Register(s, app)

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if cfg.Dev {
		reflection.Register(s)
	}

	hsrv := &http.Server{
		Addr:              cfg.Listen.HTTP,
		Handler:           httpapi.NewRouter(recv, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Listen
	lis, err := net.Listen("tcp", cfg.Listen.GRPC)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("mailstore listening", zap.String("addr", cfg.Listen.GRPC))
		errCh <- s.Serve(lis)
	}()
	go func() {
		logger.Info("maildrop listening", zap.String("addr", cfg.Listen.HTTP))
		if err := hsrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		// graceful shutdown
		hs.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hsrv.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-sctx.Done():
			s.Stop()
		}
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
