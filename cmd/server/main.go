// Command banksync-server starts the bank sync gRPC server and its workers.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/banksync/internal/api"
	"github.com/and161185/banksync/internal/config"
	"github.com/and161185/banksync/internal/crypto"
	"github.com/and161185/banksync/internal/limiter"
	"github.com/and161185/banksync/internal/metrics"
	"github.com/and161185/banksync/internal/migrate"
	"github.com/and161185/banksync/internal/model"
	"github.com/and161185/banksync/internal/provider"
	"github.com/and161185/banksync/internal/provider/lunchflow"
	"github.com/and161185/banksync/internal/provider/monobank"
	"github.com/and161185/banksync/internal/provider/providertest"
	"github.com/and161185/banksync/internal/queue"
	"github.com/and161185/banksync/internal/repository"
	"github.com/and161185/banksync/internal/repository/memory"
	"github.com/and161185/banksync/internal/repository/postgres"
	grpcserver "github.com/and161185/banksync/internal/server/grpc"
	"github.com/and161185/banksync/internal/service"
	"github.com/and161185/banksync/internal/tracker"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// demo provider credentials, registered only with in-memory storage
const (
	demoProvider model.ProviderType = "demo"
	demoToken                       = "demo-token"
)

// stores groups the repositories of the selected storage backend.
type stores struct {
	conns    repository.ConnectionRepository
	accounts repository.AccountRepository
	external repository.ExternalAccountRepository
	txs      repository.TransactionRepository
	jobs     repository.JobRepository
	tracker  tracker.Tracker
	lim      limiter.Limiter
	close    func()
}

// main loads configuration, prepares storage and runs the gRPC server with the sync workers.
func main() {
	// Flags
	envFile := flag.String("env-file", ".env", "optional dotenv file")
	dev := flag.Bool("dev", false, "development logging and server reflection")
	flag.Parse()

	logger, _ := zap.NewProduction()
	if *dev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.GRPCAddr),
		zap.String("storage", cfg.Storage),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("storage", zap.Error(err))
	}
	defer st.close()

	registry, err := providers(cfg)
	if err != nil {
		logger.Fatal("providers", zap.Error(err))
	}
	sealer, err := crypto.NewSealer(cfg.CredentialsKey)
	if err != nil {
		logger.Fatal("sealer", zap.Error(err))
	}
	mx := metrics.NewRegistry()

	// Queue and services
	q := queue.New(st.jobs, mx, logger)
	linker := service.NewLinker(st.conns, st.accounts, st.external, q, logger)
	exec := queue.NewExecutor(queue.Stores{
		Connections:      st.conns,
		ExternalAccounts: st.external,
		Transactions:     st.txs,
		Jobs:             st.jobs,
		Tracker:          st.tracker,
	}, registry, sealer, linker, queue.ExecutorConfig{
		PageCap:          cfg.PageCap,
		CallTimeout:      cfg.ProviderCallTimeout,
		FailureThreshold: cfg.FailureThreshold,
	}, mx, logger)
	pool := queue.NewPool(q, exec, queue.PoolConfig{Workers: cfg.SyncWorkers, PollInterval: cfg.QueuePollInterval}, mx, logger)
	sweeper := queue.NewSweeper(q, queue.SweeperConfig{
		Interval:        cfg.SweepInterval,
		LivenessTimeout: cfg.JobLivenessTimeout,
		MaxAttempts:     cfg.JobMaxAttempts,
	}, mx, logger)

	connSvc := service.NewConnectionService(st.conns, st.external, registry, sealer, linker, st.lim, cfg.ProviderCallTimeout, logger)
	syncSvc := service.NewSyncManager(st.external, st.txs, st.tracker, q, registry, service.SyncManagerConfig{
		AutoSyncInterval: cfg.AutoSyncInterval,
		StatusStaleAfter: cfg.StatusStaleAfter,
	}, logger)

	// gRPC server with interceptors
	signKey := []byte(cfg.JWTKey)
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			mx.UnaryServerInterceptor(),
			grpcserver.AuthUnary(signKey),
			grpcserver.LoggingUnary(logger),
		),
	}
	if cfg.UseTLS() {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	}
	s := grpc.NewServer(opts...)
	api.RegisterBankSyncServer(s, grpcserver.New(connSvc, linker, syncSvc, signKey))

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if *dev {
		reflection.Register(s)
	}

	// Listen
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.GRPCAddr), zap.Bool("tls", cfg.UseTLS()))
		return s.Serve(lis)
	})
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mx.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	// Wait for stop, then shut everything down
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		if metricsSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = metricsSrv.Shutdown(sctx)
			cancel()
		}
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// openStores runs migrations and opens PostgreSQL, or builds the in-memory store.
func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stores, error) {
	if cfg.Storage == config.StorageMemory {
		m := memory.New()
		return &stores{
			conns:    m.Connections(),
			accounts: m.Accounts(),
			external: m.ExternalAccounts(),
			txs:      m.Transactions(),
			jobs:     m.Jobs(),
			tracker:  m.Tracker(),
			lim:      limiter.NewMemory(15*time.Minute, 5, 15*time.Minute),
			close:    func() {},
		}, nil
	}

	ver, err := migrate.Up(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	log.Info("schema migrated", zap.Int64("version", ver))
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	db := &postgres.DB{Pool: pool}
	return &stores{
		conns:    postgres.NewConnectionRepo(db),
		accounts: postgres.NewAccountRepo(db),
		external: postgres.NewExternalAccountRepo(db),
		txs:      postgres.NewTransactionRepo(db),
		jobs:     postgres.NewJobRepo(db),
		tracker:  tracker.NewPG(pool),
		lim:      limiter.NewPG(pool, 15*time.Minute, 5, 15*time.Minute),
		close:    pool.Close,
	}, nil
}

// providers builds the adapter registry. Monobank allows one statement call per minute per token.
func providers(cfg *config.Config) (*provider.Registry, error) {
	adapters := []provider.Adapter{
		monobank.New(monobank.NewClient(cfg.MonobankBaseURL, nil, rate.Every(time.Minute))),
		lunchflow.New(lunchflow.NewClient(cfg.LunchFlowBaseURL, nil)),
	}
	if cfg.Storage == config.StorageMemory {
		adapters = append(adapters, providertest.Demo(demoProvider, demoToken))
	}
	return provider.NewRegistry(adapters...)
}
