// Command g2e-server serves the broker connection API.
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

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/config"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/crypto"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/limiter"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/migrate"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/oauth"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/oauth/oauthobs"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/orchestrator"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/registry"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/repository"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/repository/memory"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/repository/postgres"
	httpserver "github.com/bobbyuzda1/g2e-trading-app-sub000/internal/server/http"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/trace"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/vault"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const serviceName = "g2e-server"

type stores struct {
	creds   repository.CredentialRepository
	conns   repository.ConnectionRepository
	states  repository.StateRepository
	limiter limiter.Limiter
	close   func()
}

func openStores(ctx context.Context, cfg config.Config, log *zap.Logger) (stores, error) {
	if cfg.Store == config.StoreMemory {
		log.Warn("using in-memory store; data is lost on restart")
		return stores{
			creds:   memory.NewCredentialRepo(),
			conns:   memory.NewConnectionRepo(),
			states:  memory.NewStateRepo(),
			limiter: limiter.NewMemory(cfg.CallbackWindow, cfg.CallbackMaxFails, cfg.CallbackBlock),
			close:   func() {},
		}, nil
	}

	if err := migrate.Up(ctx, cfg.DSN, log); err != nil {
		return stores{}, err
	}
	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return stores{}, err
	}
	return stores{
		creds:   postgres.NewCredentialRepo(db),
		conns:   postgres.NewConnectionRepo(db),
		states:  postgres.NewStateRepo(db),
		limiter: limiter.NewPG(db.Pool, cfg.CallbackWindow, cfg.CallbackMaxFails, cfg.CallbackBlock),
		close:   db.Close,
	}, nil
}

func buildAdapters(catalog *oauth.Catalog, deps oauth.Deps, log *zap.Logger) (map[model.BrokerID]oauth.Adapter, error) {
	out := make(map[model.BrokerID]oauth.Adapter)
	for _, cfg := range catalog.All() {
		a, err := oauth.NewAdapter(cfg, deps)
		if err != nil {
			return nil, err
		}
		out[cfg.ID] = oauthobs.Wrap(a, cfg.ID, log)
		log.Info("broker enabled", zap.String("broker", string(cfg.ID)), zap.String("protocol", string(cfg.Protocol)))
	}
	return out, nil
}

func newLogger(dev bool) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if dev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// main loads configuration, wires the services and serves HTTP plus a gRPC health endpoint.
func main() {
	cfg, err := config.Load(os.Args[1:], ".env")
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	logger := newLogger(cfg.Dev)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("store", cfg.Store),
	)

	if err := trace.Init(cfg.Tracing, serviceName, version); err != nil {
		logger.Fatal("tracing init", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = trace.Shutdown(sctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key, err := cfg.SealingKey()
	if err != nil {
		logger.Fatal("sealing key", zap.Error(err))
	}
	sealer, err := crypto.NewSealer(key)
	crypto.Wipe(key)
	if err != nil {
		logger.Fatal("sealer", zap.Error(err))
	}

	catalog, err := config.LoadCatalog(cfg.BrokersFile)
	if err != nil {
		logger.Fatal("broker catalog", zap.Error(err))
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.close()

	adapters, err := buildAdapters(catalog, oauth.Deps{
		States:   st.states,
		Sealer:   sealer,
		Client:   &http.Client{Timeout: cfg.RequestTimeout},
		StateTTL: cfg.StateTTL,
		Log:      logger,
	}, logger)
	if err != nil {
		logger.Fatal("adapters", zap.Error(err))
	}

	reg := registry.NewRegistry(st.conns, sealer, logger)
	v := vault.NewVault(st.creds, sealer, reg, logger)
	orch := orchestrator.New(catalog, adapters, v, reg, st.limiter, logger, orchestrator.Options{
		RefreshLead:      cfg.RefreshLead,
		AllowedRedirects: cfg.AllowedRedirects,
	})
	janitor := orchestrator.NewJanitor(reg, st.states, cfg.StateTTL, 3*cfg.RequestTimeout, cfg.SweepInterval, logger)
	go janitor.Run(ctx)

	api := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpserver.New(v, orch, []byte(cfg.JWTKey), logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Admin: health & reflection (dev)
	admin := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(admin, hs)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	if cfg.Dev {
		reflection.Register(admin)
	}
	lis, err := net.Listen("tcp", cfg.AdminAddr)
	if err != nil {
		logger.Fatal("listen admin", zap.Error(err))
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("admin listening", zap.String("addr", cfg.AdminAddr))
		errCh <- admin.Serve(lis)
	}()
	go func() {
		logger.Info("api listening", zap.String("addr", cfg.HTTPAddr))
		if err := api.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	hs.Shutdown()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.Shutdown(sctx); err != nil {
		logger.Warn("api shutdown", zap.Error(err))
	}
	done := make(chan struct{})
	go func() {
		admin.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-sctx.Done():
		admin.Stop()
	}

	logger.Info("shutdown complete")
}
