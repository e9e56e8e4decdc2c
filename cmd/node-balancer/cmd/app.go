package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirychukyurii/vpn-node-balancer/internal/config"
	"github.com/kirychukyurii/vpn-node-balancer/internal/events"
	"github.com/kirychukyurii/vpn-node-balancer/internal/healthcheck"
	"github.com/kirychukyurii/vpn-node-balancer/internal/metrics"
	"github.com/kirychukyurii/vpn-node-balancer/internal/panel"
	"github.com/kirychukyurii/vpn-node-balancer/internal/pool"
	"github.com/kirychukyurii/vpn-node-balancer/internal/repository"
	"github.com/kirychukyurii/vpn-node-balancer/internal/service"
)

// app is the wired component graph shared by the commands
type app struct {
	store    repository.Store
	bus      *events.Bus
	pool     *pool.NodeClientPool
	checker  *healthcheck.Checker
	balancer service.LoadBalancer
	nodes    service.NodeManager
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	store, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}

	factory := panel.NewFactory(panel.Options{
		Timeout:            cfg.Pool.RequestTimeout,
		InsecureSkipVerify: cfg.Pool.InsecureSkipVerify,
	})

	bus := events.NewBus(log)
	clients := pool.New(store, factory, cfg.Pool.RefreshInterval, log,
		pool.WithConcurrency(cfg.HealthCheck.Concurrency),
	)
	checker := healthcheck.NewChecker(&cfg.HealthCheck, store, factory, clients, bus, log)
	balancer := service.NewLoadBalancer(store, cfg.Balancer, log)
	nodes := service.NewNodeManager(store, factory, clients, checker, balancer, log)

	if cfg.HealthCheck.EvacuateUnhealthy {
		bus.Subscribe(events.NodeDown, balancer.HandleNodeDown)
		log.Info("unhealthy nodes will be evacuated",
			slog.Int("failed_threshold", cfg.HealthCheck.FailedThreshold),
		)
	}

	return &app{
		store:    store,
		bus:      bus,
		pool:     clients,
		checker:  checker,
		balancer: balancer,
		nodes:    nodes,
	}, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (repository.Store, error) {
	if cfg.Driver == config.DriverMemory {
		log.Warn("using in-memory store, state is lost on restart")
		return repository.NewMemoryStore(), nil
	}

	if cfg.MigrateOnStart {
		if err := repository.RunMigrations(cfg.URL); err != nil {
			return nil, err
		}
		log.Info("database migrations applied")
	}

	store, err := repository.NewPostgresStore(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	metrics.RegisterPgxPoolMetrics(store.Pool())

	return store, nil
}

func (a *app) Close() {
	a.bus.Close()
	a.store.Close()
}
