package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirychukyurii/vpn-node-balancer/internal/api"
	"github.com/kirychukyurii/vpn-node-balancer/internal/model"
	"github.com/kirychukyurii/vpn-node-balancer/internal/repository"
	"github.com/kirychukyurii/vpn-node-balancer/internal/scheduler"
	"github.com/kirychukyurii/vpn-node-balancer/pkg/httpserver"
)

// firstRunDelay postpones the first background run after startup
const firstRunDelay = 5 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API and background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, log)
		if err != nil {
			log.Error("failed to initialize", slog.String("error", err.Error()))
			return err
		}
		defer a.Close()

		opts := []scheduler.Option{scheduler.WithStartDelay(firstRunDelay)}
		if cfg.Coordination.Etcd.Enabled() {
			locks, err := repository.NewEtcdRepository(cfg.Coordination.Etcd, log)
			if err != nil {
				log.Error("failed to create etcd repository", slog.String("error", err.Error()))
				return err
			}
			defer locks.Close()
			opts = append(opts, scheduler.WithLocker(locks))
		}

		jobs := scheduler.New(log, opts...)
		if cfg.HealthCheck.Enabled {
			jobs.Add(scheduler.Job{
				Name:     "health-check",
				Interval: cfg.HealthCheck.Interval,
				Backoff:  cfg.HealthCheck.RetryBackoff,
				Run:      a.checker.Run,
			})
		} else {
			log.Info("health check is disabled")
		}
		jobs.Add(scheduler.Job{
			Name:     "rebalance",
			Interval: cfg.Balancer.RebalanceInterval,
			Run:      rebalanceJob(a),
		})
		jobs.Add(scheduler.Job{
			Name:     "reconcile-counters",
			Interval: cfg.Balancer.ReconcileInterval,
			Run: func(ctx context.Context) error {
				_, err := a.balancer.ReconcileCounters(ctx)
				return err
			},
		})
		jobs.Start(ctx)

		handler := api.NewHandler(api.Services{
			Nodes:       a.nodes,
			Balancer:    a.balancer,
			Health:      a.checker,
			Connections: a.pool,
		}, cfg.Server.BasePath, log)

		srv := httpserver.New(
			cfg.Server.Addr,
			handler.Router(),
			cfg.Server.ReadTimeout,
			cfg.Server.WriteTimeout,
			log,
		)

		log.Info("starting node-balancer service")
		err = srv.Run(ctx)
		if err != nil {
			log.Error("server error", slog.String("error", err.Error()))
		}

		log.Info("shutting down background jobs")
		jobs.Stop()

		log.Info("shutdown complete")
		return err
	},
}

func rebalanceJob(a *app) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		res := a.balancer.RebalanceUsers(ctx)
		if res.Reason == model.RebalanceReasonError {
			return errors.New(res.Error)
		}
		return nil
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
