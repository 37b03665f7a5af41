package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DEEJ4Y/jobstore"
	"github.com/DEEJ4Y/jobstore/config"
)

type loader func() (config.Config, error)

// withNode loads the configuration, connects, runs fn and disconnects.
func withNode(cmd *cobra.Command, load loader, fn func(ctx context.Context, n *node) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	n, err := openNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer n.Close(context.Background())
	return fn(ctx, n)
}

// newMigrateCommand creates the index migration command
func newMigrateCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the unique and query indexes the job store relies on",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withNode(cmd, load, func(ctx context.Context, n *node) error {
				if err := n.backend.EnsureIndexes(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "indexes ensured")
				return nil
			})
		},
	}
}

// newStatsCommand creates the count report command
func newStatsCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print job, trigger, lock and paused group counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withNode(cmd, load, func(ctx context.Context, n *node) error {
				jobs, err := n.store.GetNumberOfJobs(ctx)
				if err != nil {
					return err
				}
				triggers, err := n.store.GetNumberOfTriggers(ctx)
				if err != nil {
					return err
				}
				locks, err := n.store.Locks().Count(ctx)
				if err != nil {
					return err
				}
				paused, err := n.store.GetPausedTriggerGroups(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "jobs:          %d\n", jobs)
				fmt.Fprintf(out, "triggers:      %d\n", triggers)
				fmt.Fprintf(out, "locks:         %d\n", locks)
				fmt.Fprintf(out, "paused groups: %v\n", paused)
				return nil
			})
		},
	}
}

// newRecoverCommand creates the one-shot recovery command
func newRecoverCommand(load loader) *cobra.Command {
	var stale time.Duration

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Reclaim stale locks and return their triggers to WAITING",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withNode(cmd, load, func(ctx context.Context, n *node) error {
				if stale <= 0 {
					stale = n.cfg.Cluster.StaleThreshold
				}
				report, err := n.store.Recover(ctx, time.Now().Add(-stale))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, l := range report.ReclaimedLocks {
					fmt.Fprintf(out, "reclaimed %s from %s (acquired %s)\n",
						l.TriggerKey, l.InstanceID, l.AcquiredAt.Format(time.RFC3339))
				}
				for _, k := range report.Recovered {
					fmt.Fprintf(out, "recovered %s\n", k)
				}
				fmt.Fprintf(out, "%d locks reclaimed, %d triggers recovered\n",
					len(report.ReclaimedLocks), len(report.Recovered))
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&stale, "stale", 0, "Lock age treated as dead (default: cluster.stale_threshold)")
	return cmd
}

// newRunCommand creates the cluster maintenance node command
func newRunCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Check in as a cluster instance and recover dead instances until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withNode(cmd, load, runNode)
		},
	}
}

func runNode(ctx context.Context, n *node) error {
	manager, err := jobstore.NewClusterManager(jobstore.ClusterConfig{
		Store:           n.store,
		CheckinInterval: n.cfg.Cluster.CheckinInterval,
		StaleThreshold:  n.cfg.Cluster.StaleThreshold,
		OnRecover: func(_ context.Context, report jobstore.RecoveryReport) {
			n.logger.Info("recovery pass",
				zap.Int("locks", len(report.ReclaimedLocks)),
				zap.Int("triggers", len(report.Recovered)))
		},
	})
	if err != nil {
		return err
	}

	if err := n.backend.EnsureIndexes(ctx); err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if addr := n.cfg.Metrics.Addr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			n.logger.Info("serving metrics", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), n.cfg.Mongo.OperationTimeout*4)
		defer cancel()
		return manager.Stop(stopCtx)
	})

	n.logger.Info("node running", zap.String("instance", n.store.InstanceID()))
	return g.Wait()
}
