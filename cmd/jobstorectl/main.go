// Command jobstorectl administers a MongoDB-backed job store: it creates
// indexes, prints counts, runs recovery passes and hosts a cluster
// maintenance node.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/DEEJ4Y/jobstore"
	"github.com/DEEJ4Y/jobstore/config"
	"github.com/DEEJ4Y/jobstore/metrics"
	"github.com/DEEJ4Y/jobstore/mongodb"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "jobstorectl",
		Short:         "Administer a clustered job store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")

	load := func() (config.Config, error) {
		if configPath == "" {
			return config.Default(), nil
		}
		return config.Load(configPath)
	}

	root.AddCommand(
		newMigrateCommand(load),
		newStatsCommand(load),
		newRecoverCommand(load),
		newRunCommand(load),
	)
	return root
}

// node is a connected job store.
type node struct {
	cfg      config.Config
	logger   *zap.Logger
	client   *mongo.Client
	backend  *mongodb.Store
	store    *jobstore.JobStore
	registry *prometheus.Registry
}

func openNode(ctx context.Context, cfg config.Config) (*node, error) {
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	// Connect to MongoDB
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	backend, err := mongodb.NewStore(mongodb.Config{
		Database:         client.Database(cfg.Mongo.Database),
		CollectionPrefix: cfg.Mongo.CollectionPrefix,
		OperationTimeout: cfg.Mongo.OperationTimeout,
		Logger:           logger,
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	if err := backend.Ping(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	registry := prometheus.NewRegistry()
	store, err := jobstore.New(jobstore.Config{
		Backend:          backend,
		InstanceID:       cfg.Instance.ID,
		Logger:           logger,
		MisfireThreshold: cfg.Store.MisfireThreshold,
		Metrics:          metrics.NewPrometheusSink(registry, logger),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return &node{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		backend:  backend,
		store:    store,
		registry: registry,
	}, nil
}

func (n *node) Close(ctx context.Context) {
	if err := n.client.Disconnect(ctx); err != nil {
		n.logger.Warn("disconnect from mongodb", zap.Error(err))
	}
	_ = n.logger.Sync()
}
