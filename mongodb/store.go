// Package mongodb implements jobstore.Backend on MongoDB.
//
// Each collection enforces the uniqueness the job store relies on with a
// unique index, so EnsureIndexes must run before the first write. Every
// conditional write maps to a single-document operation.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/DEEJ4Y/jobstore"
)

// Collection name suffixes, prefixed by Config.CollectionPrefix.
const (
	colJobs         = "jobs"
	colTriggers     = "triggers"
	colLocks        = "locks"
	colPausedGroups = "paused_trigger_groups"
)

// Ensure Store implements jobstore.Backend at compile time.
var _ jobstore.Backend = (*Store)(nil)

// Config holds the configuration for the MongoDB backend.
type Config struct {
	// Database holds the job store collections.
	// Required.
	Database *mongo.Database

	// CollectionPrefix is prepended to every collection name.
	// Default: "quartz_"
	CollectionPrefix string

	// OperationTimeout bounds every driver call.
	// Default: 5 seconds
	OperationTimeout time.Duration

	// ReadAttempts is how many times a read is tried on transient failures.
	// Writes are never retried: a conditional write whose outcome is unknown
	// is reported as failed.
	// Default: 3
	ReadAttempts uint

	// RetryDelay is the base delay between read attempts.
	// Default: 100 milliseconds
	RetryDelay time.Duration

	// BreakerFailures is how many consecutive store failures open the circuit
	// breaker. While open, operations fail fast with ErrStoreUnavailable.
	// Default: 5
	BreakerFailures uint32

	// BreakerTimeout is how long the breaker stays open before probing.
	// Default: 10 seconds
	BreakerTimeout time.Duration

	// Logger receives driver failure and breaker state logs.
	// Default: no-op
	Logger *zap.Logger
}

// Store implements jobstore.Backend for MongoDB.
type Store struct {
	jobs     *mongo.Collection
	triggers *mongo.Collection
	locks    *mongo.Collection
	paused   *mongo.Collection

	exec   *executor
	logger *zap.Logger
}

// NewStore creates a new MongoDB backend with the given configuration.
func NewStore(config Config) (*Store, error) {
	if config.Database == nil {
		return nil, fmt.Errorf("database is required")
	}

	// Set defaults
	if config.CollectionPrefix == "" {
		config.CollectionPrefix = "quartz_"
	}
	if config.OperationTimeout == 0 {
		config.OperationTimeout = 5 * time.Second
	}
	if config.ReadAttempts == 0 {
		config.ReadAttempts = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 100 * time.Millisecond
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = 5
	}
	if config.BreakerTimeout == 0 {
		config.BreakerTimeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	db := config.Database
	p := config.CollectionPrefix
	logger := config.Logger.Named("mongodb")
	return &Store{
		jobs:     db.Collection(p + colJobs),
		triggers: db.Collection(p + colTriggers),
		locks:    db.Collection(p + colLocks),
		paused:   db.Collection(p + colPausedGroups),
		exec:     newExecutor(config, logger),
		logger:   logger,
	}, nil
}

func (s *Store) Jobs() jobstore.JobCollection {
	return &jobCollection{col: s.jobs, exec: s.exec}
}

func (s *Store) Triggers() jobstore.TriggerCollection {
	return &triggerCollection{col: s.triggers, exec: s.exec}
}

func (s *Store) Locks() jobstore.LockCollection {
	return &lockCollection{col: s.locks, exec: s.exec}
}

func (s *Store) PausedGroups() jobstore.PausedGroupCollection {
	return &pausedGroupCollection{col: s.paused, exec: s.exec}
}

// EnsureIndexes creates the unique and query indexes of every collection.
// It is idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		s.jobs: {
			{Keys: bson.D{{Key: "name", Value: 1}, {Key: "group", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		s.triggers: {
			{Keys: bson.D{{Key: "name", Value: 1}, {Key: "group", Value: 1}}, Options: options.Index().SetUnique(true)},
			// Acquisition: state + nextFireTime + priority.
			{Keys: bson.D{{Key: "state", Value: 1}, {Key: "nextFireTime", Value: 1}, {Key: "priority", Value: -1}}},
			{Keys: bson.D{{Key: "jobName", Value: 1}, {Key: "jobGroup", Value: 1}}},
		},
		s.locks: {
			{Keys: bson.D{{Key: "triggerName", Value: 1}, {Key: "triggerGroup", Value: 1}, {Key: "lockType", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "instanceId", Value: 1}}},
			{Keys: bson.D{{Key: "acquiredAt", Value: 1}}},
		},
		s.paused: {
			{Keys: bson.D{{Key: "group", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}

	for col, models := range indexes {
		err := s.exec.write(ctx, "ensureIndexes", func(ctx context.Context) error {
			_, err := col.Indexes().CreateMany(ctx, models)
			return err
		})
		if err != nil {
			return fmt.Errorf("mongodb: create %s indexes: %w", col.Name(), err)
		}
	}
	s.logger.Info("indexes ensured")
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.exec.read(ctx, "ping", func(ctx context.Context) error {
		return s.jobs.Database().Client().Ping(ctx, nil)
	})
}

// Drop removes every job store collection. Intended for tests.
func (s *Store) Drop(ctx context.Context) error {
	for _, col := range []*mongo.Collection{s.jobs, s.triggers, s.locks, s.paused} {
		if err := col.Drop(ctx); err != nil {
			return fmt.Errorf("mongodb: drop %s: %w", col.Name(), err)
		}
	}
	return nil
}
