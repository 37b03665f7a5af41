package mongodb

import (
	"context"
	"errors"
	"fmt"

	retry "github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/DEEJ4Y/jobstore"
)

// executor runs driver calls with a per-call timeout behind a circuit
// breaker, and retries reads on transient failures.
type executor struct {
	config Config
	cb     *gobreaker.CircuitBreaker[any]
	logger *zap.Logger
}

func newExecutor(config Config, logger *zap.Logger) *executor {
	e := &executor{config: config, logger: logger}
	e.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "mongodb",
		MaxRequests: 1,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		// Only connectivity failures count against the store.
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
	return e
}

// write runs fn once.
func (e *executor) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return classify(op, e.call(ctx, fn))
}

// read runs fn, retrying transient failures.
func (e *executor) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(e.config.ReadAttempts),
		retry.Delay(e.config.RetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Debug("retrying read", zap.String("op", op), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	).Do(func() error {
		return e.call(ctx, fn)
	})
	return classify(op, err)
}

func (e *executor) call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := e.cb.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, e.config.OperationTimeout)
		defer cancel()
		return nil, fn(ctx)
	})
	return err
}

// isTransient reports whether err is a connectivity failure worth retrying.
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return mongo.IsTimeout(err) || mongo.IsNetworkError(err) || isServerSelection(err)
}

func isServerSelection(err error) bool {
	var sse mongo.ServerError
	if errors.As(err, &sse) {
		return sse.HasErrorLabel("RetryableWriteError") || sse.HasErrorLabel("TransientTransactionError")
	}
	return errors.Is(err, mongo.ErrClientDisconnected)
}

// classify maps driver errors onto the job store's error kinds.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jobstore.ErrMalformedRecord), errors.Is(err, jobstore.ErrAlreadyExists):
		return err
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %s: %w", jobstore.ErrAlreadyExists, op, err)
	case errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: %s: %w", jobstore.ErrStoreUnavailable, op, err)
}
