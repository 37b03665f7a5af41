package jobstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// JobRepository owns job documents.
type JobRepository struct {
	jobs     JobCollection
	triggers TriggerCollection
	logger   *zap.Logger
}

// NewJobRepository creates a repository over the backend's job collection.
func NewJobRepository(b Backend, logger *zap.Logger) *JobRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobRepository{jobs: b.Jobs(), triggers: b.Triggers(), logger: logger}
}

// Store inserts the job. When a job with the same key exists it fails with
// ErrAlreadyExists unless replace is set, in which case the stored document
// is replaced and keeps its internal identifier.
func (r *JobRepository) Store(ctx context.Context, job *Job, replace bool) error {
	if job == nil {
		return fmt.Errorf("%w: nil job", ErrInvalidArgument)
	}
	if err := job.Key.validate(); err != nil {
		return err
	}
	rec, err := EncodeJob(job)
	if err != nil {
		return err
	}
	if replace {
		if err := r.jobs.Upsert(ctx, rec); err != nil {
			return fmt.Errorf("jobstore: replace job %s: %w", job.Key, err)
		}
		return nil
	}
	if err := r.jobs.Insert(ctx, rec); err != nil {
		return fmt.Errorf("jobstore: store job %s: %w", job.Key, err)
	}
	return nil
}

// Retrieve returns the job, or nil when absent.
func (r *JobRepository) Retrieve(ctx context.Context, key JobKey) (*Job, error) {
	rec, err := r.jobs.Find(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("jobstore: retrieve job %s: %w", key, err)
	}
	if rec == nil {
		return nil, nil
	}
	return DecodeJob(rec)
}

// Exists reports whether a job with the key is stored.
func (r *JobRepository) Exists(ctx context.Context, key JobKey) (bool, error) {
	rec, err := r.jobs.Find(ctx, key)
	if err != nil {
		return false, fmt.Errorf("jobstore: check job %s: %w", key, err)
	}
	return rec != nil, nil
}

// Remove deletes every trigger of the job, then the job itself. It reports
// whether a job document was removed.
func (r *JobRepository) Remove(ctx context.Context, key JobKey) (bool, error) {
	n, err := r.triggers.DeleteByJob(ctx, key)
	if err != nil {
		return false, fmt.Errorf("jobstore: remove triggers of job %s: %w", key, err)
	}
	if n > 0 {
		r.logger.Debug("removed triggers of job", zap.Stringer("job", key), zap.Int64("count", n))
	}
	removed, err := r.jobs.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("jobstore: remove job %s: %w", key, err)
	}
	return removed, nil
}

// UpdateData replaces the data map of a stored job. It reports false when
// the job no longer exists.
func (r *JobRepository) UpdateData(ctx context.Context, key JobKey, data JobDataMap) (bool, error) {
	rec, err := r.jobs.Find(ctx, key)
	if err != nil {
		return false, fmt.Errorf("jobstore: update job data %s: %w", key, err)
	}
	if rec == nil {
		return false, nil
	}
	raw, err := encodeJobData(data)
	if err != nil {
		return false, fmt.Errorf("jobstore: encode job data %s: %w", key, err)
	}
	rec.JobData = raw
	if err := r.jobs.Upsert(ctx, rec); err != nil {
		return false, fmt.Errorf("jobstore: update job data %s: %w", key, err)
	}
	return true, nil
}

// Count returns the number of stored jobs at call time.
func (r *JobRepository) Count(ctx context.Context) (int64, error) {
	n, err := r.jobs.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("jobstore: count jobs: %w", err)
	}
	return n, nil
}

// GroupNames lists the distinct job groups.
func (r *JobRepository) GroupNames(ctx context.Context) ([]string, error) {
	groups, err := r.jobs.GroupNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobstore: job group names: %w", err)
	}
	return groups, nil
}

// Keys lists the keys of the jobs in group.
func (r *JobRepository) Keys(ctx context.Context, group string) ([]JobKey, error) {
	keys, err := r.jobs.Keys(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("jobstore: job keys of %q: %w", group, err)
	}
	return keys, nil
}
