// Package memory provides an in-memory jobstore.Backend.
//
// All records live in process memory behind one mutex, so every write is
// atomic the way a document store's single-document writes are. It is
// intended for unit tests, development and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DEEJ4Y/jobstore"
)

// Ensure Store implements jobstore.Backend at compile time.
var _ jobstore.Backend = (*Store)(nil)

type lockKey struct {
	trigger  jobstore.TriggerKey
	lockType string
}

// Store is a fully in-memory implementation of jobstore.Backend.
// Safe for concurrent access.
type Store struct {
	mu sync.RWMutex

	jobs     map[jobstore.JobKey]*jobstore.JobRecord
	triggers map[jobstore.TriggerKey]*jobstore.TriggerRecord
	locks    map[lockKey]*jobstore.LockRecord
	paused   map[string]struct{}
	nextID   int64

	// fault, when set, is consulted before every operation.
	fault func(op string) error
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[jobstore.JobKey]*jobstore.JobRecord),
		triggers: make(map[jobstore.TriggerKey]*jobstore.TriggerRecord),
		locks:    make(map[lockKey]*jobstore.LockRecord),
		paused:   make(map[string]struct{}),
	}
}

// SetFault installs fn to be called with the operation name ("triggers.FindDue",
// "locks.Insert", ...) before each operation. A non-nil result fails the
// operation with jobstore.ErrStoreUnavailable. Pass nil to remove it.
func (m *Store) SetFault(fn func(op string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// check must be called with m.mu held.
func (m *Store) check(op string) error {
	if m.fault == nil {
		return nil
	}
	if err := m.fault(op); err != nil {
		return fmt.Errorf("%w: %s: %w", jobstore.ErrStoreUnavailable, op, err)
	}
	return nil
}

func (m *Store) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Store) Jobs() jobstore.JobCollection { return (*jobs)(m) }
func (m *Store) Triggers() jobstore.TriggerCollection { return (*triggers)(m) }
func (m *Store) Locks() jobstore.LockCollection { return (*locks)(m) }
func (m *Store) PausedGroups() jobstore.PausedGroupCollection { return (*pausedGroups)(m) }

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

type jobs Store

func (c *jobs) Insert(_ context.Context, rec *jobstore.JobRecord) error {
	m := (*Store)(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("jobs.Insert"); err != nil {
		return err
	}
	if _, ok := m.jobs[rec.Key()]; ok {
		return fmt.Errorf("%w: job %s", jobstore.ErrAlreadyExists, rec.Key())
	}
	cp := copyJob(rec)
	cp.ID = m.id()
	m.jobs[rec.Key()] = cp
	return nil
}

func (c *jobs) Upsert(_ context.Context, rec *jobstore.JobRecord) error {
	m := (*Store)(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("jobs.Upsert"); err != nil {
		return err
	}
	cp := copyJob(rec)
	if old, ok := m.jobs[rec.Key()]; ok {
		cp.ID = old.ID
	} else {
		cp.ID = m.id()
	}
	m.jobs[rec.Key()] = cp
	return nil
}

func (c *jobs) Find(_ context.Context, key jobstore.JobKey) (*jobstore.JobRecord, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("jobs.Find"); err != nil {
		return nil, err
	}
	rec, ok := m.jobs[key]
	if !ok {
		return nil, nil
	}
	return copyJob(rec), nil
}

func (c *jobs) Delete(_ context.Context, key jobstore.JobKey) (bool, error) {
	m := (*Store)(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("jobs.Delete"); err != nil {
		return false, err
	}
	if _, ok := m.jobs[key]; !ok {
		return false, nil
	}
	delete(m.jobs, key)
	return true, nil
}

func (c *jobs) Count(_ context.Context) (int64, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("jobs.Count"); err != nil {
		return 0, err
	}
	return int64(len(m.jobs)), nil
}

func (c *jobs) GroupNames(_ context.Context) ([]string, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("jobs.GroupNames"); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for k := range m.jobs {
		seen[k.Group] = struct{}{}
	}
	return sortedSet(seen), nil
}

func (c *jobs) Keys(_ context.Context, group string) ([]jobstore.JobKey, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("jobs.Keys"); err != nil {
		return nil, err
	}
	var out []jobstore.JobKey
	for k := range m.jobs {
		if k.Group == group {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// ──────────────────────────────────────────────────
// Triggers
// ──────────────────────────────────────────────────

type triggers Store

func (c *triggers) Insert(_ context.Context, rec *jobstore.TriggerRecord) error {
	m := (*Store)(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("triggers.Insert"); err != nil {
		return err
	}
	if _, ok := m.triggers[rec.Key()]; ok {
		return fmt.Errorf("%w: trigger %s", jobstore.ErrAlreadyExists, rec.Key())
	}
	cp := rec.Clone()
	cp.ID = m.id()
	m.triggers[rec.Key()] = cp
	return nil
}

func (c *triggers) Upsert(_ context.Context, rec *jobstore.TriggerRecord) error {
	m := (*Store)(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("triggers.Upsert"); err != nil {
		return err
	}
	cp := rec.Clone()
	if old, ok := m.triggers[rec.Key()]; ok {
		cp.ID = old.ID
	} else {
		cp.ID = m.id()
	}
	m.triggers[rec.Key()] = cp
	return nil
}

func (c *triggers) Find(_ context.Context, key jobstore.TriggerKey) (*jobstore.TriggerRecord, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("triggers.Find"); err != nil {
		return nil, err
	}
	rec, ok := m.triggers[key]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (c *triggers) Delete(_ context.Context, key jobstore.TriggerKey) (bool, error) {
	m := (*Store)(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("triggers.Delete"); err != nil {
		return false, err
	}
	if _, ok := m.triggers[key]; !ok {
		return false, nil
	}
	delete(m.triggers, key)
	return true, nil
}

func (c *triggers) Count(_ context.Context) (int64, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("triggers.Count"); err != nil {
		return 0, err
	}
	return int64(len(m.triggers)), nil
}

func (c *triggers) ReplaceIf(_ context.Context, rec *jobstore.TriggerRecord, cond jobstore.Condition) (bool, error) {
	m := (*Store)(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("triggers.ReplaceIf"); err != nil {
		return false, err
	}
	old, ok := m.triggers[rec.Key()]
	if !ok || !cond.Matches(old) {
		return false, nil
	}
	cp := rec.Clone()
	cp.ID = old.ID
	m.triggers[rec.Key()] = cp
	return true, nil
}

func (c *triggers) UpdateStateIf(_ context.Context, key jobstore.TriggerKey, cond jobstore.Condition, to jobstore.TriggerState) (bool, error) {
	m := (*Store)(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("triggers.UpdateStateIf"); err != nil {
		return false, err
	}
	rec, ok := m.triggers[key]
	if !ok || !cond.Matches(rec) {
		return false, nil
	}
	rec.State = to
	return true, nil
}

func (c *triggers) UpdateStates(_ context.Context, sel jobstore.TriggerSelector, from []jobstore.TriggerState, to jobstore.TriggerState) (int64, error) {
	m := (*Store)(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("triggers.UpdateStates"); err != nil {
		return 0, err
	}
	cond := jobstore.InStates(from...)
	var n int64
	for _, rec := range m.triggers {
		if !selected(sel, rec) || !cond.Matches(rec) {
			continue
		}
		rec.State = to
		n++
	}
	return n, nil
}

func selected(sel jobstore.TriggerSelector, rec *jobstore.TriggerRecord) bool {
	if sel.JobKey != nil {
		return rec.JobKey() == *sel.JobKey
	}
	return rec.Group == sel.Group
}

func (c *triggers) FindByJob(_ context.Context, key jobstore.JobKey) ([]*jobstore.TriggerRecord, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("triggers.FindByJob"); err != nil {
		return nil, err
	}
	return m.filterTriggers(func(rec *jobstore.TriggerRecord) bool { return rec.JobKey() == key }), nil
}

func (c *triggers) CountByJob(_ context.Context, key jobstore.JobKey) (int64, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("triggers.CountByJob"); err != nil {
		return 0, err
	}
	var n int64
	for _, rec := range m.triggers {
		if rec.JobKey() == key {
			n++
		}
	}
	return n, nil
}

func (c *triggers) DeleteByJob(_ context.Context, key jobstore.JobKey) (int64, error) {
	m := (*Store)(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("triggers.DeleteByJob"); err != nil {
		return 0, err
	}
	var n int64
	for k, rec := range m.triggers {
		if rec.JobKey() == key {
			delete(m.triggers, k)
			n++
		}
	}
	return n, nil
}

func (c *triggers) FindByStates(_ context.Context, states ...jobstore.TriggerState) ([]*jobstore.TriggerRecord, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("triggers.FindByStates"); err != nil {
		return nil, err
	}
	cond := jobstore.InStates(states...)
	return m.filterTriggers(cond.Matches), nil
}

func (c *triggers) FindDue(_ context.Context, q jobstore.DueQuery) ([]*jobstore.TriggerRecord, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("triggers.FindDue"); err != nil {
		return nil, err
	}
	out := m.filterTriggers(func(rec *jobstore.TriggerRecord) bool {
		return rec.State == q.State && rec.NextFireTime != nil && !rec.NextFireTime.After(q.NoLaterThan)
	})
	sort.Slice(out, func(i, j int) bool { return dueBefore(out[i], out[j]) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// dueBefore orders by next fire time, priority descending, then key.
func dueBefore(a, b *jobstore.TriggerRecord) bool {
	if !a.NextFireTime.Equal(*b.NextFireTime) {
		return a.NextFireTime.Before(*b.NextFireTime)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Key().Less(b.Key())
}

func (c *triggers) GroupNames(_ context.Context) ([]string, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("triggers.GroupNames"); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for k := range m.triggers {
		seen[k.Group] = struct{}{}
	}
	return sortedSet(seen), nil
}

func (c *triggers) Keys(_ context.Context, group string) ([]jobstore.TriggerKey, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("triggers.Keys"); err != nil {
		return nil, err
	}
	var out []jobstore.TriggerKey
	for k := range m.triggers {
		if k.Group == group {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// filterTriggers must be called with m.mu held. Results are copies sorted by key.
func (m *Store) filterTriggers(keep func(*jobstore.TriggerRecord) bool) []*jobstore.TriggerRecord {
	var out []*jobstore.TriggerRecord
	for _, rec := range m.triggers {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out
}

// ──────────────────────────────────────────────────
// Locks
// ──────────────────────────────────────────────────

type locks Store

func (c *locks) Insert(_ context.Context, rec *jobstore.LockRecord) error {
	m := (*Store)(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("locks.Insert"); err != nil {
		return err
	}
	k := lockKey{trigger: rec.TriggerKey(), lockType: rec.LockType}
	if _, ok := m.locks[k]; ok {
		return fmt.Errorf("%w: lock %s/%s", jobstore.ErrAlreadyExists, rec.TriggerKey(), rec.LockType)
	}
	cp := *rec
	cp.ID = m.id()
	m.locks[k] = &cp
	return nil
}

func (c *locks) Find(_ context.Context, key jobstore.TriggerKey, lockType string) (*jobstore.LockRecord, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("locks.Find"); err != nil {
		return nil, err
	}
	rec, ok := m.locks[lockKey{trigger: key, lockType: lockType}]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (c *locks) DeleteOwned(_ context.Context, key jobstore.TriggerKey, lockType, instanceID string) (bool, error) {
	m := (*Store)(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("locks.DeleteOwned"); err != nil {
		return false, err
	}
	k := lockKey{trigger: key, lockType: lockType}
	rec, ok := m.locks[k]
	if !ok || rec.InstanceID != instanceID {
		return false, nil
	}
	delete(m.locks, k)
	return true, nil
}

func (c *locks) DeleteStale(_ context.Context, key jobstore.TriggerKey, lockType, instanceID string, deadBefore time.Time) (bool, error) {
	m := (*Store)(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("locks.DeleteStale"); err != nil {
		return false, err
	}
	k := lockKey{trigger: key, lockType: lockType}
	rec, ok := m.locks[k]
	if !ok || rec.InstanceID != instanceID || !rec.AcquiredAt.Before(deadBefore) {
		return false, nil
	}
	delete(m.locks, k)
	return true, nil
}

func (c *locks) FindStale(_ context.Context, deadBefore time.Time) ([]*jobstore.LockRecord, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("locks.FindStale"); err != nil {
		return nil, err
	}
	return m.filterLocks(func(rec *jobstore.LockRecord) bool { return rec.AcquiredAt.Before(deadBefore) }), nil
}

func (c *locks) FindByInstance(_ context.Context, instanceID string) ([]*jobstore.LockRecord, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("locks.FindByInstance"); err != nil {
		return nil, err
	}
	return m.filterLocks(func(rec *jobstore.LockRecord) bool { return rec.InstanceID == instanceID }), nil
}

func (c *locks) Touch(_ context.Context, instanceID string, at time.Time) (int64, error) {
	m := (*Store)(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("locks.Touch"); err != nil {
		return 0, err
	}
	var n int64
	for _, rec := range m.locks {
		if rec.InstanceID == instanceID {
			rec.AcquiredAt = at
			n++
		}
	}
	return n, nil
}

func (c *locks) Count(_ context.Context) (int64, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("locks.Count"); err != nil {
		return 0, err
	}
	return int64(len(m.locks)), nil
}

// filterLocks must be called with m.mu held.
func (m *Store) filterLocks(keep func(*jobstore.LockRecord) bool) []*jobstore.LockRecord {
	var out []*jobstore.LockRecord
	for _, rec := range m.locks {
		if keep(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out
}

// ──────────────────────────────────────────────────
// Paused groups
// ──────────────────────────────────────────────────

type pausedGroups Store

func (c *pausedGroups) Add(_ context.Context, group string) error {
	m := (*Store)(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("pausedGroups.Add"); err != nil {
		return err
	}
	m.paused[group] = struct{}{}
	return nil
}

func (c *pausedGroups) Remove(_ context.Context, group string) (bool, error) {
	m := (*Store)(c)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("pausedGroups.Remove"); err != nil {
		return false, err
	}
	if _, ok := m.paused[group]; !ok {
		return false, nil
	}
	delete(m.paused, group)
	return true, nil
}

func (c *pausedGroups) Contains(_ context.Context, group string) (bool, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("pausedGroups.Contains"); err != nil {
		return false, err
	}
	_, ok := m.paused[group]
	return ok, nil
}

func (c *pausedGroups) List(_ context.Context) ([]string, error) {
	m := (*Store)(c)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("pausedGroups.List"); err != nil {
		return nil, err
	}
	return sortedSet(m.paused), nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func copyJob(rec *jobstore.JobRecord) *jobstore.JobRecord {
	cp := *rec
	if rec.JobData != nil {
		cp.JobData = append([]byte(nil), rec.JobData...)
	}
	return &cp
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
