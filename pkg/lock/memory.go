package lock

import (
	"context"
	"sync"
	"time"

	"github.com/soundprediction/go-graphops/pkg/types"
)

// MemoryLock is an in-process ScopeLock for tests.
type MemoryLock struct {
	mu      sync.Mutex
	records map[string]*Record
	nowFunc func() time.Time
}

// NewMemoryLock creates an empty in-memory lock table.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{
		records: make(map[string]*Record),
		nowFunc: time.Now,
	}
}

// SetNow overrides the clock. Tests use this to step leases past expiry.
func (l *MemoryLock) SetNow(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nowFunc = now
}

func (l *MemoryLock) TryAcquire(ctx context.Context, scope types.Scope, taskID string, lease time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFunc().UTC()
	record, ok := l.records[scope.Key()]
	if ok && record.HolderTaskID != "" && record.LeaseExpiresAt.After(now) {
		return false, nil
	}
	l.records[scope.Key()] = &Record{
		Scope:          scope,
		HolderTaskID:   taskID,
		LeaseExpiresAt: now.Add(lease),
	}
	return true, nil
}

func (l *MemoryLock) Renew(ctx context.Context, scope types.Scope, taskID string, lease time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFunc().UTC()
	record, ok := l.records[scope.Key()]
	if !ok || record.HolderTaskID != taskID || !record.LeaseExpiresAt.After(now) {
		return ErrNotHolder
	}
	record.LeaseExpiresAt = now.Add(lease)
	return nil
}

func (l *MemoryLock) Release(ctx context.Context, scope types.Scope, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[scope.Key()]
	if !ok || record.HolderTaskID != taskID {
		return ErrNotHolder
	}
	record.HolderTaskID = ""
	record.LeaseExpiresAt = time.Time{}
	return nil
}

// Holder reports the current holder of a scope, for tests.
func (l *MemoryLock) Holder(scope types.Scope) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[scope.Key()]
	if !ok {
		return ""
	}
	return record.HolderTaskID
}
