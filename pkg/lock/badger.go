package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/soundprediction/go-graphops/pkg/types"
)

const lockPrefix = "lock/"

// conflictRetries bounds retry of badger transaction conflicts. The
// transactions here are a single read-modify-write, so conflicts resolve in
// one or two retries.
const conflictRetries = 5

// BadgerLock persists lock records in BadgerDB, sharing the database handle
// with the task store.
type BadgerLock struct {
	db      *badger.DB
	nowFunc func() time.Time
}

// NewBadgerLock wraps an existing BadgerDB handle.
func NewBadgerLock(db *badger.DB) *BadgerLock {
	return &BadgerLock{db: db, nowFunc: time.Now}
}

func lockKey(scope types.Scope) []byte {
	return []byte(lockPrefix + scope.Key())
}

func (l *BadgerLock) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = l.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (l *BadgerLock) TryAcquire(ctx context.Context, scope types.Scope, taskID string, lease time.Duration) (bool, error) {
	acquired := false
	err := l.update(func(txn *badger.Txn) error {
		now := l.nowFunc().UTC()
		record, err := l.read(txn, scope)
		if err != nil {
			return err
		}
		if record != nil && record.HolderTaskID != "" && record.LeaseExpiresAt.After(now) {
			return nil // held and unexpired
		}
		next := &Record{
			Scope:          scope,
			HolderTaskID:   taskID,
			LeaseExpiresAt: now.Add(lease),
		}
		if err := l.write(txn, next); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire scope lock for %s: %w", scope, err)
	}
	return acquired, nil
}

func (l *BadgerLock) Renew(ctx context.Context, scope types.Scope, taskID string, lease time.Duration) error {
	err := l.update(func(txn *badger.Txn) error {
		now := l.nowFunc().UTC()
		record, err := l.read(txn, scope)
		if err != nil {
			return err
		}
		if record == nil || record.HolderTaskID != taskID || !record.LeaseExpiresAt.After(now) {
			return ErrNotHolder
		}
		record.LeaseExpiresAt = now.Add(lease)
		return l.write(txn, record)
	})
	if errors.Is(err, ErrNotHolder) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to renew scope lock for %s: %w", scope, err)
	}
	return nil
}

func (l *BadgerLock) Release(ctx context.Context, scope types.Scope, taskID string) error {
	err := l.update(func(txn *badger.Txn) error {
		record, err := l.read(txn, scope)
		if err != nil {
			return err
		}
		if record == nil || record.HolderTaskID != taskID {
			return ErrNotHolder
		}
		// The record survives release; only the holder transitions to free.
		record.HolderTaskID = ""
		record.LeaseExpiresAt = time.Time{}
		return l.write(txn, record)
	})
	if errors.Is(err, ErrNotHolder) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to release scope lock for %s: %w", scope, err)
	}
	return nil
}

func (l *BadgerLock) read(txn *badger.Txn, scope types.Scope) (*Record, error) {
	item, err := txn.Get(lockKey(scope))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &record)
	}); err != nil {
		return nil, err
	}
	return &record, nil
}

func (l *BadgerLock) write(txn *badger.Txn, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return txn.Set(lockKey(record.Scope), data)
}
