package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/soundprediction/go-graphops/pkg/types"
)

const (
	taskPrefix       = "task/"
	checkpointPrefix = "checkpoint/refresh/"
)

// OpenBadger opens the BadgerDB instance shared by the task store and the
// scope lock. An empty path opens an in-memory database (tests, dev mode).
func OpenBadger(path string) (*badger.DB, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return db, nil
}

// BadgerStore is the durable TaskStore. Tasks are stored as JSON values
// under task/<id>; refresh checkpoints under checkpoint/refresh/<scope>.
type BadgerStore struct {
	db      *badger.DB
	ownsDB  bool
	nowFunc func() time.Time
}

// NewBadgerStore wraps an existing BadgerDB handle. The caller keeps
// ownership of the handle.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, nowFunc: time.Now}
}

// OpenBadgerStore opens a store that owns its database handle.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	db, err := OpenBadger(path)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db, ownsDB: true, nowFunc: time.Now}, nil
}

func taskKey(id string) []byte {
	return []byte(taskPrefix + id)
}

func checkpointKey(scope types.Scope) []byte {
	return []byte(checkpointPrefix + scope.Key())
}

func (s *BadgerStore) Create(ctx context.Context, id string, kind types.TaskKind, scope types.Scope, params types.Params, dryRun bool) (*types.Task, error) {
	task := &types.Task{
		ID:        id,
		Kind:      kind,
		Scope:     scope,
		Status:    types.StatusPending,
		Params:    params,
		DryRun:    dryRun,
		CreatedAt: s.nowFunc().UTC(),
	}
	if err := s.put(task); err != nil {
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}
	return task.Clone(), nil
}

func (s *BadgerStore) put(task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(taskKey(task.ID), data)
	})
}

func (s *BadgerStore) Get(ctx context.Context, id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(taskKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &task)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, types.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task %s: %w", id, err)
	}
	return &task, nil
}

func (s *BadgerStore) List(ctx context.Context, filter Filter) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(taskPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var task types.Task
				if err := json.Unmarshal(val, &task); err != nil {
					return err
				}
				if matches(&task, filter) {
					tasks = append(tasks, &task)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func matches(task *types.Task, filter Filter) bool {
	if filter.Status != nil && task.Status != *filter.Status {
		return false
	}
	if filter.Scope != nil && task.Scope != *filter.Scope {
		return false
	}
	return true
}

func (s *BadgerStore) Update(ctx context.Context, id string, patch Patch) (*types.Task, error) {
	var updated *types.Task
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(taskKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return types.ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		var task types.Task
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &task)
		}); err != nil {
			return err
		}
		next, err := applyPatch(&task, patch)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		updated = next
		return txn.Set(taskKey(id), data)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *BadgerStore) RequestCancel(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(taskKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return types.ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		var task types.Task
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &task)
		}); err != nil {
			return err
		}
		if task.Terminal() {
			return nil
		}
		task.CancelRequested = true
		requested = true
		data, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		return txn.Set(taskKey(id), data)
	})
	if err != nil {
		return false, err
	}
	return requested, nil
}

func (s *BadgerStore) RefreshCheckpoint(ctx context.Context, scope types.Scope) (time.Time, error) {
	var ts time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(scope))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return ts.UnmarshalText(val)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read refresh checkpoint for %s: %w", scope, err)
	}
	return ts, nil
}

func (s *BadgerStore) SetRefreshCheckpoint(ctx context.Context, scope types.Scope, t time.Time) error {
	data, err := t.UTC().MarshalText()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(scope), data)
	})
}

func (s *BadgerStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
