package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/soundprediction/go-graphops/pkg/types"
)

// MemoryStore is an in-memory TaskStore for tests.
type MemoryStore struct {
	mu          sync.RWMutex
	tasks       map[string]*types.Task
	checkpoints map[string]time.Time
	nowFunc     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*types.Task),
		checkpoints: make(map[string]time.Time),
		nowFunc:     time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, id string, kind types.TaskKind, scope types.Scope, params types.Params, dryRun bool) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := &types.Task{
		ID:        id,
		Kind:      kind,
		Scope:     scope,
		Status:    types.StatusPending,
		Params:    params,
		DryRun:    dryRun,
		CreatedAt: s.nowFunc().UTC(),
	}
	s.tasks[task.ID] = task
	return task.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, types.ErrTaskNotFound
	}
	return task.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Task
	for _, task := range s.tasks {
		if matches(task, filter) {
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, types.ErrTaskNotFound
	}
	next, err := applyPatch(task, patch)
	if err != nil {
		return nil, err
	}
	// Cancel flag survives patches; applyPatch works on a clone of the
	// stored state so no extra carry-over is needed.
	s.tasks[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) RequestCancel(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return false, types.ErrTaskNotFound
	}
	if task.Terminal() {
		return false, nil
	}
	task.CancelRequested = true
	return true, nil
}

func (s *MemoryStore) RefreshCheckpoint(ctx context.Context, scope types.Scope) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[scope.Key()], nil
}

func (s *MemoryStore) SetRefreshCheckpoint(ctx context.Context, scope types.Scope, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[scope.Key()] = t.UTC()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
