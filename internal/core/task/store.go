package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"biliwatch/internal/logger"
	rds "biliwatch/internal/platform/redis"

	"github.com/google/uuid"
)

const mirrorTTLSeconds = 86400

// Store owns the mutable task collection. All mutation goes through
// Create/Update/Remove under one lock; readers get copies. Snapshots are
// mirrored to redis best-effort so task state and history survive a
// restart of the presentation session.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	order []string
	redis *rds.Service
	log   *logger.Logger
}

func NewStore(redis *rds.Service) *Store {
	return &Store{
		tasks: make(map[string]*Task),
		redis: redis,
		log:   logger.New("TaskStore"),
	}
}

// Restore loads mirrored tasks back from redis, typically once at
// startup. Tasks that were mid-monitoring come back as ready so the
// operator decides when polling resumes. Returns the number restored.
func (s *Store) Restore(ctx context.Context) int {
	if s.redis == nil {
		return 0
	}
	restored := 0
	var cursor uint64
	for {
		keys, next, err := s.redis.Client().Scan(ctx, cursor, "task:*", 100).Result()
		if err != nil {
			s.log.LogWarnf("restore scan: %v", err)
			break
		}
		for _, k := range keys {
			var t Task
			if err := s.redis.CacheGet(ctx, k, &t); err != nil || t.ID == "" {
				continue
			}
			if t.Status == StatusMonitoring {
				t.Status = StatusReady
			}
			s.mu.Lock()
			if _, exists := s.tasks[t.ID]; !exists {
				cp := t
				s.tasks[t.ID] = &cp
				s.order = append(s.order, t.ID)
				restored++
			}
			s.mu.Unlock()
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	s.mu.Lock()
	sort.Slice(s.order, func(i, j int) bool {
		return s.tasks[s.order[i]].CreatedAt < s.tasks[s.order[j]].CreatedAt
	})
	s.mu.Unlock()
	if restored > 0 {
		s.log.LogInfof("restored %d tasks from redis", restored)
	}
	return restored
}

func (s *Store) Create(name, sourceLink string) Task {
	t := &Task{
		ID:         uuid.New().String(),
		Name:       name,
		SourceLink: sourceLink,
		Status:     StatusUnresolved,
		CreatedAt:  time.Now().Unix(),
	}
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	out := t.clone()
	s.mu.Unlock()
	s.mirror(out)
	return out
}

func (s *Store) Get(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// List returns all tasks in creation order.
func (s *Store) List() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].clone())
	}
	return out
}

// ListMonitoring returns the monitoring tasks in creation order; a
// scheduler pass captures this once and visits it in fixed order.
func (s *Store) ListMonitoring() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.order))
	for _, id := range s.order {
		if t := s.tasks[id]; t.Status == StatusMonitoring {
			out = append(out, t.clone())
		}
	}
	return out
}

// Update applies fn to the task under the store lock and mirrors the
// result. Returns the updated copy, or false if the task is gone.
func (s *Store) Update(id string, fn func(*Task)) (Task, bool) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return Task{}, false
	}
	fn(t)
	out := t.clone()
	s.mu.Unlock()
	s.mirror(out)
	return out, true
}

// Remove deletes a task. Removing an already-removed task is a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	if _, ok := s.tasks[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.redis.Client().Del(ctx, key(id)).Err()
	}
}

func (s *Store) mirror(t Task) {
	if s.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.redis.CacheSet(ctx, key(t.ID), t, mirrorTTLSeconds); err != nil {
		s.log.LogDebugf("mirror task %s: %v", t.ID, err)
	}
}

func key(id string) string { return "task:" + id }
