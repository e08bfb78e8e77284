// Package entity holds the append-only task entity store and the hot-path
// publisher that writes to it.
package entity

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/reflex/internal/resonance"
)

// ErrStoreFull is returned when the bounded store has no free slot.
var ErrStoreFull = errors.New("entity store full")

// ErrDuplicate is returned when an entity id is already present.
var ErrDuplicate = errors.New("entity already published")

// TaskEntity is the record published when the gate decides to execute.
// Entries are never mutated once inserted.
type TaskEntity struct {
	EntityID    string          `json:"entity_id"`
	TaskID      string          `json:"task_id"`
	Phase       string          `json:"phase"`
	Delta       resonance.Delta `json:"delta_components"`
	TriggerCode string          `json:"trigger_code"`
	RealmID     string          `json:"realm_id"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Store is a bounded ring of task entities. Inserts and slot reclaim take a
// short mutex; reads never block on inserts. An entity holds its slot until
// the dispatcher releases it; released slots are reclaimed oldest first when
// the ring runs out of room.
type Store struct {
	mu     sync.Mutex // serializes inserts and reclaim
	slots  []atomic.Pointer[entry]
	head   atomic.Int64 // next sequence to write
	tail   atomic.Int64 // oldest live sequence
	byID   sync.Map     // entity id -> *entry
	byTask sync.Map     // task id -> *entry
}

type entry struct {
	task     TaskEntity
	seq      int64
	released atomic.Bool
}

// NewStore creates a store that holds up to capacity unreleased entities.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 1
	}
	return &Store{slots: make([]atomic.Pointer[entry], capacity)}
}

// Insert appends e. It returns ErrStoreFull when every slot holds an entity
// the dispatcher has not released yet.
func (s *Store) Insert(e *TaskEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	head := s.head.Load()
	if head-s.tail.Load() >= int64(len(s.slots)) {
		s.reclaim()
		if head-s.tail.Load() >= int64(len(s.slots)) {
			return ErrStoreFull
		}
	}
	if _, dup := s.byID.Load(e.EntityID); dup {
		return ErrDuplicate
	}

	en := &entry{task: *e, seq: head}
	s.slots[s.index(head)].Store(en)
	s.byID.Store(e.EntityID, en)
	if e.TaskID != "" {
		s.byTask.LoadOrStore(e.TaskID, en)
	}
	s.head.Store(head + 1)
	return nil
}

// reclaim advances the tail over released entities. Callers hold mu.
func (s *Store) reclaim() {
	head := s.head.Load()
	for tail := s.tail.Load(); tail < head; tail++ {
		slot := &s.slots[s.index(tail)]
		en := slot.Load()
		if en != nil && !en.released.Load() {
			return
		}
		if en != nil {
			s.byID.CompareAndDelete(en.task.EntityID, en)
			s.byTask.CompareAndDelete(en.task.TaskID, en)
			slot.CompareAndSwap(en, nil)
		}
		s.tail.Store(tail + 1)
	}
}

// Release marks entityID as consumed so its slot can be reused. The entity
// stays readable until the slot is reclaimed.
func (s *Store) Release(entityID string) bool {
	v, ok := s.byID.Load(entityID)
	if !ok {
		return false
	}
	v.(*entry).released.Store(true)
	return true
}

// Get returns a copy of the entity with entityID.
func (s *Store) Get(entityID string) (TaskEntity, bool) {
	v, ok := s.byID.Load(entityID)
	if !ok {
		return TaskEntity{}, false
	}
	return v.(*entry).task, true
}

// ByTask returns the first live entity published for taskID.
func (s *Store) ByTask(taskID string) (TaskEntity, bool) {
	v, ok := s.byTask.Load(taskID)
	if !ok {
		return TaskEntity{}, false
	}
	return v.(*entry).task, true
}

// Len reports the number of entities currently held, released or not.
func (s *Store) Len() int {
	tail := s.tail.Load()
	return int(s.head.Load() - tail)
}

// Cap reports the store capacity.
func (s *Store) Cap() int {
	return len(s.slots)
}

// Range calls fn for each held entity in publish order until fn returns
// false. Entities inserted or reclaimed while Range runs may or may not be
// visited.
func (s *Store) Range(fn func(e *TaskEntity) bool) {
	head := s.head.Load()
	for seq := s.tail.Load(); seq < head; seq++ {
		en := s.slots[s.index(seq)].Load()
		if en == nil || en.seq != seq {
			continue
		}
		e := en.task
		if !fn(&e) {
			return
		}
	}
}

func (s *Store) index(seq int64) int {
	return int(seq % int64(len(s.slots)))
}
