package entity

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/reflex/internal/resonance"
)

func testEntity(i int) *TaskEntity {
	return &TaskEntity{
		EntityID:    fmt.Sprintf("ent-%03d", i),
		TaskID:      fmt.Sprintf("task-%03d", i),
		Phase:       "conducting",
		Delta:       resonance.Delta{X: 0.95, Y: 0.9, Z: 0.5, RealmTag: "lateral-movement"},
		TriggerCode: "isolate-host",
		RealmID:     "lateral-movement",
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, i, time.UTC),
	}
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()

	s := NewStore(4)
	want := testEntity(1)
	if err := s.Insert(want); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, ok := s.Get(want.EntityID)
	if !ok {
		t.Fatal("Get: not found")
	}
	if got != *want {
		t.Errorf("Get = %+v, want %+v", got, *want)
	}

	byTask, ok := s.ByTask(want.TaskID)
	if !ok || byTask != *want {
		t.Errorf("ByTask = %+v, %v", byTask, ok)
	}

	// mutating the caller's copy must not reach the store
	want.Phase = "mutated"
	again, _ := s.Get("ent-001")
	if again.Phase != "conducting" {
		t.Errorf("stored entity changed to %q", again.Phase)
	}
}

func TestStore_Full(t *testing.T) {
	t.Parallel()

	s := NewStore(2)
	for i := range 2 {
		if err := s.Insert(testEntity(i)); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if err := s.Insert(testEntity(9)); !errors.Is(err, ErrStoreFull) {
		t.Fatalf("err = %v, want ErrStoreFull", err)
	}
	if s.Len() != 2 || s.Cap() != 2 {
		t.Errorf("Len/Cap = %d/%d, want 2/2", s.Len(), s.Cap())
	}
}

func TestStore_ReleasedSlotsAreReclaimed(t *testing.T) {
	t.Parallel()

	s := NewStore(2)
	for i := range 2 {
		if err := s.Insert(testEntity(i)); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if !s.Release("ent-000") {
		t.Fatal("Release: entity not found")
	}
	// still readable until its slot is needed
	if _, ok := s.Get("ent-000"); !ok {
		t.Error("released entity vanished before reclaim")
	}

	if err := s.Insert(testEntity(2)); err != nil {
		t.Fatalf("Insert after release: %v", err)
	}
	if _, ok := s.Get("ent-000"); ok {
		t.Error("reclaimed entity still readable")
	}
	if _, ok := s.ByTask("task-000"); ok {
		t.Error("reclaimed task still indexed")
	}
	if e, ok := s.Get("ent-002"); !ok || e.TaskID != "task-002" {
		t.Errorf("Get(ent-002) = %+v, %v", e, ok)
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}

	// the oldest unreleased entity blocks reuse
	if err := s.Insert(testEntity(3)); !errors.Is(err, ErrStoreFull) {
		t.Errorf("err = %v, want ErrStoreFull", err)
	}
	if s.Release("missing") {
		t.Error("Release of unknown id reported true")
	}
}

func TestStore_RingWrapsManyTimes(t *testing.T) {
	t.Parallel()

	s := NewStore(3)
	for i := range 50 {
		e := testEntity(i)
		if err := s.Insert(e); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		s.Release(e.EntityID)
	}

	var ids []string
	s.Range(func(e *TaskEntity) bool {
		ids = append(ids, e.EntityID)
		return true
	})
	want := []string{"ent-047", "ent-048", "ent-049"}
	if len(ids) != len(want) {
		t.Fatalf("Range visited %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Range visited %v, want %v", ids, want)
		}
	}
}

func TestStore_Duplicate(t *testing.T) {
	t.Parallel()

	s := NewStore(4)
	if err := s.Insert(testEntity(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(testEntity(1)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestStore_Range(t *testing.T) {
	t.Parallel()

	s := NewStore(8)
	for i := range 5 {
		_ = s.Insert(testEntity(i))
	}

	var ids []string
	s.Range(func(e *TaskEntity) bool {
		ids = append(ids, e.EntityID)
		return len(ids) < 3
	})
	if len(ids) != 3 || ids[0] != "ent-000" || ids[2] != "ent-002" {
		t.Errorf("Range visited %v", ids)
	}
}

func TestStore_ConcurrentInsertAndRead(t *testing.T) {
	t.Parallel()

	const n = 200
	s := NewStore(n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := s.Insert(testEntity(i)); err != nil {
				t.Errorf("Insert: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if e, ok := s.Get(fmt.Sprintf("ent-%03d", i)); ok && e.TriggerCode != "isolate-host" {
				t.Errorf("torn read: %+v", e)
			}
			_ = s.Len()
		}()
	}
	wg.Wait()

	if s.Len() != n {
		t.Errorf("Len = %d, want %d", s.Len(), n)
	}
}

func TestPublisher_PublishNotifies(t *testing.T) {
	t.Parallel()

	var published int
	p := NewPublisher(NewStore(4), 1, PublisherHooks{
		OnPublish: func(*TaskEntity) { published++ },
	})

	e := testEntity(1)
	if err := p.Publish(e); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-p.Events():
		if ev.Topic != e.TaskID || ev.EntityID != e.EntityID || !ev.PublishedAt.Equal(e.CreatedAt) {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Fatal("expected an event")
	}
	if published != 1 {
		t.Errorf("OnPublish calls = %d, want 1", published)
	}
	if _, ok := p.Store().Get(e.EntityID); !ok {
		t.Error("entity not in store")
	}
}

func TestPublisher_FullChannelDoesNotBlock(t *testing.T) {
	t.Parallel()

	var dropped int
	p := NewPublisher(NewStore(4), 0, PublisherHooks{
		OnEventDrop: func(*TaskEntity) { dropped++ },
	})

	done := make(chan error, 1)
	go func() { done <- p.Publish(testEntity(1)) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on an unread channel")
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestPublisher_StoreFull(t *testing.T) {
	t.Parallel()

	var full int
	p := NewPublisher(NewStore(1), 4, PublisherHooks{
		OnStoreFull: func(*TaskEntity) { full++ },
	})
	_ = p.Publish(testEntity(1))

	if err := p.Publish(testEntity(2)); !errors.Is(err, ErrStoreFull) {
		t.Fatalf("err = %v, want ErrStoreFull", err)
	}
	if full != 1 {
		t.Errorf("OnStoreFull calls = %d, want 1", full)
	}
	if len(p.Events()) != 1 {
		t.Errorf("events = %d, want 1 (no event for the dropped entity)", len(p.Events()))
	}
}

func BenchmarkPublish(b *testing.B) {
	p := NewPublisher(NewStore(b.N+1), 1, PublisherHooks{})
	es := make([]*TaskEntity, b.N)
	for i := range es {
		es[i] = testEntity(i)
		es[i].EntityID = fmt.Sprintf("bench-%d", i)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = p.Publish(es[i])
	}
}
