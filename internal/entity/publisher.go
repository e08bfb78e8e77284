package entity

import (
	"errors"
	"time"
)

// Event is the best-effort notification sent per publish. Topic is the task id.
type Event struct {
	Topic       string    `json:"topic"`
	EntityID    string    `json:"entity_id"`
	PublishedAt time.Time `json:"published_at"`
}

// PublisherHooks receive hot-path signals; nil fields are skipped.
type PublisherHooks struct {
	OnPublish   func(e *TaskEntity)
	OnStoreFull func(e *TaskEntity)
	OnEventDrop func(e *TaskEntity)
}

// Publisher writes entities to the store and notifies observers.
type Publisher struct {
	store  *Store
	events chan Event
	hooks  PublisherHooks
}

// NewPublisher creates a publisher over store with an outbound channel of
// the given buffer size.
func NewPublisher(store *Store, buffer int, hooks PublisherHooks) *Publisher {
	if buffer < 0 {
		buffer = 0
	}
	return &Publisher{
		store:  store,
		events: make(chan Event, buffer),
		hooks:  hooks,
	}
}

// Publish inserts e and then sends an Event without blocking. A full event
// channel drops the notification; the entity remains in the store.
func (p *Publisher) Publish(e *TaskEntity) error {
	if err := p.store.Insert(e); err != nil {
		if errors.Is(err, ErrStoreFull) && p.hooks.OnStoreFull != nil {
			p.hooks.OnStoreFull(e)
		}
		return err
	}

	select {
	case p.events <- Event{Topic: e.TaskID, EntityID: e.EntityID, PublishedAt: e.CreatedAt}:
	default:
		if p.hooks.OnEventDrop != nil {
			p.hooks.OnEventDrop(e)
		}
	}

	if p.hooks.OnPublish != nil {
		p.hooks.OnPublish(e)
	}
	return nil
}

// Events is the outbound notification channel for external observers.
func (p *Publisher) Events() <-chan Event {
	return p.events
}

// Store returns the underlying entity store.
func (p *Publisher) Store() *Store {
	return p.store
}
