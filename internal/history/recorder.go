// Package history appends and lists the immutable transition log of
// workflow instances.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/docflow/model"
)

// Store persists transition events. Events are never updated or deleted.
// InsertEvent returns CONFLICT when (instance, sequence) already exists.
type Store interface {
	InsertEvent(ctx context.Context, ev model.TransitionEvent) error
	LastEvent(ctx context.Context, instanceID string) (model.TransitionEvent, bool, error)
	ListEvents(ctx context.Context, instanceID string) ([]model.TransitionEvent, error)
	ListEventsByDocument(ctx context.Context, documentID string) ([]model.TransitionEvent, error)
}

// Publisher forwards committed events to interested parties. Publish is
// called after the surrounding transaction commits.
type Publisher interface {
	Publish(ctx context.Context, ev model.TransitionEvent) error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, model.TransitionEvent) error { return nil }

// Recorder appends transition events with gap-free, 1-based sequences per
// instance.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder creates a Recorder over store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Append assigns the event id, sequence and timestamp, and stores it. The
// stored event is returned.
func (r *Recorder) Append(ctx context.Context, ev model.TransitionEvent) (model.TransitionEvent, error) {
	if ev.InstanceID == "" {
		return model.TransitionEvent{}, fmt.Errorf("append event: instance id is required")
	}

	last, ok, err := r.store.LastEvent(ctx, ev.InstanceID)
	if err != nil {
		return model.TransitionEvent{}, fmt.Errorf("read last event: %w", err)
	}
	ev.Sequence = 1
	if ok {
		ev.Sequence = last.Sequence + 1
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}

	if err := r.store.InsertEvent(ctx, ev); err != nil {
		return model.TransitionEvent{}, err
	}
	return ev, nil
}

// Last returns the most recent event of an instance.
func (r *Recorder) Last(ctx context.Context, instanceID string) (model.TransitionEvent, bool, error) {
	return r.store.LastEvent(ctx, instanceID)
}

// ListByInstance returns the events of an instance ordered by sequence.
func (r *Recorder) ListByInstance(ctx context.Context, instanceID string) ([]model.TransitionEvent, error) {
	return r.store.ListEvents(ctx, instanceID)
}

// ListByDocument returns the events of every instance a document has had,
// oldest instance first. It spans resets.
func (r *Recorder) ListByDocument(ctx context.Context, documentID string) ([]model.TransitionEvent, error) {
	return r.store.ListEventsByDocument(ctx, documentID)
}
