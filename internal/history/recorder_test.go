package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/docflow/model"
)

type memStore struct {
	mu     sync.Mutex
	events []model.TransitionEvent
}

func (s *memStore) InsertEvent(_ context.Context, ev model.TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.InstanceID == ev.InstanceID && e.Sequence == ev.Sequence {
			return model.NewConflictError("duplicate sequence")
		}
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) LastEvent(_ context.Context, instanceID string) (model.TransitionEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last model.TransitionEvent
	found := false
	for _, e := range s.events {
		if e.InstanceID == instanceID && e.Sequence > last.Sequence {
			last, found = e, true
		}
	}
	return last, found, nil
}

func (s *memStore) ListEvents(_ context.Context, instanceID string) ([]model.TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TransitionEvent
	for _, e := range s.events {
		if e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) ListEventsByDocument(_ context.Context, documentID string) ([]model.TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TransitionEvent
	for _, e := range s.events {
		if e.DocumentID == documentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestRecorder_Append_assignsSequence(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(&memStore{})

	for i, action := range []model.Action{model.ActionStart, model.ActionAdvance, model.ActionComplete} {
		ev, err := r.Append(ctx, model.TransitionEvent{InstanceID: "inst-1", Action: action, PerformedBy: "u1"})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if ev.Sequence != i+1 {
			t.Errorf("Sequence = %d, want %d", ev.Sequence, i+1)
		}
		if ev.ID == "" {
			t.Error("ID should be assigned")
		}
		if ev.Timestamp.IsZero() {
			t.Error("Timestamp should be assigned")
		}
	}

	other, err := r.Append(ctx, model.TransitionEvent{InstanceID: "inst-2", Action: model.ActionStart})
	if err != nil {
		t.Fatal(err)
	}
	if other.Sequence != 1 {
		t.Errorf("Sequence for a new instance = %d, want 1", other.Sequence)
	}
}

func TestRecorder_Append_keepsCallerTimestamp(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ev, err := NewRecorder(&memStore{}).Append(context.Background(),
		model.TransitionEvent{InstanceID: "inst-1", Timestamp: ts})
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", ev.Timestamp, ts)
	}
}

func TestRecorder_Append_requiresInstance(t *testing.T) {
	if _, err := NewRecorder(&memStore{}).Append(context.Background(), model.TransitionEvent{}); err == nil {
		t.Error("Append() without instance id should fail")
	}
}

func TestRecorder_ListByInstance_restartable(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(&memStore{})
	for i := 0; i < 3; i++ {
		if _, err := r.Append(ctx, model.TransitionEvent{InstanceID: "inst-1"}); err != nil {
			t.Fatal(err)
		}
	}

	for pass := 0; pass < 2; pass++ {
		events, err := r.ListByInstance(ctx, "inst-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 3 {
			t.Fatalf("pass %d: len = %d, want 3", pass, len(events))
		}
		for i, ev := range events {
			if ev.Sequence != i+1 {
				t.Errorf("pass %d: events[%d].Sequence = %d", pass, i, ev.Sequence)
			}
		}
	}
}

func TestRecorder_ListByDocument(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(&memStore{})
	r.Append(ctx, model.TransitionEvent{InstanceID: "inst-1", DocumentID: "doc-1", Action: model.ActionStart})
	r.Append(ctx, model.TransitionEvent{InstanceID: "inst-1", DocumentID: "doc-1", Action: model.ActionReset})
	r.Append(ctx, model.TransitionEvent{InstanceID: "inst-2", DocumentID: "doc-1", Action: model.ActionStart})
	r.Append(ctx, model.TransitionEvent{InstanceID: "inst-3", DocumentID: "doc-2", Action: model.ActionStart})

	events, err := r.ListByDocument(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Errorf("len = %d, want 3", len(events))
	}

	last, ok, err := r.Last(ctx, "inst-1")
	if err != nil || !ok || last.Action != model.ActionReset {
		t.Errorf("Last(inst-1) = %+v, %v, %v", last, ok, err)
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	if err := p.Publish(context.Background(), model.TransitionEvent{}); err != nil {
		t.Errorf("Publish() error = %v", err)
	}
}
