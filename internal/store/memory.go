package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/pitabwire/docflow/internal/task"
	"github.com/pitabwire/docflow/model"
)

// state is one immutable version of the memory store contents. A
// transaction works on a clone and the clone replaces the current state on
// commit.
type state struct {
	instances     map[string]model.WorkflowInstance
	instanceOrder []string
	tasks         map[string]model.ReviewTask
	taskOrder     []string
	events        map[string][]model.TransitionEvent
	feedback      map[string]model.FeedbackItem
	feedbackOrder []string
}

func newState() *state {
	return &state{
		instances: make(map[string]model.WorkflowInstance),
		tasks:     make(map[string]model.ReviewTask),
		events:    make(map[string][]model.TransitionEvent),
		feedback:  make(map[string]model.FeedbackItem),
	}
}

// clone copies the maps. Slices are clipped so appends in the clone never
// write into arrays shared with the original.
func (s *state) clone() *state {
	c := &state{
		instances:     make(map[string]model.WorkflowInstance, len(s.instances)),
		instanceOrder: slices.Clip(s.instanceOrder),
		tasks:         make(map[string]model.ReviewTask, len(s.tasks)),
		taskOrder:     slices.Clip(s.taskOrder),
		events:        make(map[string][]model.TransitionEvent, len(s.events)),
		feedback:      make(map[string]model.FeedbackItem, len(s.feedback)),
		feedbackOrder: slices.Clip(s.feedbackOrder),
	}
	for k, v := range s.instances {
		c.instances[k] = v
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	for k, v := range s.events {
		c.events[k] = slices.Clip(v)
	}
	for k, v := range s.feedback {
		c.feedback[k] = v
	}
	return c
}

// MemoryStore is an in-memory Store. Transactions are serialized by a
// single mutex and applied copy-on-write.
type MemoryStore struct {
	mu sync.RWMutex
	st *state
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: newState()}
}

// InTx implements Store.
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.st.clone()
	if err := fn(&memTx{st: next}); err != nil {
		return err
	}
	m.st = next
	return nil
}

// View implements Store.
func (m *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{st: m.st, readOnly: true})
}

// HealthCheck implements Store.
func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close implements Store.
func (m *MemoryStore) Close() {}

type memTx struct {
	st       *state
	readOnly bool
}

var errReadOnly = fmt.Errorf("store: write in read-only view")

func (t *memTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *memTx) GetInstance(_ context.Context, id string) (model.WorkflowInstance, error) {
	inst, ok := t.st.instances[id]
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", id),
		)
	}
	return cloneInstance(inst), nil
}

// LockInstance is GetInstance; the store mutex already serializes writers.
func (t *memTx) LockInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	return t.GetInstance(ctx, id)
}

func (t *memTx) ActiveInstance(_ context.Context, documentID string) (model.WorkflowInstance, bool, error) {
	for _, id := range t.st.instanceOrder {
		inst := t.st.instances[id]
		if inst.DocumentID == documentID && inst.IsActive {
			return cloneInstance(inst), true, nil
		}
	}
	return model.WorkflowInstance{}, false, nil
}

func (t *memTx) InsertInstance(ctx context.Context, inst model.WorkflowInstance) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, exists := t.st.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	if inst.IsActive {
		if active, ok, _ := t.ActiveInstance(ctx, inst.DocumentID); ok {
			return model.NewConflictError(fmt.Sprintf(
				"document %q already has active workflow instance %q", inst.DocumentID, active.ID,
			))
		}
	}
	t.st.instances[inst.ID] = cloneInstance(inst)
	t.st.instanceOrder = append(t.st.instanceOrder, inst.ID)
	return nil
}

func (t *memTx) UpdateInstance(_ context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	if err := t.writable(); err != nil {
		return model.WorkflowInstance{}, err
	}
	existing, ok := t.st.instances[inst.ID]
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", inst.ID),
		)
	}

	// Optimistic lock check.
	if existing.Version != inst.Version {
		return model.WorkflowInstance{}, model.NewConflictError(fmt.Sprintf(
			"workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version,
		))
	}
	if !existing.IsActive && inst.IsActive {
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q is inactive and cannot be reactivated", inst.ID),
		)
	}

	inst.Version++
	t.st.instances[inst.ID] = cloneInstance(inst)
	return cloneInstance(inst), nil
}

func (t *memTx) ListInstances(_ context.Context, documentID string) ([]model.WorkflowInstance, error) {
	var out []model.WorkflowInstance
	for _, id := range t.st.instanceOrder {
		if inst := t.st.instances[id]; inst.DocumentID == documentID {
			out = append(out, cloneInstance(inst))
		}
	}
	return out, nil
}

func (t *memTx) FindInstances(_ context.Context, f InstanceFilter) ([]model.WorkflowInstance, error) {
	var out []model.WorkflowInstance
	for _, id := range t.st.instanceOrder {
		if inst := t.st.instances[id]; f.Matches(inst) {
			out = append(out, cloneInstance(inst))
		}
	}
	slices.SortStableFunc(out, func(a, b model.WorkflowInstance) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	return out, nil
}

func (t *memTx) InsertTask(_ context.Context, rt model.ReviewTask) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, exists := t.st.tasks[rt.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("review task %q already exists", rt.ID))
	}
	t.st.tasks[rt.ID] = rt
	t.st.taskOrder = append(t.st.taskOrder, rt.ID)
	return nil
}

func (t *memTx) GetTask(_ context.Context, id string) (model.ReviewTask, error) {
	rt, ok := t.st.tasks[id]
	if !ok {
		return model.ReviewTask{}, model.NewNotFoundError(fmt.Sprintf("review task %q not found", id))
	}
	return rt, nil
}

func (t *memTx) UpdateTask(_ context.Context, rt model.ReviewTask) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.st.tasks[rt.ID]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("review task %q not found", rt.ID))
	}
	t.st.tasks[rt.ID] = rt
	return nil
}

func (t *memTx) ListTasks(_ context.Context, f task.Filter) ([]model.ReviewTask, error) {
	var out []model.ReviewTask
	for _, id := range t.st.taskOrder {
		if rt := t.st.tasks[id]; f.Matches(rt) {
			out = append(out, rt)
		}
	}
	return out, nil
}

func (t *memTx) InsertEvent(_ context.Context, ev model.TransitionEvent) error {
	if err := t.writable(); err != nil {
		return err
	}
	events := t.st.events[ev.InstanceID]
	if n := len(events); n > 0 && events[n-1].Sequence >= ev.Sequence {
		return model.NewConflictError(fmt.Sprintf(
			"event sequence %d already recorded for instance %q", ev.Sequence, ev.InstanceID,
		))
	}
	// Clip so the append never writes into an array shared with a
	// previous state.
	t.st.events[ev.InstanceID] = append(slices.Clip(events), cloneEvent(ev))
	return nil
}

func (t *memTx) LastEvent(_ context.Context, instanceID string) (model.TransitionEvent, bool, error) {
	events := t.st.events[instanceID]
	if len(events) == 0 {
		return model.TransitionEvent{}, false, nil
	}
	return cloneEvent(events[len(events)-1]), true, nil
}

func (t *memTx) ListEvents(_ context.Context, instanceID string) ([]model.TransitionEvent, error) {
	events := t.st.events[instanceID]
	out := make([]model.TransitionEvent, len(events))
	for i, ev := range events {
		out[i] = cloneEvent(ev)
	}
	return out, nil
}

func (t *memTx) ListEventsByDocument(ctx context.Context, documentID string) ([]model.TransitionEvent, error) {
	var out []model.TransitionEvent
	for _, id := range t.st.instanceOrder {
		if t.st.instances[id].DocumentID != documentID {
			continue
		}
		events, _ := t.ListEvents(ctx, id)
		out = append(out, events...)
	}
	return out, nil
}

func (t *memTx) InsertFeedback(_ context.Context, item model.FeedbackItem) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, exists := t.st.feedback[item.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("feedback %q already exists", item.ID))
	}
	t.st.feedback[item.ID] = item
	t.st.feedbackOrder = append(t.st.feedbackOrder, item.ID)
	return nil
}

func (t *memTx) GetFeedback(_ context.Context, id string) (model.FeedbackItem, error) {
	item, ok := t.st.feedback[id]
	if !ok {
		return model.FeedbackItem{}, model.NewNotFoundError(fmt.Sprintf("feedback %q not found", id))
	}
	return item, nil
}

func (t *memTx) UpdateFeedback(_ context.Context, item model.FeedbackItem) error {
	if err := t.writable(); err != nil {
		return err
	}
	existing, ok := t.st.feedback[item.ID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("feedback %q not found", item.ID))
	}
	if existing.Status == model.FeedbackMerged {
		return model.NewConflictError(fmt.Sprintf("feedback %q is merged and immutable", item.ID))
	}
	t.st.feedback[item.ID] = item
	return nil
}

func (t *memTx) ListFeedback(_ context.Context, documentID string) ([]model.FeedbackItem, error) {
	var out []model.FeedbackItem
	for _, id := range t.st.feedbackOrder {
		if item := t.st.feedback[id]; item.DocumentID == documentID {
			out = append(out, item)
		}
	}
	return out, nil
}

func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	inst.Metadata = cloneMap(inst.Metadata)
	if inst.CompletedAt != nil {
		c := *inst.CompletedAt
		inst.CompletedAt = &c
	}
	return inst
}

func cloneEvent(ev model.TransitionEvent) model.TransitionEvent {
	ev.Metadata = cloneMap(ev.Metadata)
	return ev
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
