// Package store persists workflow instances, transition events, review
// tasks and feedback behind a single unit-of-work interface, with in-memory
// and PostgreSQL implementations.
package store

import (
	"context"
	"time"

	"github.com/pitabwire/docflow/internal/feedback"
	"github.com/pitabwire/docflow/internal/history"
	"github.com/pitabwire/docflow/internal/task"
	"github.com/pitabwire/docflow/model"
)

// InstanceStore persists workflow instances.
type InstanceStore interface {
	// GetInstance returns the instance or NOT_FOUND.
	GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error)

	// LockInstance returns the instance and holds a row lock on it until the
	// surrounding transaction ends.
	LockInstance(ctx context.Context, id string) (model.WorkflowInstance, error)

	// ActiveInstance returns the active instance of a document, if any.
	ActiveInstance(ctx context.Context, documentID string) (model.WorkflowInstance, bool, error)

	// InsertInstance persists a new instance. It returns CONFLICT when the
	// document already has an active instance; the check and the insert are
	// one atomic step.
	InsertInstance(ctx context.Context, inst model.WorkflowInstance) error

	// UpdateInstance persists inst when the stored version equals
	// inst.Version and returns the stored row with the incremented version.
	// A version mismatch is a CONFLICT.
	UpdateInstance(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error)

	// ListInstances returns every instance of a document, oldest first.
	ListInstances(ctx context.Context, documentID string) ([]model.WorkflowInstance, error)

	// FindInstances returns the instances matching f across all documents,
	// least recently updated first.
	FindInstances(ctx context.Context, f InstanceFilter) ([]model.WorkflowInstance, error)
}

// InstanceFilter selects workflow instances. Zero fields match everything.
type InstanceFilter struct {
	WorkflowID    string
	ActiveOnly    bool
	UpdatedBefore time.Time
}

// Matches reports whether inst satisfies the filter.
func (f InstanceFilter) Matches(inst model.WorkflowInstance) bool {
	if f.WorkflowID != "" && inst.WorkflowID != f.WorkflowID {
		return false
	}
	if f.ActiveOnly && !inst.IsActive {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !inst.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// Tx is the set of operations available inside a unit of work.
type Tx interface {
	InstanceStore
	task.Store
	history.Store
	feedback.Store
}

// Store runs units of work. Reads outside InTx go through View.
type Store interface {
	// InTx runs fn in a transaction. Every write made through tx becomes
	// visible atomically when fn returns nil and is discarded otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn against a consistent read view. Writes made through tx
	// inside View are not allowed.
	View(ctx context.Context, fn func(tx Tx) error) error

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error

	Close()
}

// TxContentStore is a feedback.ContentStore that can join a unit of work.
type TxContentStore interface {
	feedback.ContentStore
	// Bind returns the content store to use inside tx.
	Bind(tx Tx) feedback.ContentStore
}

// ContentIn returns content bound to tx when content can join it, and
// content itself otherwise.
func ContentIn(tx Tx, content feedback.ContentStore) feedback.ContentStore {
	if b, ok := content.(TxContentStore); ok {
		return b.Bind(tx)
	}
	return content
}
