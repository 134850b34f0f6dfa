package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/docflow/model"
)

// Document is the record the memory content store keeps per document. Only
// Content is ever written by a merge.
type Document struct {
	ID        string
	Title     string
	Owner     string
	Content   string
	UpdatedAt time.Time
}

// MemoryContentStore is an in-memory feedback.ContentStore.
type MemoryContentStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryContentStore creates an empty content store.
func NewMemoryContentStore() *MemoryContentStore {
	return &MemoryContentStore{docs: make(map[string]Document)}
}

// Put creates or replaces a whole document.
func (c *MemoryContentStore) Put(doc Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[doc.ID] = doc
}

// Document returns a copy of the stored document.
func (c *MemoryContentStore) Document(id string) (Document, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[id]
	return doc, ok
}

// GetContent implements feedback.ContentStore.
func (c *MemoryContentStore) GetContent(_ context.Context, documentID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[documentID]
	if !ok {
		return "", model.NewNotFoundError(fmt.Sprintf("document %q not found", documentID))
	}
	return doc.Content, nil
}

// SetContent implements feedback.ContentStore.
func (c *MemoryContentStore) SetContent(_ context.Context, documentID, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[documentID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("document %q not found", documentID))
	}
	doc.Content = content
	doc.UpdatedAt = time.Now().UTC()
	c.docs[documentID] = doc
	return nil
}
