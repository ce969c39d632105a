package collection

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an id is not present in the collection.
var ErrNotFound = errors.New("image not found")

// Collection is the id-keyed set of ImageItems for one session.
// Iteration order is ingestion order. Every mutation is a replace-by-id or
// delete-by-id under a single lock, so a late writer can never resurrect an
// item that has been removed.
type Collection struct {
	mu    sync.RWMutex
	order []string
	items map[string]ImageItem
}

// New returns an empty Collection.
func New() *Collection {
	return &Collection{items: make(map[string]ImageItem)}
}

// Add appends item and returns it with its assigned id. Existing entries are
// never replaced.
func (c *Collection) Add(item ImageItem) ImageItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	item.ID = c.newID()
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now()
	}
	c.items[item.ID] = item
	c.order = append(c.order, item.ID)
	return item
}

func (c *Collection) newID() string {
	for {
		id := uuid.NewString()
		if _, exists := c.items[id]; !exists {
			return id
		}
	}
}

// Get returns a snapshot of the item with the given id.
func (c *Collection) Get(id string) (ImageItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[id]
	return item, ok
}

// Has reports whether id is still part of the collection.
func (c *Collection) Has(id string) bool {
	_, ok := c.Get(id)
	return ok
}

// List returns snapshots of all items in ingestion order.
func (c *Collection) List() []ImageItem {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ImageItem, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

// IDs returns the ids of items with the given status in ingestion order.
func (c *Collection) IDs(status Status) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []string
	for _, id := range c.order {
		if c.items[id].Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of items.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Update applies fn to a copy of the item and stores the result atomically.
// If fn returns an error nothing is written. ErrNotFound is returned when the
// id has been removed.
func (c *Collection) Update(id string, fn func(*ImageItem) error) (ImageItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[id]
	if !ok {
		return ImageItem{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := fn(&item); err != nil {
		return c.items[id], err
	}
	item.ID = id
	c.items[id] = item
	return item, nil
}

// UpdateAll applies fn to every item in order, under one lock, and returns the
// ids whose record fn reported as changed.
func (c *Collection) UpdateAll(fn func(*ImageItem) bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var changed []string
	for _, id := range c.order {
		item := c.items[id]
		if fn(&item) {
			item.ID = id
			c.items[id] = item
			changed = append(changed, id)
		}
	}
	return changed
}

// Delete removes the item and returns its last state.
func (c *Collection) Delete(id string) (ImageItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[id]
	if !ok {
		return ImageItem{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(c.items, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return item, nil
}

// Clear removes every item and returns them in ingestion order.
func (c *Collection) Clear() []ImageItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ImageItem, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	c.order = nil
	c.items = make(map[string]ImageItem)
	return out
}
