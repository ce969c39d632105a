package workspace

import (
	"sync"

	"image-compressor-go/internal/collection"
	"image-compressor-go/internal/statistics"
)

// EventType names a workspace change.
type EventType string

const (
	EventItemUpdated   EventType = "item_updated"
	EventItemRemoved   EventType = "item_removed"
	EventCleared       EventType = "cleared"
	EventQuality       EventType = "quality"
	EventBatchStarted  EventType = "batch_started"
	EventBatchProgress EventType = "batch_progress"
	EventBatchFinished EventType = "batch_finished"
)

// Progress is the state of a running compress-all.
type Progress struct {
	Done  int    `json:"done"`
	Total int    `json:"total"`
	ID    string `json:"id,omitempty"`
}

// Event is delivered to subscribers after every observable change. Summary is
// recomputed for each event.
type Event struct {
	Type     EventType               `json:"type"`
	ID       string                  `json:"id,omitempty"`
	Item     *collection.ImageItem   `json:"item,omitempty"`
	Quality  int                     `json:"quality,omitempty"`
	Progress *Progress               `json:"progress,omitempty"`
	Summary  statistics.BatchSummary `json:"summary"`
}

type broadcaster struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Event)
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]func(Event))}
}

func (b *broadcaster) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *broadcaster) listeners() []func(Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		out = append(out, fn)
	}
	return out
}

// Subscribe registers fn for every future event and returns a function that
// removes it. fn is called synchronously and must not block.
func (w *Workspace) Subscribe(fn func(Event)) func() {
	return w.events.subscribe(fn)
}

func (w *Workspace) emit(ev Event) {
	fns := w.events.listeners()
	if len(fns) == 0 {
		return
	}
	if ev.Item != nil && ev.ID == "" {
		ev.ID = ev.Item.ID
	}
	ev.Summary = w.Summary()
	for _, fn := range fns {
		fn(ev)
	}
}
