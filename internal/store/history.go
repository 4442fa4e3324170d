package store

import (
	"context"
	"sync"
)

// HistoryItem is one chat line kept in the recent-history buffer.
type HistoryItem struct {
	Nick string `json:"nick"`
	Text string `json:"text"`
	TS   int64  `json:"ts"`
}

// HistoryBound is the number of items a history store retains.
const HistoryBound = 100

// HistoryStore is the bounded ring of recent chat lines replayed to new
// joiners. Push trims the buffer to the bound; List returns items
// oldest-first.
type HistoryStore interface {
	Push(ctx context.Context, nick, text string) error
	List(ctx context.Context) ([]HistoryItem, error)
}

// MemoryHistory keeps history in process memory.
type MemoryHistory struct {
	mu    sync.Mutex
	max   int
	items []HistoryItem
}

// NewMemoryHistory returns an in-memory history bounded to max items.
func NewMemoryHistory(max int) *MemoryHistory {
	return &MemoryHistory{max: max}
}

// Push appends an item, dropping the oldest when over the bound.
func (h *MemoryHistory) Push(_ context.Context, nick, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, HistoryItem{Nick: nick, Text: text, TS: nowUnix()})
	if excess := len(h.items) - h.max; excess > 0 {
		h.items = append(h.items[:0:0], h.items[excess:]...)
	}
	return nil
}

// List returns a copy of the buffer, oldest-first.
func (h *MemoryHistory) List(_ context.Context) ([]HistoryItem, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryItem, len(h.items))
	copy(out, h.items)
	return out, nil
}
