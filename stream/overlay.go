package stream

import (
	"sort"

	"github.com/robertmeta/reader-sync/model"
)

// Polarity is the provisional state an overlay entry forces on an item.
type Polarity int

const (
	PolarityHidden Polarity = iota
	PolarityVisible
)

func (p Polarity) String() string {
	if p == PolarityHidden {
		return "hidden"
	}
	return "visible"
}

// OverlayEntry marks an item as provisionally blocked or unblocked until the
// remote confirms. Token identifies this particular mark so a late
// confirmation cannot clear a newer one.
type OverlayEntry struct {
	ItemID   int64
	SiteID   string
	Polarity Polarity
	Token    uint64
}

// BlockOverlay is the local block buffer. It always wins over the persisted
// blocked flag of an item while an entry exists.
type BlockOverlay struct {
	entries map[int64]OverlayEntry
	next    uint64
}

// NewBlockOverlay returns an empty overlay.
func NewBlockOverlay() *BlockOverlay {
	return &BlockOverlay{entries: make(map[int64]OverlayEntry)}
}

// Mark records a provisional state for item, replacing any existing entry.
func (o *BlockOverlay) Mark(item *model.StreamItem, p Polarity) OverlayEntry {
	o.next++
	entry := OverlayEntry{ItemID: item.ID, SiteID: item.SiteID, Polarity: p, Token: o.next}
	o.entries[item.ID] = entry
	return entry
}

// Clear removes the entry for itemID if it is still the one identified by
// token. It reports whether an entry was removed.
func (o *BlockOverlay) Clear(itemID int64, token uint64) bool {
	entry, ok := o.entries[itemID]
	if !ok || entry.Token != token {
		return false
	}
	delete(o.entries, itemID)
	return true
}

// Lookup returns the entry for itemID.
func (o *BlockOverlay) Lookup(itemID int64) (OverlayEntry, bool) {
	entry, ok := o.entries[itemID]
	return entry, ok
}

// Hidden reports the effective hidden state of item.
func (o *BlockOverlay) Hidden(item *model.StreamItem) bool {
	if entry, ok := o.entries[item.ID]; ok {
		return entry.Polarity == PolarityHidden
	}
	return item.IsSiteBlocked
}

// IDs returns the item IDs with pending entries in ascending order.
func (o *BlockOverlay) IDs() []int64 {
	ids := make([]int64, 0, len(o.entries))
	for id := range o.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of pending entries.
func (o *BlockOverlay) Len() int {
	return len(o.entries)
}

// Reset drops every entry.
func (o *BlockOverlay) Reset() {
	o.entries = make(map[int64]OverlayEntry)
}
