package stream

import "github.com/robertmeta/reader-sync/model"

// Row is one rendered entry of the stream.
type Row struct {
	Item    *model.StreamItem `json:"item"`
	Hidden  bool              `json:"hidden"`
	Pending bool              `json:"pending"` // awaiting remote confirmation of a block action
}

// Measurer measures the natural height of an item at a given width.
type Measurer interface {
	MeasureRow(item *model.StreamItem, width float64) float64
}

// MeasurerFunc adapts a function to a Measurer.
type MeasurerFunc func(item *model.StreamItem, width float64) float64

// MeasureRow calls f.
func (f MeasurerFunc) MeasureRow(item *model.StreamItem, width float64) float64 {
	return f(item, width)
}

// HeightCache memoizes row heights per item for the current width.
type HeightCache struct {
	measurer  Measurer
	estimated float64
	blocked   float64

	width   float64
	heights map[int64]float64
}

// NewHeightCache returns a cache. A nil measurer yields the estimated height
// for every visible row.
func NewHeightCache(m Measurer, estimated, blocked float64) *HeightCache {
	return &HeightCache{
		measurer:  m,
		estimated: estimated,
		blocked:   blocked,
		heights:   make(map[int64]float64),
	}
}

// Height returns the height of row at width, measuring at most once per item.
// Hidden rows have the fixed blocked height.
func (c *HeightCache) Height(row Row, width float64) float64 {
	if width != c.width {
		c.Reset()
		c.width = width
	}

	if h, ok := c.heights[row.Item.ID]; ok {
		return h
	}

	h := c.estimated
	switch {
	case row.Hidden:
		h = c.blocked
	case c.measurer != nil:
		h = c.measurer.MeasureRow(row.Item, width)
	}
	c.heights[row.Item.ID] = h
	return h
}

// Estimated returns the height used before a row is measured.
func (c *HeightCache) Estimated() float64 {
	return c.estimated
}

// Invalidate forgets the height of one item.
func (c *HeightCache) Invalidate(itemID int64) {
	delete(c.heights, itemID)
}

// Reset forgets every height.
func (c *HeightCache) Reset() {
	c.heights = make(map[int64]float64)
}

// Len returns the number of cached heights.
func (c *HeightCache) Len() int {
	return len(c.heights)
}
