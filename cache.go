package trackstore

import (
	"sync"

	"github.com/airheartdev/trackstore/metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/zyedidia/generic"
	"github.com/zyedidia/generic/btree"
)

// RowCache is a write-back cache of decoded rows over a DatastoreAccessor.
//
// Reads and allocations are serialized by a single lock. WriteDirtyRows is
// the one long-running operation; it must only be called by the table's
// single writer, and never concurrently with itself.
type RowCache[T Row] struct {
	options  *Options
	accessor DatastoreAccessor[T]
	factory  func() T

	mu sync.Mutex

	// ring holds cached rows in fixed slots; slots maps id => ring index.
	ring  []T
	hand  int
	slots map[int64]int

	// dirty holds rows with unflushed changes, ordered by id.
	dirty  *btree.Tree[int64, T]
	nextID int64
	hits   int64
	misses int64
}

// New returns a RowCache over |accessor|. |factory| returns a zero row of
// the cached kind, into which misses are decoded.
func New[T Row](accessor DatastoreAccessor[T], factory func() T, options ...Option) (*RowCache[T], error) {
	opts := defaultOptions()
	for _, option := range options {
		option(opts)
	}
	if opts.capacity <= 0 {
		return nil, errors.Wrapf(ErrInvalidCapacity, "capacity %d", opts.capacity)
	}
	if factory == nil {
		return nil, ErrNilFactory
	}
	if opts.log == nil {
		opts.log = log.NewEntry(log.StandardLogger())
	}
	opts.log = opts.log.WithField("cache", opts.name)

	c := &RowCache[T]{
		options:  opts,
		accessor: accessor,
		factory:  factory,
	}
	if err := c.reset(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RowCache[T]) reset() error {
	nextID, err := c.accessor.NextRowID()
	if err != nil {
		return errors.WithMessage(err, "reading next row id")
	}
	c.ring = make([]T, 0, c.options.capacity)
	c.hand = 0
	c.slots = make(map[int64]int, c.options.capacity)
	c.dirty = btree.New[int64, T](generic.Less[int64])
	c.nextID = nextID
	return nil
}

// NewRow allocates a row with the next id. The id is consumed even if the
// row is never flushed.
func (c *RowCache[T]) NewRow() T {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.factory()
	m := row.Meta()
	m.assign(c.nextID)
	m.dirty = true
	m.inserted = false
	c.nextID++

	c.dirty.Put(m.id, row)
	return row
}

// NotifyRowUpdated registers a change the caller made to |row|. It's a no-op
// for rows without an id or rows already dirty.
func (c *RowCache[T]) NotifyRowUpdated(row T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := row.Meta()
	if !m.hasID || m.dirty {
		return
	}
	m.dirty = true
	m.referencedRecently = true
	c.dirty.Put(m.id, row)
}

// GetRow returns row |id|, failing with ErrRowNotFound if it exists neither in
// memory nor in the backing store.
func (c *RowCache[T]) GetRow(id int64) (T, error) {
	row, ok, err := c.GetRowNoFail(id)
	if err != nil {
		return row, err
	}
	if !ok {
		return row, errors.Wrapf(ErrRowNotFound, "row %d", id)
	}
	return row, nil
}

// GetRowNoFail returns row |id| and whether it exists. A miss reads the
// backing store while holding the cache lock.
func (c *RowCache[T]) GetRowNoFail(id int64) (T, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T

	// Dirty rows are authoritative for uncommitted changes.
	if row, ok := c.dirty.Get(id); ok {
		return row, true, nil
	}
	if slot, ok := c.slots[id]; ok {
		row := c.ring[slot]
		row.Meta().referencedRecently = true
		c.hits++
		metrics.RowCacheHitsTotal.WithLabelValues(c.options.name).Inc()
		return row, true, nil
	}

	c.misses++
	metrics.RowCacheMissesTotal.WithLabelValues(c.options.name).Inc()

	row := c.factory()
	found, err := c.accessor.GetRow(row, id)
	if err != nil {
		return zero, false, errors.WithMessagef(err, "reading row %d", id)
	}
	if !found {
		return zero, false, nil
	}
	m := row.Meta()
	m.assign(id)
	m.inserted = true
	m.dirty = false

	c.cacheLocked(row)
	return row, true, nil
}

// cacheLocked adds |row| to the ring if absent, evicting by second chance
// once the ring is full.
func (c *RowCache[T]) cacheLocked(row T) {
	id := row.Meta().id
	if _, ok := c.slots[id]; ok {
		return
	}
	if len(c.ring) < cap(c.ring) {
		c.ring = append(c.ring, row)
		c.slots[id] = len(c.ring) - 1
		return
	}

	// Every pass over a referenced slot clears its flag, so this terminates
	// within one full rotation.
	for {
		victim := c.ring[c.hand].Meta()
		if victim.referencedRecently {
			victim.referencedRecently = false
			c.hand = (c.hand + 1) % len(c.ring)
			continue
		}
		delete(c.slots, victim.id)
		c.ring[c.hand] = row
		c.slots[id] = c.hand
		c.hand = (c.hand + 1) % len(c.ring)

		metrics.RowCacheEvictionsTotal.WithLabelValues(c.options.name).Inc()
		return
	}
}

// WriteDirtyRows writes every dirty row through the accessor in ascending id
// order. Rows already inserted are first soft-updated if the accessor needs
// it. Each hard update or insert is made with readers paused, and |pauser|
// yields to readers between rows. A nil |pauser| never blocks.
//
// Flushed rows stay in the dirty map, so they remain resolvable while the
// caller commits; call ClearDirtyRows once the flush is durable. On error,
// rows already written are clean and the rest remain dirty for a retry.
func (c *RowCache[T]) WriteDirtyRows(pauser ReaderPauser) error {
	if pauser == nil {
		pauser = nopPauser{}
	}

	type pending struct {
		row      T
		id       int64
		inserted bool
	}

	c.mu.Lock()
	batch := make([]pending, 0, c.dirty.Size())
	// Each walks in ascending key order, which the flat-file format requires
	// for inserts.
	c.dirty.Each(func(id int64, row T) {
		m := row.Meta()
		if m.dirty {
			batch = append(batch, pending{row: row, id: id, inserted: m.inserted})
		}
	})
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if c.accessor.NeedsSoftUpdate() {
		for _, p := range batch {
			if !p.inserted {
				continue
			}
			if err := c.accessor.SoftUpdateRow(p.row); err != nil {
				return errors.WithMessagef(err, "soft update of row %d", p.id)
			}
			pauser.Yield()
		}
	}

	for n, p := range batch {
		var err error

		resume := pauser.PauseReaders()
		if p.inserted {
			err = c.accessor.UpdateRow(p.row)
		} else {
			err = c.accessor.InsertRow(p.row)
		}
		resume()

		if err != nil {
			c.options.log.WithFields(log.Fields{
				"id":      p.id,
				"written": n,
				"batch":   len(batch),
				"err":     err,
			}).Warn("flush of dirty rows stopped")
			return errors.WithMessagef(err, "writing row %d", p.id)
		}

		c.mu.Lock()
		m := p.row.Meta()
		m.dirty = false
		m.inserted = true
		m.referencedRecently = true
		c.cacheLocked(p.row)
		c.mu.Unlock()

		pauser.Yield()
	}

	metrics.RowCacheFlushedRowsTotal.WithLabelValues(c.options.name).Add(float64(len(batch)))
	c.options.log.WithField("rows", len(batch)).Debug("flushed dirty rows")
	return nil
}

// ClearDirtyRows drops flushed rows from the dirty map. Rows dirtied again
// since the flush are kept.
func (c *RowCache[T]) ClearDirtyRows() {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := btree.New[int64, T](generic.Less[int64])
	c.dirty.Each(func(id int64, row T) {
		if row.Meta().dirty {
			kept.Put(id, row)
		}
	})
	c.dirty = kept
}

// Clear drops all cached and dirty rows and re-reads the next id from the
// accessor. Hit and miss counters are kept.
func (c *RowCache[T]) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reset()
}

func (c *RowCache[T]) DirtyRowCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty.Size()
}

// IsEmpty reports whether the cache holds no rows, cached or dirty.
func (c *RowCache[T]) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ring) == 0 && c.dirty.Size() == 0
}

// Len returns the number of rows in the cache map.
func (c *RowCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

func (c *RowCache[T]) Capacity() int { return c.options.capacity }

func (c *RowCache[T]) Hits() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

func (c *RowCache[T]) Misses() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misses
}

func (c *RowCache[T]) NextRowID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextID
}
