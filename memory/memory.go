// Package memory is a volatile trackstore.DatastoreAccessor over a btree of
// encoded rows.
package memory

import (
	"sync"
	"time"

	"github.com/airheartdev/trackstore"
	"github.com/pkg/errors"
	"github.com/zyedidia/generic"
	"github.com/zyedidia/generic/btree"
)

var (
	ErrOutOfOrder          = errors.New("insert out of order")
	ErrSoftUpdatesDisabled = errors.New("soft updates are disabled")
)

type (
	// Accessor stores rows encoded, as a durable backend would, so rows
	// handed out by a cache never alias stored state.
	Accessor[T trackstore.Row] struct {
		mu      sync.Mutex
		entries *btree.Tree[int64, *Entry]
		soft    bool
		writes  []Write
	}

	Entry struct {
		Data []byte
		// Shadow holds the last soft write since the last hard write.
		// Readers never see it.
		Shadow         []byte
		Version        uint64
		LastModifiedAt time.Time
	}

	// Write records one write received, in order.
	Write struct {
		Op Op
		ID int64
	}

	Op string

	Option func(a *options)

	options struct {
		soft bool
	}
)

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpSoft   Op = "soft"
)

var _ trackstore.DatastoreAccessor[trackstore.Row] = &Accessor[trackstore.Row]{}

// WithSoftUpdates makes the accessor ask for soft updates, which land in
// each entry's Shadow.
func WithSoftUpdates() Option {
	return func(o *options) {
		o.soft = true
	}
}

func New[T trackstore.Row](opts ...Option) *Accessor[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Accessor[T]{
		entries: btree.New[int64, *Entry](generic.Less[int64]),
		soft:    o.soft,
	}
}

func encode[T trackstore.Row](row T) []byte {
	b := make([]byte, row.DataLength())
	row.Encode(b)
	return b
}

func (a *Accessor[T]) NextRowID() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int64(a.entries.Size()), nil
}

func (a *Accessor[T]) NeedsSoftUpdate() bool { return a.soft }

func (a *Accessor[T]) InsertRow(row T) error { return a.insert(row.Meta().ID(), encode(row)) }
func (a *Accessor[T]) UpdateRow(row T) error { return a.update(row.Meta().ID(), encode(row)) }

func (a *Accessor[T]) insert(id int64, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if next := int64(a.entries.Size()); id != next {
		return errors.Wrapf(ErrOutOfOrder, "insert of %d, expected %d", id, next)
	}
	a.entries.Put(id, &Entry{
		Data:           data,
		Version:        1,
		LastModifiedAt: time.Now(),
	})
	a.writes = append(a.writes, Write{Op: OpInsert, ID: id})
	return nil
}

func (a *Accessor[T]) update(id int64, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.entries.Get(id)
	if !ok {
		return errors.Wrapf(trackstore.ErrRowNotFound, "update of %d", id)
	}
	entry.Data = data
	entry.Shadow = nil
	entry.Version++
	entry.LastModifiedAt = time.Now()
	a.writes = append(a.writes, Write{Op: OpUpdate, ID: id})
	return nil
}

func (a *Accessor[T]) SoftUpdateRow(row T) error {
	if !a.soft {
		return ErrSoftUpdatesDisabled
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var id = row.Meta().ID()
	entry, ok := a.entries.Get(id)
	if !ok {
		return errors.Wrapf(trackstore.ErrRowNotFound, "soft update of %d", id)
	}
	entry.Shadow = encode(row)
	a.writes = append(a.writes, Write{Op: OpSoft, ID: id})
	return nil
}

func (a *Accessor[T]) GetRow(out T, id int64) (bool, error) {
	a.mu.Lock()
	entry, ok := a.entries.Get(id)
	var data []byte
	if ok {
		data = append(data, entry.Data...)
	}
	a.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, out.Decode(data)
}

// Entry returns a copy of the stored entry for |id|.
func (a *Accessor[T]) Entry(id int64) (Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.entries.Get(id)
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Writes returns every write received so far, in order.
func (a *Accessor[T]) Writes() []Write {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Write(nil), a.writes...)
}

// ChangedSince returns the ids of entries modified after |since|, ascending.
func (a *Accessor[T]) ChangedSince(since time.Time) []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]int64, 0)
	a.entries.Each(func(id int64, entry *Entry) {
		if entry.LastModifiedAt.After(since) {
			ids = append(ids, id)
		}
	})
	return ids
}

func (a *Accessor[T]) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.entries.Size()
}
