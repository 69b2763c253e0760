package memory

import (
	"sync"

	"github.com/airheartdev/trackstore"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/zyedidia/generic"
	"github.com/zyedidia/generic/btree"
)

// Transaction stages inserts and updates over an Accessor until Flush. It is
// itself a DatastoreAccessor, so a RowCache can write through it and commit
// or discard a whole flush. Soft updates pass straight through, as they are
// never visible to readers.
type Transaction[T trackstore.Row] struct {
	cache   *btree.Tree[int64, staged]
	next    int64
	backend *Accessor[T]
	mu      *sync.Mutex
}

type staged struct {
	data   []byte
	insert bool
}

var _ trackstore.DatastoreAccessor[trackstore.Row] = &Transaction[trackstore.Row]{}

func NewTransaction[T trackstore.Row](backend *Accessor[T]) *Transaction[T] {
	next, _ := backend.NextRowID()
	return &Transaction[T]{
		backend: backend,
		mu:      &sync.Mutex{},
		next:    next,
		cache:   btree.New[int64, staged](generic.Less[int64]),
	}
}

func (t *Transaction[T]) NextRowID() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next, nil
}

func (t *Transaction[T]) NeedsSoftUpdate() bool { return t.backend.NeedsSoftUpdate() }

func (t *Transaction[T]) SoftUpdateRow(row T) error {
	t.mu.Lock()
	_, pending := t.cache.Get(row.Meta().ID())
	t.mu.Unlock()

	// Nothing committed to shadow yet.
	if pending {
		return nil
	}
	return t.backend.SoftUpdateRow(row)
}

func (t *Transaction[T]) InsertRow(row T) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var id = row.Meta().ID()
	if id != t.next {
		return errors.Wrapf(ErrOutOfOrder, "insert of %d, expected %d", id, t.next)
	}
	t.cache.Put(id, staged{data: encode(row), insert: true})
	t.next++
	return nil
}

func (t *Transaction[T]) UpdateRow(row T) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var id = row.Meta().ID()
	val, ok := t.cache.Get(id)
	if !ok {
		if _, ok = t.backend.Entry(id); !ok {
			return errors.Wrapf(trackstore.ErrRowNotFound, "update of %d", id)
		}
	}
	t.cache.Put(id, staged{data: encode(row), insert: val.insert})
	return nil
}

func (t *Transaction[T]) GetRow(out T, id int64) (bool, error) {
	t.mu.Lock()
	val, ok := t.cache.Get(id)
	t.mu.Unlock()

	if ok {
		return true, out.Decode(val.data)
	}
	return t.backend.GetRow(out, id)
}

func (t *Transaction[T]) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Size() == 0
}

// Flush applies staged writes to the backend in ascending id order and
// empties the transaction.
func (t *Transaction[T]) Flush() error {
	backend := t.backend
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs error
	t.cache.Each(func(id int64, val staged) {
		var err error
		if val.insert {
			err = backend.insert(id, val.data)
		} else {
			err = backend.update(id, val.data)
		}
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	})
	t.reset()
	return errs
}

// Discard drops staged writes.
func (t *Transaction[T]) Discard() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

func (t *Transaction[T]) reset() {
	t.cache = btree.New[int64, staged](generic.Less[int64])
	t.next, _ = t.backend.NextRowID()
}
