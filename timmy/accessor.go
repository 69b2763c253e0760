package timmy

import (
	"github.com/airheartdev/trackstore"
	"github.com/airheartdev/trackstore/crypt"
	"github.com/pkg/errors"
)

type (
	// RecordStore is the part of a Table an Accessor needs. Table and
	// RollBackTable both implement it.
	RecordStore interface {
		RecordSize() int
		RowCount() int64
		Read(id int64) ([]byte, error)
		Insert(id int64, record []byte) error
		Update(id int64, record []byte) error
	}

	// SoftUpdater is implemented by stores which can write a row invisibly
	// to readers ahead of a hard update.
	SoftUpdater interface {
		SoftUpdate(id int64, record []byte) error
	}
)

var (
	_ RecordStore = &Table{}
	_ RecordStore = &RollBackTable{}
	_ SoftUpdater = &RollBackTable{}
)

// Accessor is a trackstore.DatastoreAccessor over a flat-file table. Rows are
// sealed by a crypt.Transform on the way in and opened on the way out.
type Accessor[T trackstore.Row] struct {
	store     RecordStore
	transform crypt.Transform
	soft      SoftUpdater
}

var _ trackstore.DatastoreAccessor[trackstore.Row] = &Accessor[trackstore.Row]{}

// NewAccessor returns an Accessor over |store|. Soft updates are needed if
// the store supports them.
func NewAccessor[T trackstore.Row](store RecordStore, transform crypt.Transform) *Accessor[T] {
	var a = &Accessor[T]{store: store, transform: transform}
	if s, ok := store.(SoftUpdater); ok {
		a.soft = s
	}
	return a
}

// RecordSizeFor returns the record size a table needs to store |rowLen| rows
// sealed by |transform|.
func RecordSizeFor(transform crypt.Transform, rowLen int) int {
	return transform.SealedSize(rowLen)
}

func (a *Accessor[T]) NextRowID() (int64, error) { return a.store.RowCount(), nil }

func (a *Accessor[T]) NeedsSoftUpdate() bool { return a.soft != nil }

func (a *Accessor[T]) InsertRow(row T) error {
	rec, err := a.seal(row)
	if err != nil {
		return err
	}
	return a.store.Insert(row.Meta().ID(), rec)
}

func (a *Accessor[T]) UpdateRow(row T) error {
	rec, err := a.seal(row)
	if err != nil {
		return err
	}
	return a.store.Update(row.Meta().ID(), rec)
}

func (a *Accessor[T]) SoftUpdateRow(row T) error {
	if a.soft == nil {
		return ErrNotSoftUpdatable
	}
	rec, err := a.seal(row)
	if err != nil {
		return err
	}
	return a.soft.SoftUpdate(row.Meta().ID(), rec)
}

func (a *Accessor[T]) GetRow(out T, id int64) (bool, error) {
	rec, err := a.store.Read(id)
	if errors.Is(err, trackstore.ErrRowNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	plain, err := a.transform.Open(rec)
	if err != nil {
		return false, errors.WithMessagef(err, "opening row %d", id)
	}
	if err = out.Decode(plain); err != nil {
		return false, errors.WithMessagef(err, "decoding row %d", id)
	}
	return true, nil
}

// seal encodes |row| into the table's plaintext capacity. A table created by
// an older, shorter layout keeps only the leading fields; they decode with
// the rest defaulted.
func (a *Accessor[T]) seal(row T) ([]byte, error) {
	var capacity = a.transform.PlainSize(a.store.RecordSize())
	if capacity <= 0 {
		return nil, errors.Wrapf(ErrRecordSize, "record size %d holds no plaintext", a.store.RecordSize())
	}
	var n = row.DataLength()
	if capacity > n {
		n = capacity
	}
	var plain = make([]byte, n)
	row.Encode(plain)

	rec, err := a.transform.Seal(plain[:capacity])
	if err != nil {
		return nil, errors.WithMessagef(err, "sealing row %d", row.Meta().ID())
	}
	return rec, nil
}
