package timmy

import (
	"sync/atomic"

	"github.com/airheartdev/trackstore"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// RollBackTable is a Table whose records hold two copies of a row and a
// selector naming the one readers see:
//
//	[active slot uint8][slot 0][slot 1]
//
// A soft update writes the inactive slot in place, outside of the journal.
// Readers never see it. A hard update journals the whole record with the
// selector flipped, so the new value appears atomically during stage 2 with
// readers paused.
//
// The table is in soft mode until the first hard update of a transaction and
// stays in hard mode until RevertToSoftCommitMode.
type RollBackTable struct {
	*Table
	hard atomic.Bool
}

func newRollBackTable(fs afero.Fs, path string, rowSize int, opts *Options) *RollBackTable {
	return &RollBackTable{Table: newTable(fs, path, rollBackRecordSize(rowSize), opts)}
}

// OpenRollBackTable opens a standalone RollBackTable of |rowSize| rows.
func OpenRollBackTable(fs afero.Fs, path string, rowSize int, options ...Option) (*RollBackTable, error) {
	var t = newRollBackTable(fs, path, rowSize, buildOptions(options))
	if err := t.open(); err != nil {
		return nil, err
	}
	if err := t.Recover(); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func rollBackRecordSize(rowSize int) int { return 1 + 2*rowSize }

// RecordSize is the size of a row, which is one slot of the stored record.
func (t *RollBackTable) RecordSize() int { return (t.Table.RecordSize() - 1) / 2 }

func (t *RollBackTable) slotOffset(slot byte) int { return 1 + int(slot)*t.RecordSize() }

// Read returns the active slot of committed record |id|.
func (t *RollBackTable) Read(id int64) ([]byte, error) {
	rec, err := t.Table.Read(id)
	if err != nil {
		return nil, err
	}
	sel, err := t.selector(id, rec)
	if err != nil {
		return nil, err
	}
	var off = t.slotOffset(sel)
	return rec[off : off+t.RecordSize()], nil
}

func (t *RollBackTable) selector(id int64, rec []byte) (byte, error) {
	if rec[0] > 1 {
		return 0, errors.Wrapf(ErrCorrupt, "table %s record %d: slot selector %d", t.name, id, rec[0])
	}
	return rec[0], nil
}

// Insert stages a new row into slot 0.
func (t *RollBackTable) Insert(id int64, row []byte) error {
	if len(row) != t.RecordSize() {
		return errors.Wrapf(ErrRecordSize, "table %s: %d bytes, want %d", t.name, len(row), t.RecordSize())
	}
	var rec = make([]byte, t.Table.RecordSize())
	copy(rec[t.slotOffset(0):], row)
	return t.Table.Insert(id, rec)
}

// SoftUpdate writes |row| into the inactive slot of committed record |id|.
// It fails with ErrHardModeActive once this transaction made a hard update.
// A row inserted in the current transaction has no committed record yet, and
// its soft update is a no-op; the hard update which follows stages it.
func (t *RollBackTable) SoftUpdate(id int64, row []byte) error {
	rf, err := t.openFile()
	if err != nil {
		return err
	}
	if t.hard.Load() {
		return errors.Wrapf(ErrHardModeActive, "table %s record %d", t.name, id)
	}
	if len(row) != t.RecordSize() {
		return errors.Wrapf(ErrRecordSize, "table %s: %d bytes, want %d", t.name, len(row), t.RecordSize())
	}
	if id >= t.RowCount() {
		if _, ok := t.pendingRecord(id); ok {
			return nil
		}
		return errors.Wrapf(trackstore.ErrRowNotFound, "table %s: soft update of %d", t.name, id)
	}

	rec, err := t.Table.Read(id)
	if err != nil {
		return err
	}
	sel, err := t.selector(id, rec)
	if err != nil {
		return err
	}
	return rf.writeRecordPart(id, t.slotOffset(1-sel), row)
}

// Update stages a hard update of |id|, switching the table to hard mode.
func (t *RollBackTable) Update(id int64, row []byte) error {
	if len(row) != t.RecordSize() {
		return errors.Wrapf(ErrRecordSize, "table %s: %d bytes, want %d", t.name, len(row), t.RecordSize())
	}
	rec, err := t.hardRecord(id, row)
	if err != nil {
		return err
	}
	if err = t.Table.Update(id, rec); err != nil {
		return err
	}
	t.hard.Store(true)
	return nil
}

// hardRecord returns the record which makes |row| the active slot of |id|.
// A record already staged this transaction keeps its selector.
func (t *RollBackTable) hardRecord(id int64, row []byte) ([]byte, error) {
	if rec, ok := t.pendingRecord(id); ok {
		copy(rec[t.slotOffset(rec[0]):], row)
		return rec, nil
	}

	rec, err := t.Table.Read(id)
	if err != nil {
		return nil, err
	}
	sel, err := t.selector(id, rec)
	if err != nil {
		return nil, err
	}
	rec[0] = 1 - sel
	copy(rec[t.slotOffset(rec[0]):], row)
	return rec, nil
}

// IsHardMode reports whether a hard update was made since the last revert.
func (t *RollBackTable) IsHardMode() bool { return t.hard.Load() }

func (t *RollBackTable) RevertToSoftCommitMode() { t.hard.Store(false) }
