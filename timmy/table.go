package timmy

import (
	"sync"
	"sync/atomic"

	"github.com/airheartdev/trackstore"
	"github.com/airheartdev/trackstore/metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	tableSuffix       = ".tt"
	liveJournalSuffix = ".rf"
	tmpJournalSuffix  = ".rf.tmp"
)

// Table is a crash-safe flat file of fixed-size records.
//
// Records are only ever appended or updated in place, and only inside a
// transaction held by a single writer. Inserts must arrive in ascending,
// contiguous id order starting at RowCount. A transaction commits in three
// stages: CommitStage1 makes a rollforward journal live, CommitStage2 replays
// it into the table file, and CommitStage3 deletes it. A crash at any point
// leaves the table either untouched or replayable.
//
// Read may be called concurrently with a transaction. It returns a record as
// it was either before or after a concurrent update, with no guarantee which.
type Table struct {
	name       string
	fs         afero.Fs
	path       string
	recordSize int
	opts       *Options

	// Swapped by open and Close while readers may be loading it.
	file    atomic.Pointer[recordFile]
	created bool
	corrupt atomic.Bool

	// Guards transaction state below. Held only by the writer.
	mu             sync.Mutex
	inTxn          bool
	pending        map[int64][]byte
	pendingInserts int64
}

func newTable(fs afero.Fs, path string, recordSize int, opts *Options) *Table {
	return &Table{
		name:       tableName(path),
		fs:         fs,
		path:       path,
		recordSize: recordSize,
		opts:       opts,
	}
}

// OpenTable opens a standalone table at |path|, creating it with
// |recordSize| if it does not exist, and recovers any live journal.
func OpenTable(fs afero.Fs, path string, recordSize int, options ...Option) (*Table, error) {
	var t = newTable(fs, path, recordSize, buildOptions(options))
	if err := t.open(); err != nil {
		return nil, err
	}
	if err := t.Recover(); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (t *Table) open() error {
	if t.file.Load() != nil {
		return errors.Wrapf(ErrAlreadyOpen, "table %s", t.name)
	}
	rf, created, err := openRecordFile(t.fs, t.path, t.recordSize)
	if err != nil {
		return err
	}
	if rf.recordSize != t.recordSize {
		t.opts.log.WithFields(log.Fields{
			"table":     t.name,
			"requested": t.recordSize,
			"onDisk":    rf.recordSize,
		}).Info("table keeps the record size it was created with")
	}
	t.created = created
	t.file.Store(rf)
	return nil
}

// Recover brings a standalone table to a committed state: a live journal is
// replayed and deleted, anything else is rolled back. Databases recover
// their tables together instead.
func (t *Table) Recover() error {
	live, err := t.InStage2()
	if err != nil {
		return err
	}
	if !live {
		return t.Rollback()
	}
	if err = t.CommitStage2(); err != nil {
		return err
	}
	return t.CommitStage3()
}

func (t *Table) Name() string { return t.name }

// RecordSize is the size of every record, as fixed when the file was created.
func (t *Table) RecordSize() int {
	if rf := t.file.Load(); rf != nil {
		return rf.recordSize
	}
	return t.recordSize
}

// RowCount is the number of committed records, and the next insert id.
func (t *Table) RowCount() int64 {
	var rf = t.file.Load()
	if rf == nil {
		return 0
	}
	return rf.rowCount.Load()
}

// Read returns a copy of committed record |id|, or an error wrapping
// trackstore.ErrRowNotFound.
func (t *Table) Read(id int64) ([]byte, error) {
	rf, err := t.openFile()
	if err != nil {
		return nil, err
	}
	return rf.readRecord(id)
}

// openFile loads the table's file once, for callers which may race Close.
func (t *Table) openFile() (*recordFile, error) {
	if t.corrupt.Load() {
		return nil, errors.Wrapf(ErrCorrupt, "table %s", t.name)
	}
	var rf = t.file.Load()
	if rf == nil {
		return nil, errors.Wrapf(ErrClosed, "table %s", t.name)
	}
	return rf, nil
}

func (t *Table) usable() error {
	_, err := t.openFile()
	return err
}

// BeginTransaction starts collecting inserts and updates. A scratch journal
// left by an earlier failed transaction is discarded.
func (t *Table) BeginTransaction() error {
	if err := t.usable(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.inTxn {
		return errors.Wrapf(ErrTransactionInProgress, "table %s", t.name)
	}
	if err := removeIfExists(t.fs, t.tmpJournalPath()); err != nil {
		return err
	}
	t.inTxn = true
	t.pending = make(map[int64][]byte)
	t.pendingInserts = 0
	return nil
}

// Insert stages a new record, which must have id RowCount plus the number of
// inserts already staged.
func (t *Table) Insert(id int64, record []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkWriteLocked(record); err != nil {
		return err
	}
	if next := t.RowCount() + t.pendingInserts; id != next {
		return errors.Wrapf(ErrNonSequentialInsert, "table %s: insert of %d, expected %d", t.name, id, next)
	}
	t.pending[id] = append([]byte(nil), record...)
	t.pendingInserts++
	return nil
}

// Update stages a new value for an existing or staged record.
func (t *Table) Update(id int64, record []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkWriteLocked(record); err != nil {
		return err
	}
	if id < 0 || id >= t.RowCount()+t.pendingInserts {
		return errors.Wrapf(trackstore.ErrRowNotFound, "table %s: update of %d", t.name, id)
	}
	t.pending[id] = append([]byte(nil), record...)
	return nil
}

func (t *Table) checkWriteLocked(record []byte) error {
	if err := t.usable(); err != nil {
		return err
	}
	if !t.inTxn {
		return errors.Wrapf(ErrNoTransaction, "table %s", t.name)
	}
	if len(record) != t.RecordSize() {
		return errors.Wrapf(ErrRecordSize, "table %s: %d bytes, want %d", t.name, len(record), t.RecordSize())
	}
	return nil
}

// pendingRecord returns the record staged for |id| in this transaction.
func (t *Table) pendingRecord(id int64) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

// CommitStage1 durably writes staged records and the new row count to a
// scratch journal and atomically renames it live. A journal is written even
// for an empty transaction, so every table of a database reaches stage 2
// together.
func (t *Table) CommitStage1() error {
	if err := t.usable(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.inTxn {
		return errors.Wrapf(ErrNoTransaction, "table %s", t.name)
	}
	var j = newJournal(t.RecordSize(), t.RowCount()+t.pendingInserts, t.pending)
	if err := writeJournal(t.fs, t.tmpJournalPath(), t.liveJournalPath(), j); err != nil {
		return errors.WithMessagef(err, "table %s stage 1", t.name)
	}
	t.pending = nil
	t.pendingInserts = 0
	return nil
}

// CommitStage2 replays the live journal into the table file. Readers are
// paused around each record and given a chance to run between records.
// Replay is idempotent and may be interrupted and repeated.
func (t *Table) CommitStage2() error {
	return t.replay(nil)
}

// replay is CommitStage2, checking |canceled| between records.
func (t *Table) replay(canceled func() error) error {
	rf, err := t.openFile()
	if err != nil {
		return err
	}
	j, err := readJournal(t.fs, t.liveJournalPath())
	if err != nil {
		return errors.WithMessagef(err, "table %s stage 2", t.name)
	}
	if j.recordSize != t.RecordSize() {
		return errors.Wrapf(ErrCorruptJournal, "table %s: journal record size %d, table %d",
			t.name, j.recordSize, t.RecordSize())
	}

	var pauser = t.opts.pauser
	for _, e := range j.entries {
		if canceled != nil {
			if err = canceled(); err != nil {
				return err
			}
		}
		resume := pauser.PauseReaders()
		err = rf.writeRecord(e.index, e.record)
		resume()

		if err != nil {
			return errors.WithMessagef(err, "table %s stage 2", t.name)
		}
		pauser.Yield()
	}
	metrics.TimmyReplayedRecordsTotal.Add(float64(len(j.entries)))

	// Records must be durable before the header exposes them.
	if err = rf.sync(); err != nil {
		return err
	}
	// Row counts only grow. A repeated replay finds the count already set.
	if j.rowCount > t.RowCount() {
		if err = rf.writeRowCount(j.rowCount); err != nil {
			return err
		}
	}
	return rf.sync()
}

// CommitStage3 deletes the fully applied journal and ends the transaction.
func (t *Table) CommitStage3() error {
	if err := removeIfExists(t.fs, t.liveJournalPath()); err != nil {
		return errors.WithMessagef(err, "table %s stage 3", t.name)
	}
	t.endTxn()
	return nil
}

// Rollback discards staged writes and any journal not fully applied.
// Databases only call it when no table's journal can be partially applied.
func (t *Table) Rollback() error {
	t.endTxn()

	if err := removeIfExists(t.fs, t.tmpJournalPath()); err != nil {
		return err
	}
	return removeIfExists(t.fs, t.liveJournalPath())
}

// abandon ends the transaction but leaves journals for the next open.
func (t *Table) abandon() { t.endTxn() }

func (t *Table) endTxn() {
	t.mu.Lock()
	t.inTxn = false
	t.pending = nil
	t.pendingInserts = 0
	t.mu.Unlock()
}

// InTransaction reports whether a transaction is open on the table.
func (t *Table) InTransaction() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inTxn
}

// InStage2 reports whether a live journal exists which has not been fully
// applied and deleted.
func (t *Table) InStage2() (bool, error) {
	return exists(t.fs, t.liveJournalPath())
}

// SetCorrupt poisons the table. All further reads and writes fail with
// ErrCorrupt.
func (t *Table) SetCorrupt()     { t.corrupt.Store(true) }
func (t *Table) IsCorrupt() bool { return t.corrupt.Load() }

func (t *Table) Close() error {
	var rf = t.file.Swap(nil)
	if rf == nil {
		return nil
	}
	t.endTxn()
	return rf.close()
}

// DeleteFiles removes the table file and its journals. The table must be
// closed.
func (t *Table) DeleteFiles() error {
	if t.file.Load() != nil {
		return errors.Wrapf(ErrAlreadyOpen, "table %s", t.name)
	}
	for _, p := range []string{t.path, t.liveJournalPath(), t.tmpJournalPath()} {
		if err := removeIfExists(t.fs, p); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) liveJournalPath() string { return t.path + liveJournalSuffix }
func (t *Table) tmpJournalPath() string  { return t.path + tmpJournalSuffix }
