package timmy

import (
	"context"
	"testing"

	"github.com/airheartdev/trackstore"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestTable(t *testing.T, fs afero.Fs) *Table {
	tbl, err := OpenTable(fs, "/t"+tableSuffix, 8)
	require.NoError(t, err)
	return tbl
}

func commit(t *testing.T, tbl *Table) {
	require.NoError(t, tbl.CommitStage1())
	require.NoError(t, tbl.CommitStage2())
	require.NoError(t, tbl.CommitStage3())
}

func TestTableInsertAndRead(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var tbl = openTestTable(t, fs)

	assert.Equal(t, "t", tbl.Name())
	assert.Equal(t, 8, tbl.RecordSize())

	require.NoError(t, tbl.BeginTransaction())
	insertRange(t, tbl, 0, 3, 5)

	// Staged records are invisible until committed.
	_, err := tbl.Read(0)
	assert.True(t, errors.Is(err, trackstore.ErrRowNotFound))

	commit(t, tbl)
	assert.Equal(t, int64(3), tbl.RowCount())
	assert.Equal(t, uint64(10), readU64(t, tbl, 2))
	assert.False(t, tbl.InTransaction())

	_, err = tbl.Read(3)
	assert.True(t, errors.Is(err, trackstore.ErrRowNotFound))
	require.NoError(t, tbl.Close())

	tbl = openTestTable(t, fs)
	assert.Equal(t, int64(3), tbl.RowCount())
	assert.Equal(t, uint64(5), readU64(t, tbl, 1))
}

func TestTableUpdate(t *testing.T) {
	var tbl = openTestTable(t, afero.NewMemMapFs())

	require.NoError(t, tbl.BeginTransaction())
	insertRange(t, tbl, 0, 2, 1)
	// Updates of rows staged in the same transaction are allowed.
	require.NoError(t, tbl.Update(1, u64(11)))
	commit(t, tbl)
	assert.Equal(t, uint64(11), readU64(t, tbl, 1))

	require.NoError(t, tbl.BeginTransaction())
	require.NoError(t, tbl.Update(0, u64(100)))
	assert.True(t, errors.Is(tbl.Update(2, u64(1)), trackstore.ErrRowNotFound))
	assert.True(t, errors.Is(tbl.Update(-1, u64(1)), trackstore.ErrRowNotFound))
	commit(t, tbl)

	assert.Equal(t, int64(2), tbl.RowCount())
	assert.Equal(t, uint64(100), readU64(t, tbl, 0))
}

func TestTableWriteContract(t *testing.T) {
	var tbl = openTestTable(t, afero.NewMemMapFs())

	assert.True(t, errors.Is(tbl.Insert(0, u64(0)), ErrNoTransaction))
	assert.True(t, errors.Is(tbl.CommitStage1(), ErrNoTransaction))

	require.NoError(t, tbl.BeginTransaction())
	assert.True(t, errors.Is(tbl.BeginTransaction(), ErrTransactionInProgress))
	assert.True(t, errors.Is(tbl.Insert(1, u64(0)), ErrNonSequentialInsert))
	assert.True(t, errors.Is(tbl.Insert(0, []byte{1, 2}), ErrRecordSize))

	require.NoError(t, tbl.Insert(0, u64(0)))
	assert.True(t, errors.Is(tbl.Insert(0, u64(0)), ErrNonSequentialInsert))
	require.NoError(t, tbl.Insert(1, u64(0)))
	require.NoError(t, tbl.Rollback())

	assert.Equal(t, int64(0), tbl.RowCount())
	require.NoError(t, tbl.BeginTransaction())
	require.NoError(t, tbl.Insert(0, u64(0)))
}

func TestReplayIsIdempotent(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var tbl = openTestTable(t, fs)

	require.NoError(t, tbl.BeginTransaction())
	insertRange(t, tbl, 0, 4, 3)
	require.NoError(t, tbl.CommitStage1())

	live, err := tbl.InStage2()
	require.NoError(t, err)
	assert.True(t, live)

	require.NoError(t, tbl.CommitStage2())
	require.NoError(t, tbl.CommitStage2())
	assert.Equal(t, int64(4), tbl.RowCount())
	assert.Equal(t, uint64(9), readU64(t, tbl, 3))

	// A crash here leaves the journal, which recovery replays once more.
	tbl = openTestTable(t, fs)
	assert.Equal(t, int64(4), tbl.RowCount())
	assert.Equal(t, uint64(6), readU64(t, tbl, 2))

	live, err = tbl.InStage2()
	require.NoError(t, err)
	assert.False(t, live)
}

func TestStandaloneRecoveryRollsBackWithoutLiveJournal(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var tbl = openTestTable(t, fs)

	require.NoError(t, tbl.BeginTransaction())
	insertRange(t, tbl, 0, 2, 1)

	tbl = openTestTable(t, fs)
	assert.Equal(t, int64(0), tbl.RowCount())
}

func TestReplayPausesReaders(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var gate = trackstore.NewReadGate()
	var pauses = 0

	tbl, err := OpenTable(fs, "/t"+tableSuffix, 8, WithReaderPauser(&countingPauser{gate: gate, pauses: &pauses}))
	require.NoError(t, err)

	require.NoError(t, tbl.BeginTransaction())
	insertRange(t, tbl, 0, 3, 1)
	commit(t, tbl)
	assert.Equal(t, 3, pauses)
}

type countingPauser struct {
	gate   *trackstore.ReadGate
	pauses *int
}

func (p *countingPauser) PauseReaders() func() {
	*p.pauses++
	return p.gate.PauseReaders()
}

func (p *countingPauser) Yield() { p.gate.Yield() }

func TestExistingTableKeepsItsRecordSize(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var tbl = openTestTable(t, fs)
	require.NoError(t, tbl.Close())

	tbl, err := OpenTable(fs, "/t"+tableSuffix, 12)
	require.NoError(t, err)
	assert.Equal(t, 8, tbl.RecordSize())
}

func TestBadHeaderFailsOpen(t *testing.T) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/t"+tableSuffix, make([]byte, headerSize), 0600))

	_, err := OpenTable(fs, "/t"+tableSuffix, 8)
	assert.True(t, errors.Is(err, ErrBadHeader))
}

func TestClosedTable(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var tbl = openTestTable(t, fs)

	assert.True(t, errors.Is(tbl.DeleteFiles(), ErrAlreadyOpen))
	require.NoError(t, tbl.Close())
	require.NoError(t, tbl.Close())

	_, err := tbl.Read(0)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(tbl.BeginTransaction(), ErrClosed))

	require.NoError(t, tbl.DeleteFiles())
	ok, err := afero.Exists(fs, "/t"+tableSuffix)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJournalChecksum(t *testing.T) {
	var j = newJournal(8, 2, map[int64][]byte{1: u64(1), 0: u64(0)})
	var b = j.encode()

	out, err := decodeJournal(b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.rowCount)
	require.Len(t, out.entries, 2)
	assert.Equal(t, int64(0), out.entries[0].index)
	assert.Equal(t, u64(1), out.entries[1].record)

	for _, corrupt := range [][]byte{
		b[:len(b)-1],
		b[:3],
		append(append([]byte(nil), b[:8]...), append([]byte{0xff}, b[9:]...)...),
	} {
		_, err = decodeJournal(corrupt)
		assert.True(t, errors.Is(err, ErrCorruptJournal))
	}
}

func TestRollBackTableSoftAndHardUpdates(t *testing.T) {
	var fs = afero.NewMemMapFs()
	tbl, err := OpenRollBackTable(fs, "/r"+tableSuffix, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, tbl.RecordSize())

	require.NoError(t, tbl.BeginTransaction())
	require.NoError(t, tbl.Insert(0, []byte("aaaa")))
	// A soft update of a row staged in this transaction has nothing to write.
	require.NoError(t, tbl.SoftUpdate(0, []byte("zzzz")))
	commit(t, tbl.Table)
	tbl.RevertToSoftCommitMode()

	read := func() string {
		b, err := tbl.Read(0)
		require.NoError(t, err)
		return string(b)
	}
	assert.Equal(t, "aaaa", read())

	require.NoError(t, tbl.BeginTransaction())
	require.NoError(t, tbl.SoftUpdate(0, []byte("bbbb")))
	assert.Equal(t, "aaaa", read())
	assert.False(t, tbl.IsHardMode())

	require.NoError(t, tbl.Update(0, []byte("bbbb")))
	assert.True(t, tbl.IsHardMode())
	assert.True(t, errors.Is(tbl.SoftUpdate(0, []byte("cccc")), ErrHardModeActive))

	require.NoError(t, tbl.CommitStage1())
	assert.Equal(t, "aaaa", read())
	require.NoError(t, tbl.CommitStage2())
	assert.Equal(t, "bbbb", read())
	require.NoError(t, tbl.CommitStage3())

	tbl.RevertToSoftCommitMode()
	assert.False(t, tbl.IsHardMode())

	// A soft update never committed is lost on a crash.
	require.NoError(t, tbl.BeginTransaction())
	require.NoError(t, tbl.SoftUpdate(0, []byte("dddd")))

	tbl, err = OpenRollBackTable(fs, "/r"+tableSuffix, 4)
	require.NoError(t, err)
	assert.Equal(t, "bbbb", read())
}

func TestRollBackTableRepeatedHardUpdates(t *testing.T) {
	tbl, err := OpenRollBackTable(afero.NewMemMapFs(), "/r"+tableSuffix, 2)
	require.NoError(t, err)

	require.NoError(t, tbl.BeginTransaction())
	require.NoError(t, tbl.Insert(0, []byte("aa")))
	require.NoError(t, tbl.Update(0, []byte("bb")))
	commit(t, tbl.Table)

	b, err := tbl.Read(0)
	require.NoError(t, err)
	assert.Equal(t, "bb", string(b))
	tbl.RevertToSoftCommitMode()

	require.NoError(t, tbl.BeginTransaction())
	require.NoError(t, tbl.Update(0, []byte("cc")))
	require.NoError(t, tbl.Update(0, []byte("dd")))
	commit(t, tbl.Table)

	b, err = tbl.Read(0)
	require.NoError(t, err)
	assert.Equal(t, "dd", string(b))
}

func TestFailedHardUpdateKeepsSoftMode(t *testing.T) {
	tbl, err := OpenRollBackTable(afero.NewMemMapFs(), "/r"+tableSuffix, 2)
	require.NoError(t, err)

	require.NoError(t, tbl.BeginTransaction())
	require.NoError(t, tbl.Insert(0, []byte("aa")))
	commit(t, tbl.Table)

	require.NoError(t, tbl.BeginTransaction())
	assert.True(t, errors.Is(tbl.Update(7, []byte("bb")), trackstore.ErrRowNotFound))
	assert.False(t, tbl.IsHardMode())

	// Soft updates are still allowed after the failed hard update.
	require.NoError(t, tbl.SoftUpdate(0, []byte("cc")))
	require.NoError(t, tbl.Update(0, []byte("cc")))
	assert.True(t, tbl.IsHardMode())
	commit(t, tbl.Table)

	b, err := tbl.Read(0)
	require.NoError(t, err)
	assert.Equal(t, "cc", string(b))
}

func TestDatabaseRevertsRollBackTables(t *testing.T) {
	var d = NewDatabase(afero.NewMemMapFs(), testDir)
	r, err := d.AddRollBackTable("r", 4)
	require.NoError(t, err)
	require.NoError(t, d.Open(context.Background()))

	require.NoError(t, d.BeginTransaction())
	require.NoError(t, r.Insert(0, []byte("aaaa")))
	d.SetTransactionSuccessful()
	require.NoError(t, d.EndTransaction())

	require.NoError(t, d.BeginTransaction())
	require.NoError(t, r.Update(0, []byte("bbbb")))
	assert.True(t, r.IsHardMode())
	d.SetTransactionSuccessful()
	require.NoError(t, d.EndTransaction())
	assert.False(t, r.IsHardMode())

	b, err := r.Read(0)
	require.NoError(t, err)
	assert.Equal(t, "bbbb", string(b))
}
