package trackstore

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRow struct {
	RowMeta
	Value int64
}

func newTestRow() *testRow { return new(testRow) }

func (r *testRow) DataLength() int { return 8 }
func (r *testRow) Encode(b []byte) { binary.BigEndian.PutUint64(b, uint64(r.Value)) }

func (r *testRow) Decode(b []byte) error {
	r.Value = int64(binary.BigEndian.Uint64(b))
	return nil
}

var errFake = errors.New("fake accessor failure")

// fakeAccessor stores row values by id and logs every write it receives.
type fakeAccessor struct {
	records map[int64][]byte
	soft    bool
	failID  int64
	ops     []string
}

func newFakeAccessor(n int) *fakeAccessor {
	var a = &fakeAccessor{records: make(map[int64][]byte), failID: -1}
	for id := int64(0); id < int64(n); id++ {
		var row = &testRow{Value: id * 10}
		a.records[id] = make([]byte, 8)
		row.Encode(a.records[id])
	}
	return a
}

func (a *fakeAccessor) NextRowID() (int64, error) { return int64(len(a.records)), nil }

func (a *fakeAccessor) write(op string, row *testRow) error {
	var id = row.Meta().ID()
	if id == a.failID {
		return errFake
	}
	a.ops = append(a.ops, fmt.Sprintf("%s %d", op, id))
	if op == "soft" {
		return nil
	}
	a.records[id] = make([]byte, 8)
	row.Encode(a.records[id])
	return nil
}

func (a *fakeAccessor) InsertRow(row *testRow) error {
	if id := row.Meta().ID(); id != int64(len(a.records)) {
		return errors.Errorf("insert of %d out of order", id)
	}
	return a.write("insert", row)
}

func (a *fakeAccessor) UpdateRow(row *testRow) error     { return a.write("update", row) }
func (a *fakeAccessor) SoftUpdateRow(row *testRow) error { return a.write("soft", row) }
func (a *fakeAccessor) NeedsSoftUpdate() bool            { return a.soft }

func (a *fakeAccessor) GetRow(out *testRow, id int64) (bool, error) {
	b, ok := a.records[id]
	if !ok {
		return false, nil
	}
	return true, out.Decode(b)
}

func newTestCache(t *testing.T, a *fakeAccessor, options ...Option) *RowCache[*testRow] {
	c, err := New[*testRow](a, newTestRow, options...)
	require.NoError(t, err)
	return c
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New[*testRow](newFakeAccessor(0), newTestRow, WithCapacity(0))
	assert.True(t, errors.Is(err, ErrInvalidCapacity))

	_, err = New[*testRow](newFakeAccessor(0), nil)
	assert.True(t, errors.Is(err, ErrNilFactory))

	c, err := New[*testRow](newFakeAccessor(0), newTestRow)
	require.NoError(t, err)
	assert.Equal(t, DefaultCapacity, c.Capacity())
}

func TestNewRow(t *testing.T) {
	var c = newTestCache(t, newFakeAccessor(3))
	assert.True(t, c.IsEmpty())
	assert.Equal(t, int64(3), c.NextRowID())

	var row = c.NewRow()
	assert.Equal(t, int64(3), row.ID())
	assert.True(t, row.IsDirty())
	assert.False(t, row.IsInserted())
	assert.Equal(t, int64(4), c.NextRowID())
	assert.Equal(t, 1, c.DirtyRowCount())
	assert.False(t, c.IsEmpty())
}

func TestReadAfterWrite(t *testing.T) {
	var a = newFakeAccessor(0)
	var c = newTestCache(t, a)

	var row = c.NewRow()
	row.Value = 42

	got, err := c.GetRow(row.ID())
	require.NoError(t, err)
	assert.Same(t, row, got)

	require.NoError(t, c.WriteDirtyRows(nil))
	// Flushed rows resolve until they are cleared.
	got, err = c.GetRow(row.ID())
	require.NoError(t, err)
	assert.Same(t, row, got)
	assert.False(t, got.IsDirty())
	assert.True(t, got.IsInserted())

	c.ClearDirtyRows()
	got, err = c.GetRow(row.ID())
	require.NoError(t, err)
	assert.Same(t, row, got)
	assert.Equal(t, int64(1), c.Hits())
	assert.Equal(t, int64(0), c.Misses())
}

func TestGetRowLoadsFromAccessor(t *testing.T) {
	var c = newTestCache(t, newFakeAccessor(2))

	row, err := c.GetRow(1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), row.Value)
	assert.Equal(t, int64(1), row.ID())
	assert.False(t, row.IsDirty())
	assert.True(t, row.IsInserted())
	assert.Equal(t, int64(1), c.Misses())
	assert.Equal(t, 1, c.Len())

	_, err = c.GetRow(2)
	assert.True(t, errors.Is(err, ErrRowNotFound))

	_, ok, err := c.GetRowNoFail(2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFlushIsAscending(t *testing.T) {
	var a = newFakeAccessor(6)
	var c = newTestCache(t, a)

	for _, id := range []int64{5, 1, 3} {
		row, err := c.GetRow(id)
		require.NoError(t, err)
		row.Value = -id
		c.NotifyRowUpdated(row)
	}
	assert.Equal(t, 3, c.DirtyRowCount())

	require.NoError(t, c.WriteDirtyRows(NewReadGate()))
	assert.Equal(t, []string{"update 1", "update 3", "update 5"}, a.ops)
}

func TestSoftUpdatesPrecedeHardWrites(t *testing.T) {
	var a = newFakeAccessor(2)
	a.soft = true
	var c = newTestCache(t, a)

	row1, err := c.GetRow(1)
	require.NoError(t, err)
	c.NotifyRowUpdated(row1)
	c.NewRow()
	row0, err := c.GetRow(0)
	require.NoError(t, err)
	c.NotifyRowUpdated(row0)

	require.NoError(t, c.WriteDirtyRows(nil))
	assert.Equal(t, []string{"soft 0", "soft 1", "update 0", "update 1", "insert 2"}, a.ops)
}

func TestNotifyRowUpdatedNoOps(t *testing.T) {
	var c = newTestCache(t, newFakeAccessor(1))

	// A row the cache never assigned an id.
	c.NotifyRowUpdated(newTestRow())
	assert.Equal(t, 0, c.DirtyRowCount())

	var row = c.NewRow()
	c.NotifyRowUpdated(row)
	c.NotifyRowUpdated(row)
	assert.Equal(t, 1, c.DirtyRowCount())

	loaded, err := c.GetRow(0)
	require.NoError(t, err)
	c.NotifyRowUpdated(loaded)
	assert.True(t, loaded.IsDirty())
	assert.True(t, loaded.ReferencedRecently())
	assert.Equal(t, 2, c.DirtyRowCount())
}

func TestEvictionBound(t *testing.T) {
	var c = newTestCache(t, newFakeAccessor(20), WithCapacity(3))

	for id := int64(0); id < 20; id++ {
		row, err := c.GetRow(id)
		require.NoError(t, err)
		assert.Equal(t, id*10, row.Value)
		assert.LessOrEqual(t, c.Len(), 3)
	}
	assert.Equal(t, int64(20), c.Misses())
}

func TestSecondChance(t *testing.T) {
	var c = newTestCache(t, newFakeAccessor(3), WithCapacity(2))

	for _, id := range []int64{0, 1, 0, 2} {
		_, err := c.GetRow(id)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), c.Hits())
	assert.Equal(t, int64(3), c.Misses())

	// Row 0 was referenced, so row 1 went in its place.
	_, err := c.GetRow(0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Hits())

	_, err = c.GetRow(1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.Misses())
}

func TestClearDirtyRowsKeepsRedirtiedRows(t *testing.T) {
	var c = newTestCache(t, newFakeAccessor(0))

	var a, b = c.NewRow(), c.NewRow()
	require.NoError(t, c.WriteDirtyRows(nil))
	assert.Equal(t, 2, c.DirtyRowCount())

	c.NotifyRowUpdated(b)
	c.ClearDirtyRows()
	assert.Equal(t, 1, c.DirtyRowCount())
	assert.False(t, a.IsDirty())
	assert.True(t, b.IsDirty())
}

func TestPartialFlush(t *testing.T) {
	var acc = newFakeAccessor(2)
	acc.failID = 3
	var c = newTestCache(t, acc)

	var rows = []*testRow{c.NewRow(), c.NewRow(), c.NewRow()}
	assert.True(t, errors.Is(c.WriteDirtyRows(nil), errFake))

	assert.Equal(t, []string{"insert 2"}, acc.ops)
	assert.False(t, rows[0].IsDirty())
	assert.True(t, rows[0].IsInserted())
	assert.True(t, rows[1].IsDirty())
	assert.False(t, rows[1].IsInserted())
	assert.True(t, rows[2].IsDirty())

	acc.failID = -1
	require.NoError(t, c.WriteDirtyRows(nil))
	assert.Equal(t, []string{"insert 2", "insert 3", "insert 4"}, acc.ops)
}

func TestClear(t *testing.T) {
	var acc = newFakeAccessor(2)
	var c = newTestCache(t, acc)

	_, err := c.GetRow(0)
	require.NoError(t, err)
	_, err = c.GetRow(0)
	require.NoError(t, err)
	c.NewRow()
	c.NewRow()

	require.NoError(t, c.Clear())
	assert.True(t, c.IsEmpty())
	assert.Equal(t, 0, c.DirtyRowCount())
	assert.Equal(t, int64(2), c.NextRowID())
	assert.Equal(t, int64(1), c.Hits())
	assert.Equal(t, int64(1), c.Misses())
}
