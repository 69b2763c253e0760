package timmy

import (
	"bytes"
	"context"
	"testing"

	"github.com/airheartdev/trackstore"
	"github.com/airheartdev/trackstore/crypt"
	"github.com/airheartdev/trackstore/rows"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = bytes.Repeat([]byte{7}, 32)

func gpsCache(t *testing.T, store RecordStore, transform crypt.Transform) *trackstore.RowCache[*rows.GpsFix] {
	cache, err := trackstore.New[*rows.GpsFix](
		NewAccessor[*rows.GpsFix](store, transform), rows.NewGpsFix, trackstore.WithCapacity(4))
	require.NoError(t, err)
	return cache
}

func flush(t *testing.T, d *Database, cache *trackstore.RowCache[*rows.GpsFix], pauser trackstore.ReaderPauser) {
	require.NoError(t, d.BeginTransaction())
	require.NoError(t, cache.WriteDirtyRows(pauser))
	d.SetTransactionSuccessful()
	require.NoError(t, d.EndTransaction())
	cache.ClearDirtyRows()
}

func TestEncryptedRowsSurviveReopen(t *testing.T) {
	var fs = afero.NewMemMapFs()
	x, err := crypt.NewXChaCha(testKey)
	require.NoError(t, err)

	open := func() (*Database, *Table) {
		var d = NewDatabase(fs, testDir)
		tbl, err := d.AddTable("gps", RecordSizeFor(x, rows.GpsFixLength))
		require.NoError(t, err)
		require.NoError(t, d.Open(context.Background()))
		return d, tbl
	}
	d, tbl := open()
	var cache = gpsCache(t, tbl, x)
	var gate = trackstore.NewReadGate()

	for i := 0; i < 3; i++ {
		var fix = cache.NewRow()
		fix.Time = int64(1000 + i)
		fix.LatMicro = rows.ToMicroDegrees(47.5 + float64(i))
		fix.Accuracy = 12.5
	}
	flush(t, d, cache, gate)
	assert.Equal(t, int64(3), tbl.RowCount())
	assert.Equal(t, rows.GpsFixLength+40, tbl.RecordSize())

	// Stored records are not plaintext.
	var want = make([]byte, rows.GpsFixLength)
	fix, err := cache.GetRow(1)
	require.NoError(t, err)
	fix.Encode(want)
	raw, err := tbl.Read(1)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, want))
	require.NoError(t, d.Close())

	d, tbl = open()
	cache = gpsCache(t, tbl, x)
	assert.Equal(t, int64(3), cache.NextRowID())

	fix, err = cache.GetRow(1)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), fix.Time)
	assert.InDelta(t, 48.5, fix.Latitude(), 1e-6)
	assert.Equal(t, float32(12.5), fix.Accuracy)
	assert.False(t, fix.IsDirty())
	assert.True(t, fix.IsInserted())

	// Update in place, then read through a fresh cache.
	fix.Altitude = 320
	cache.NotifyRowUpdated(fix)
	flush(t, d, cache, gate)

	fix, err = gpsCache(t, tbl, x).GetRow(1)
	require.NoError(t, err)
	assert.Equal(t, 320.0, fix.Altitude)

	_, err = cache.GetRow(3)
	assert.True(t, errors.Is(err, trackstore.ErrRowNotFound))
}

func TestWrongKeyFailsRead(t *testing.T) {
	x, err := crypt.NewXChaCha(testKey)
	require.NoError(t, err)
	other, err := crypt.NewXChaCha(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	tbl, err := OpenTable(afero.NewMemMapFs(), "/gps"+tableSuffix, RecordSizeFor(x, rows.GpsFixLength))
	require.NoError(t, err)

	var cache = gpsCache(t, tbl, x)
	cache.NewRow().Time = 5
	require.NoError(t, tbl.BeginTransaction())
	require.NoError(t, cache.WriteDirtyRows(nil))
	commit(t, tbl)

	_, err = gpsCache(t, tbl, other).GetRow(0)
	assert.True(t, errors.Is(err, crypt.ErrOpen))
}

func TestLegacyRecordSize(t *testing.T) {
	var fs = afero.NewMemMapFs()
	const legacyLength = 24

	tbl, err := OpenTable(fs, "/gps"+tableSuffix, legacyLength)
	require.NoError(t, err)

	// A record as written before accuracy existed.
	var old = rows.NewGpsFix()
	old.Time = 77
	old.LonMicro = -122000000
	var buf = make([]byte, rows.GpsFixLength)
	old.Encode(buf)

	require.NoError(t, tbl.BeginTransaction())
	require.NoError(t, tbl.Insert(0, buf[:legacyLength]))
	commit(t, tbl)
	require.NoError(t, tbl.Close())

	// Opened by current code, the table keeps its layout.
	tbl, err = OpenTable(fs, "/gps"+tableSuffix, rows.GpsFixLength)
	require.NoError(t, err)
	assert.Equal(t, legacyLength, tbl.RecordSize())

	var cache = gpsCache(t, tbl, crypt.Plain{})
	fix, err := cache.GetRow(0)
	require.NoError(t, err)
	assert.Equal(t, int64(77), fix.Time)
	assert.Equal(t, int32(-122000000), fix.LonMicro)
	assert.Equal(t, float32(0), fix.Accuracy)

	// New rows drop the fields the layout can't hold.
	var next = cache.NewRow()
	next.Time = 78
	next.Accuracy = 9
	require.NoError(t, tbl.BeginTransaction())
	require.NoError(t, cache.WriteDirtyRows(nil))
	commit(t, tbl)

	fix, err = gpsCache(t, tbl, crypt.Plain{}).GetRow(1)
	require.NoError(t, err)
	assert.Equal(t, int64(78), fix.Time)
	assert.Equal(t, float32(0), fix.Accuracy)
}

func TestSoftThenHardThroughCache(t *testing.T) {
	var fs = afero.NewMemMapFs()
	var d = NewDatabase(fs, testDir)
	r, err := d.AddRollBackTable("gps", rows.GpsFixLength)
	require.NoError(t, err)
	require.NoError(t, d.Open(context.Background()))

	var accessor = NewAccessor[*rows.GpsFix](r, crypt.Plain{})
	assert.True(t, accessor.NeedsSoftUpdate())
	assert.False(t, NewAccessor[*rows.GpsFix](r.Table, crypt.Plain{}).NeedsSoftUpdate())

	cache, err := trackstore.New[*rows.GpsFix](accessor, rows.NewGpsFix)
	require.NoError(t, err)

	cache.NewRow().Time = 1
	cache.NewRow().Time = 2
	flush(t, d, cache, nil)

	fix, err := cache.GetRow(0)
	require.NoError(t, err)
	fix.Time = 10
	cache.NotifyRowUpdated(fix)
	// A row inserted in the same flush takes the insert path only.
	cache.NewRow().Time = 3

	flush(t, d, cache, trackstore.NewReadGate())
	assert.False(t, r.IsHardMode())
	assert.Equal(t, int64(3), r.RowCount())

	var fresh = NewAccessor[*rows.GpsFix](r, crypt.Plain{})
	for id, want := range []int64{10, 2, 3} {
		var out = rows.NewGpsFix()
		found, err := fresh.GetRow(out, int64(id))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, want, out.Time)
	}

	found, err := fresh.GetRow(rows.NewGpsFix(), 3)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSoftUpdateNeedsRollBackTable(t *testing.T) {
	tbl, err := OpenTable(afero.NewMemMapFs(), "/t"+tableSuffix, rows.GpsFixLength)
	require.NoError(t, err)

	var a = NewAccessor[*rows.GpsFix](tbl, crypt.Plain{})
	assert.True(t, errors.Is(a.SoftUpdateRow(rows.NewGpsFix()), ErrNotSoftUpdatable))
}
