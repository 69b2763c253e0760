package timmy

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/airheartdev/trackstore"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const tableMagic uint32 = 0x54494d59 // "TIMY"

// headerSize is the encoded size of fileHeader.
const headerSize = 16

// fileHeader is the first headerSize bytes of a table file. RowCount is the
// authoritative number of records, and the id of the next insert.
//
//	00000000  54 49 4d 59 00 00 00 1c | 00 00 00 00 00 00 00 05  |TIMY............|
//	          magic       record size | row count
type fileHeader struct {
	Magic      uint32
	RecordSize uint32
	RowCount   int64
}

func (h *fileHeader) serialize() ([]byte, error) {
	var bb = bytes.NewBuffer(make([]byte, 0, headerSize))
	if err := binary.Write(bb, binary.BigEndian, h); err != nil {
		return nil, errors.WithMessage(err, "serializing table header")
	}
	return bb.Bytes(), nil
}

func (h *fileHeader) deserialize(b []byte) error {
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, h); err != nil {
		return errors.WithMessage(err, "deserializing table header")
	}
	if h.Magic != tableMagic {
		return errors.Wrapf(ErrBadHeader, "magic %#x", h.Magic)
	}
	if h.RecordSize == 0 || h.RowCount < 0 {
		return errors.Wrapf(ErrBadHeader, "record size %d, row count %d", h.RecordSize, h.RowCount)
	}
	return nil
}

// recordFile is a flat file of fixed-size records behind a fileHeader.
// Each read or write of a record happens under ioMu, so a concurrent reader
// sees a record either before or after a write, never torn.
type recordFile struct {
	path       string
	file       afero.File
	recordSize int
	rowCount   atomic.Int64

	ioMu sync.Mutex
}

// openRecordFile opens or creates |path|. An existing file keeps the record
// size in its header, which may differ from |recordSize| for tables created
// by an older layout. created reports whether the file was new.
func openRecordFile(fs afero.Fs, path string, recordSize int) (rf *recordFile, created bool, err error) {
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, false, errors.WithMessagef(err, "opening %s", path)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, false, errors.WithMessagef(err, "stat %s", path)
	}
	rf = &recordFile{path: path, file: f}

	// A file shorter than a header was never committed to; a crash must have
	// interrupted its creation.
	if info.Size() < headerSize {
		rf.recordSize = recordSize
		if err = rf.writeRowCount(0); err != nil {
			return nil, false, err
		}
		return rf, true, rf.sync()
	}

	var buf = make([]byte, headerSize)
	if _, err = f.ReadAt(buf, 0); err != nil {
		return nil, false, errors.WithMessagef(err, "reading header of %s", path)
	}
	var h fileHeader
	if err = h.deserialize(buf); err != nil {
		return nil, false, errors.WithMessage(err, path)
	}
	rf.recordSize = int(h.RecordSize)
	rf.rowCount.Store(h.RowCount)
	return rf, false, nil
}

func (rf *recordFile) offset(id int64) int64 {
	return headerSize + id*int64(rf.recordSize)
}

// readRecord returns a copy of committed record |id|.
func (rf *recordFile) readRecord(id int64) ([]byte, error) {
	if id < 0 || id >= rf.rowCount.Load() {
		return nil, errors.Wrapf(trackstore.ErrRowNotFound, "%s record %d", rf.path, id)
	}
	var buf = make([]byte, rf.recordSize)

	rf.ioMu.Lock()
	n, err := rf.file.ReadAt(buf, rf.offset(id))
	rf.ioMu.Unlock()

	if err == io.EOF && n == len(buf) {
		err = nil
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %s record %d", rf.path, id)
	}
	return buf, nil
}

func (rf *recordFile) writeRecord(id int64, b []byte) error {
	if len(b) != rf.recordSize {
		return errors.Wrapf(ErrRecordSize, "%d bytes, want %d", len(b), rf.recordSize)
	}
	return rf.writeAt(b, rf.offset(id))
}

// writeRecordPart writes |b| at |off| within record |id|.
func (rf *recordFile) writeRecordPart(id int64, off int, b []byte) error {
	if off < 0 || off+len(b) > rf.recordSize {
		return errors.Wrapf(ErrRecordSize, "part [%d, %d) of %d byte record", off, off+len(b), rf.recordSize)
	}
	return rf.writeAt(b, rf.offset(id)+int64(off))
}

func (rf *recordFile) writeAt(b []byte, off int64) error {
	rf.ioMu.Lock()
	defer rf.ioMu.Unlock()

	if _, err := rf.file.WriteAt(b, off); err != nil {
		return errors.WithMessagef(err, "writing %s at %d", rf.path, off)
	}
	return nil
}

// writeRowCount rewrites the header. Readers see the new count only once the
// header write is done.
func (rf *recordFile) writeRowCount(n int64) error {
	var h = fileHeader{
		Magic:      tableMagic,
		RecordSize: uint32(rf.recordSize),
		RowCount:   n,
	}
	b, err := h.serialize()
	if err != nil {
		return err
	}
	if err = rf.writeAt(b, 0); err != nil {
		return err
	}
	rf.rowCount.Store(n)
	return nil
}

func (rf *recordFile) sync() error {
	if err := rf.file.Sync(); err != nil {
		return errors.WithMessagef(err, "syncing %s", rf.path)
	}
	return nil
}

func (rf *recordFile) close() error {
	if err := rf.file.Close(); err != nil {
		return errors.WithMessagef(err, "closing %s", rf.path)
	}
	return nil
}
