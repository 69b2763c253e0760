package timmy

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"sort"

	"github.com/airheartdev/trackstore/metrics"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const journalMagic uint32 = 0x524f4c4c // "ROLL"

const (
	// journalHeaderSize is magic, record size, row count and entry count.
	journalHeaderSize  = 4 + 4 + 8 + 4
	journalTrailerSize = 4
)

// journal is a rollforward journal: the records of one table transaction and
// the row count the table has once they are applied.
//
// Encoded as magic, record size, row count, entry count, then each entry as
// (index int64, record bytes), then a CRC-32 of everything before it.
type journal struct {
	recordSize int
	rowCount   int64
	entries    []journalEntry
}

type journalEntry struct {
	index  int64
	record []byte
}

// newJournal builds a journal from pending writes, ordered by index.
func newJournal(recordSize int, rowCount int64, pending map[int64][]byte) *journal {
	var j = &journal{
		recordSize: recordSize,
		rowCount:   rowCount,
		entries:    make([]journalEntry, 0, len(pending)),
	}
	for index, record := range pending {
		j.entries = append(j.entries, journalEntry{index: index, record: record})
	}
	sort.Slice(j.entries, func(a, b int) bool { return j.entries[a].index < j.entries[b].index })
	return j
}

func (j *journal) encodedSize() int {
	return journalHeaderSize + len(j.entries)*(8+j.recordSize) + journalTrailerSize
}

func (j *journal) encode() []byte {
	var b = make([]byte, j.encodedSize())
	binary.BigEndian.PutUint32(b[0:], journalMagic)
	binary.BigEndian.PutUint32(b[4:], uint32(j.recordSize))
	binary.BigEndian.PutUint64(b[8:], uint64(j.rowCount))
	binary.BigEndian.PutUint32(b[16:], uint32(len(j.entries)))

	var pos = journalHeaderSize
	for _, e := range j.entries {
		binary.BigEndian.PutUint64(b[pos:], uint64(e.index))
		pos += 8
		pos += copy(b[pos:pos+j.recordSize], e.record)
	}
	binary.BigEndian.PutUint32(b[pos:], crc32.ChecksumIEEE(b[:pos]))
	return b
}

func decodeJournal(b []byte) (*journal, error) {
	if len(b) < journalHeaderSize+journalTrailerSize {
		return nil, errors.Wrapf(ErrCorruptJournal, "%d bytes is too short", len(b))
	}
	var body, sum = b[:len(b)-journalTrailerSize], binary.BigEndian.Uint32(b[len(b)-journalTrailerSize:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, errors.Wrap(ErrCorruptJournal, "checksum mismatch")
	}
	if magic := binary.BigEndian.Uint32(b[0:]); magic != journalMagic {
		return nil, errors.Wrapf(ErrCorruptJournal, "magic %#x", magic)
	}

	var j = &journal{
		recordSize: int(binary.BigEndian.Uint32(b[4:])),
		rowCount:   int64(binary.BigEndian.Uint64(b[8:])),
	}
	var count = int(binary.BigEndian.Uint32(b[16:]))
	if want := journalHeaderSize + count*(8+j.recordSize) + journalTrailerSize; want != len(b) {
		return nil, errors.Wrapf(ErrCorruptJournal, "%d entries need %d bytes, have %d", count, want, len(b))
	}

	j.entries = make([]journalEntry, count)
	var pos = journalHeaderSize
	for i := range j.entries {
		j.entries[i].index = int64(binary.BigEndian.Uint64(b[pos:]))
		pos += 8
		j.entries[i].record = b[pos : pos+j.recordSize]
		pos += j.recordSize
	}
	return j, nil
}

// writeJournal durably writes |j| to |tmpPath| and then renames it to
// |livePath|. A crash before the rename leaves only garbage at tmpPath,
// which is ignored. A crash after leaves a complete, replayable journal.
func writeJournal(fs afero.Fs, tmpPath, livePath string, j *journal) error {
	// O_TRUNC rather than O_EXCL: a scratch file may survive an earlier
	// failed transaction.
	f, err := fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.WithMessage(err, "creating journal")
	}
	var b = j.encode()

	if _, err = f.Write(b); err != nil {
		err = errors.WithMessage(err, "writing journal")
	} else if err = f.Sync(); err != nil {
		err = errors.WithMessage(err, "syncing journal")
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.WithMessage(closeErr, "closing journal")
	}
	if err != nil {
		return err
	}
	if err = fs.Rename(tmpPath, livePath); err != nil {
		return errors.WithMessage(err, "renaming journal tmp => live")
	}
	metrics.TimmyJournalBytesTotal.Add(float64(len(b)))
	return nil
}

func readJournal(fs afero.Fs, path string) (*journal, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading journal %s", path)
	}
	j, err := decodeJournal(b)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return j, nil
}

// removeIfExists removes |path|, treating a missing file as success.
func removeIfExists(fs afero.Fs, path string) error {
	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.WithMessagef(err, "removing %s", path)
	}
	return nil
}

func exists(fs afero.Fs, path string) (bool, error) {
	ok, err := afero.Exists(fs, path)
	if err != nil {
		return false, errors.WithMessagef(err, "stat %s", path)
	}
	return ok, nil
}
