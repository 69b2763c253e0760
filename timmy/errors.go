package timmy

import "github.com/pkg/errors"

var (
	ErrBadHeader             = errors.New("table file has a bad header")
	ErrRecordSize            = errors.New("record has the wrong size")
	ErrCorruptJournal        = errors.New("rollforward journal is corrupt")
	ErrCorrupt               = errors.New("database has been marked corrupt")
	ErrClosed                = errors.New("not open")
	ErrAlreadyOpen           = errors.New("already open")
	ErrTransactionInProgress = errors.New("a transaction is already in progress")
	ErrNoTransaction         = errors.New("no transaction in progress")
	ErrNonSequentialInsert   = errors.New("inserts must be sequential")
	ErrHardModeActive        = errors.New("soft update issued after a hard update in the same transaction")
	ErrOpenCanceled          = errors.New("open was canceled")
	ErrDuplicateTable        = errors.New("table name already used")
	ErrPropertyTooLong       = errors.New("property name or value too long")
	ErrNotSoftUpdatable      = errors.New("table does not support soft updates")
)
