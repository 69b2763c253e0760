// Package sqlstore is a trackstore.DatastoreAccessor over a SQLite table of
// (id, data) pairs. It never needs soft updates: SQLite isolates readers
// from an uncommitted write transaction itself.
package sqlstore

import (
	"context"
	"database/sql"
	"regexp"
	"sync"

	"github.com/airheartdev/trackstore"
	_ "github.com/mattn/go-sqlite3" // Registers the "sqlite3" driver.
	"github.com/pkg/errors"
)

var (
	ErrOutOfOrder      = errors.New("insert out of order")
	ErrNotSupported    = errors.New("soft updates are not supported")
	ErrBadTableName    = errors.New("table name must be a plain identifier")
	ErrNoTransaction   = errors.New("no transaction in progress")
	ErrTransactionOpen = errors.New("a transaction is already in progress")
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Open opens the SQLite database at |path|. SQLite serializes writers, so
// the pool holds a single connection, which also keeps ":memory:" databases
// from splitting across connections.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening %s", path)
	}
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.WithMessagef(err, "opening %s", path)
	}
	return db, nil
}

type querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Accessor stores one kind of row in table |table|. Between Begin and
// Commit, every read and write goes through the transaction.
type Accessor[T trackstore.Row] struct {
	db    *sql.DB
	table string

	mu sync.Mutex
	tx *sql.Tx
}

var _ trackstore.DatastoreAccessor[trackstore.Row] = &Accessor[trackstore.Row]{}

// New returns an Accessor over |table|, creating it if needed.
func New[T trackstore.Row](db *sql.DB, table string) (*Accessor[T], error) {
	if !tableNameRe.MatchString(table) {
		return nil, errors.Wrapf(ErrBadTableName, "%q", table)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + table + ` (
		id   INTEGER PRIMARY KEY,
		data BLOB NOT NULL
	);`); err != nil {
		return nil, errors.WithMessagef(err, "creating table %s", table)
	}
	return &Accessor[T]{db: db, table: table}, nil
}

func (a *Accessor[T]) q() querier {
	if a.tx != nil {
		return a.tx
	}
	return a.db
}

// Begin starts a transaction which Commit or Rollback ends.
func (a *Accessor[T]) Begin(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tx != nil {
		return ErrTransactionOpen
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithMessage(err, "beginning transaction")
	}
	a.tx = tx
	return nil
}

func (a *Accessor[T]) Commit() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tx == nil {
		return ErrNoTransaction
	}
	var err = a.tx.Commit()
	a.tx = nil
	return errors.WithMessage(err, "committing transaction")
}

func (a *Accessor[T]) Rollback() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tx == nil {
		return ErrNoTransaction
	}
	var err = a.tx.Rollback()
	a.tx = nil
	return errors.WithMessage(err, "rolling back transaction")
}

func (a *Accessor[T]) NextRowID() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextRowIDLocked()
}

func (a *Accessor[T]) nextRowIDLocked() (int64, error) {
	var next int64
	if err := a.q().QueryRow(`SELECT COALESCE(MAX(id)+1, 0) FROM ` + a.table).Scan(&next); err != nil {
		return 0, errors.WithMessagef(err, "reading next id of %s", a.table)
	}
	return next, nil
}

func (a *Accessor[T]) InsertRow(row T) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var id = row.Meta().ID()
	next, err := a.nextRowIDLocked()
	if err != nil {
		return err
	}
	if id != next {
		return errors.Wrapf(ErrOutOfOrder, "%s insert of %d, expected %d", a.table, id, next)
	}
	if _, err = a.q().Exec(`INSERT INTO `+a.table+` (id, data) VALUES (?, ?)`, id, encode(row)); err != nil {
		return errors.WithMessagef(err, "inserting %s row %d", a.table, id)
	}
	return nil
}

func (a *Accessor[T]) UpdateRow(row T) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var id = row.Meta().ID()
	res, err := a.q().Exec(`UPDATE `+a.table+` SET data = ? WHERE id = ?`, encode(row), id)
	if err != nil {
		return errors.WithMessagef(err, "updating %s row %d", a.table, id)
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.WithMessagef(err, "updating %s row %d", a.table, id)
	} else if n == 0 {
		return errors.Wrapf(trackstore.ErrRowNotFound, "updating %s row %d", a.table, id)
	}
	return nil
}

func (a *Accessor[T]) GetRow(out T, id int64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var data []byte
	err := a.q().QueryRow(`SELECT data FROM `+a.table+` WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, errors.WithMessagef(err, "reading %s row %d", a.table, id)
	}
	return true, out.Decode(data)
}

func (a *Accessor[T]) SoftUpdateRow(T) error { return ErrNotSupported }
func (a *Accessor[T]) NeedsSoftUpdate() bool { return false }

func encode[T trackstore.Row](row T) []byte {
	b := make([]byte, row.DataLength())
	row.Encode(b)
	return b
}
