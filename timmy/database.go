package timmy

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/airheartdev/trackstore/metrics"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Database is a set of Tables in one directory which commit together.
//
// Every transaction commits in three phases, each run across all tables and
// completed before the next begins: stage 1 makes every table's journal live,
// stage 2 replays them, stage 3 deletes them. Recovery on Open replays the
// journals only if every table has one, and otherwise rolls every table
// back, so a transaction is applied to all tables or to none.
//
// Table 0 is the property table, a small string multimap which holds the
// database version among other things.
type Database struct {
	fs   afero.Fs
	dir  string
	opts *Options

	tables   []*Table
	rollBack []*RollBackTable
	names    map[string]struct{}
	props    *Table

	opened     atomic.Bool
	canceled   atomic.Bool
	inTxn      atomic.Bool
	successful atomic.Bool

	propMu     sync.Mutex
	properties map[string][]string
}

// NewDatabase returns a closed Database in |dir| holding only the property
// table. Add tables, then Open.
func NewDatabase(fs afero.Fs, dir string, options ...Option) *Database {
	var d = &Database{
		fs:         fs,
		dir:        dir,
		opts:       buildOptions(options),
		names:      make(map[string]struct{}),
		properties: make(map[string][]string),
	}
	d.opts.log = d.opts.log.WithField("db", dir)

	d.props, _ = d.AddTable(propertyTableName, propertyRecordSize)
	return d
}

// AddTable registers a table of |recordSize| records. Tables may only be
// added while the database is closed.
func (d *Database) AddTable(name string, recordSize int) (*Table, error) {
	if err := d.checkAddable(name); err != nil {
		return nil, err
	}
	var t = newTable(d.fs, d.tablePath(name), recordSize, d.opts)
	d.tables = append(d.tables, t)
	return t, nil
}

// AddRollBackTable registers a RollBackTable of |rowSize| rows.
func (d *Database) AddRollBackTable(name string, rowSize int) (*RollBackTable, error) {
	if err := d.checkAddable(name); err != nil {
		return nil, err
	}
	var t = newRollBackTable(d.fs, d.tablePath(name), rowSize, d.opts)
	d.tables = append(d.tables, t.Table)
	d.rollBack = append(d.rollBack, t)
	return t, nil
}

func (d *Database) checkAddable(name string) error {
	if d.opened.Load() {
		return errors.Wrapf(ErrAlreadyOpen, "adding table %s", name)
	}
	if _, ok := d.names[name]; ok {
		return errors.Wrapf(ErrDuplicateTable, "%s", name)
	}
	d.names[name] = struct{}{}
	return nil
}

func (d *Database) tablePath(name string) string {
	return filepath.Join(d.dir, name+tableSuffix)
}

// Tables returns the database's tables, property table first.
func (d *Database) Tables() []*Table { return append([]*Table(nil), d.tables...) }

func (d *Database) IsOpen() bool { return d.opened.Load() }

// CancelOpen makes a concurrent or future Open fail with ErrOpenCanceled at
// its next check. Recovery interrupted this way resumes on the next Open.
func (d *Database) CancelOpen() { d.canceled.Store(true) }

// ResetCancel clears a CancelOpen.
func (d *Database) ResetCancel() { d.canceled.Store(false) }

func (d *Database) checkCanceled(ctx context.Context) error {
	if d.canceled.Load() {
		return ErrOpenCanceled
	}
	if err := ctx.Err(); err != nil {
		return errors.WithMessage(ErrOpenCanceled, err.Error())
	}
	return nil
}

// Open opens or creates every table, recovers an interrupted transaction,
// and loads properties. A new database gets version 0.
func (d *Database) Open(ctx context.Context) (err error) {
	if d.opened.Load() {
		return errors.Wrapf(ErrAlreadyOpen, "database %s", d.dir)
	}
	var canceled = func() error { return d.checkCanceled(ctx) }

	if err = canceled(); err != nil {
		return err
	}
	if err = d.fs.MkdirAll(d.dir, 0700); err != nil {
		return errors.WithMessagef(err, "creating %s", d.dir)
	}

	defer func() {
		if err != nil {
			_ = d.closeTables()
		}
	}()
	for _, t := range d.tables {
		if err = canceled(); err != nil {
			return err
		}
		if err = t.open(); err != nil {
			return err
		}
	}
	if err = d.recover(canceled); err != nil {
		return err
	}
	d.opened.Store(true)

	fresh, err := d.loadProperties()
	if err != nil {
		d.opened.Store(false)
		return err
	}
	if fresh {
		d.SetVersion(0)
		if err = d.SaveProperties(); err != nil {
			d.opened.Store(false)
			return errors.WithMessage(err, "initializing properties")
		}
	}

	d.opts.log.WithFields(log.Fields{
		"tables":  len(d.tables),
		"version": d.Version(),
		"fresh":   fresh,
	}).Info("opened database")
	return nil
}

// recover replays live journals if every existing table has one, and
// otherwise rolls every table back. Tables whose files were just created
// cannot have been part of the interrupted transaction and are rolled back.
func (d *Database) recover(canceled func() error) error {
	var existing, live []*Table
	for _, t := range d.tables {
		if t.created {
			continue
		}
		existing = append(existing, t)

		ok, err := t.InStage2()
		if err != nil {
			return err
		}
		if ok {
			live = append(live, t)
		}
	}

	if len(live) != 0 && len(live) == len(existing) {
		d.opts.log.WithField("tables", len(live)).Warn("replaying interrupted commit")
		for _, t := range live {
			if err := t.replay(canceled); err != nil {
				return errors.WithMessage(err, "replaying journal")
			}
		}
		for _, t := range live {
			if err := t.CommitStage3(); err != nil {
				return err
			}
		}
		metrics.TimmyRecoveriesTotal.WithLabelValues(metrics.RecoveryReplay).Inc()
	} else if len(live) != 0 {
		d.opts.log.WithFields(log.Fields{
			"live":     len(live),
			"existing": len(existing),
		}).Warn("rolling back incomplete commit")
		metrics.TimmyRecoveriesTotal.WithLabelValues(metrics.RecoveryRollback).Inc()
	}
	// Drops scratch journals, and live journals of a rolled back commit.
	return d.rollbackAll()
}

// BeginTransaction starts a transaction across all tables. Only one may be
// active at a time.
func (d *Database) BeginTransaction() error {
	if !d.opened.Load() {
		return errors.Wrapf(ErrClosed, "database %s", d.dir)
	}
	if !d.inTxn.CompareAndSwap(false, true) {
		return ErrTransactionInProgress
	}
	d.successful.Store(false)

	for _, t := range d.tables {
		if err := t.BeginTransaction(); err != nil {
			_ = d.rollbackAll()
			d.inTxn.Store(false)
			return err
		}
	}
	return nil
}

// SetTransactionSuccessful marks the active transaction to be committed by
// EndTransaction rather than rolled back.
func (d *Database) SetTransactionSuccessful() { d.successful.Store(true) }

func (d *Database) InTransaction() bool { return d.inTxn.Load() }

// EndTransaction commits the active transaction if it was marked successful,
// and rolls it back otherwise. A failure before every journal is live rolls
// the transaction back. A failure after closes the database, and the
// transaction is completed by recovery on the next Open.
func (d *Database) EndTransaction() error {
	if !d.inTxn.Load() {
		return ErrNoTransaction
	}
	defer func() {
		for _, t := range d.rollBack {
			t.RevertToSoftCommitMode()
		}
		d.successful.Store(false)
		d.inTxn.Store(false)
	}()

	if !d.successful.Load() {
		return d.rollbackAll()
	}

	if err := d.eachTable((*Table).CommitStage1); err != nil {
		metrics.TimmyCommitsTotal.WithLabelValues(metrics.Fail).Inc()
		if rbErr := d.rollbackAll(); rbErr != nil {
			err = multierror.Append(err, rbErr)
		}
		return errors.WithMessage(err, "commit stage 1")
	}
	if err := d.eachTable((*Table).CommitStage2); err != nil {
		return d.abandon(errors.WithMessage(err, "commit stage 2"))
	}
	if err := d.eachTable((*Table).CommitStage3); err != nil {
		return d.abandon(errors.WithMessage(err, "commit stage 3"))
	}
	metrics.TimmyCommitsTotal.WithLabelValues(metrics.Ok).Inc()
	return nil
}

// abandon closes the database after a failure once journals are live,
// leaving them for recovery.
func (d *Database) abandon(err error) error {
	metrics.TimmyCommitsTotal.WithLabelValues(metrics.Fail).Inc()
	d.opts.log.WithField("err", err).Error("commit failed after journals went live; closing database")

	for _, t := range d.tables {
		t.abandon()
	}
	if closeErr := d.closeTables(); closeErr != nil {
		err = multierror.Append(err, closeErr)
	}
	d.opened.Store(false)
	return err
}

// eachTable runs |fn| on every table concurrently and waits for all.
func (d *Database) eachTable(fn func(*Table) error) error {
	var g errgroup.Group
	for _, t := range d.tables {
		t := t
		g.Go(func() error { return fn(t) })
	}
	return g.Wait()
}

func (d *Database) rollbackAll() error {
	var result *multierror.Error
	for _, t := range d.tables {
		if err := t.Rollback(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// SetCorrupt poisons every table. The database refuses further reads and
// writes until it is reopened.
func (d *Database) SetCorrupt() {
	d.opts.log.Error("database marked corrupt")
	for _, t := range d.tables {
		t.SetCorrupt()
	}
}

// IsCorrupt reports whether any table is marked corrupt.
func (d *Database) IsCorrupt() bool {
	for _, t := range d.tables {
		if t.IsCorrupt() {
			return true
		}
	}
	return false
}

// Close rolls back an active transaction and closes every table.
func (d *Database) Close() error {
	if !d.opened.Load() {
		return nil
	}
	var result *multierror.Error

	if d.inTxn.Load() {
		if err := d.rollbackAll(); err != nil {
			result = multierror.Append(result, err)
		}
		d.inTxn.Store(false)
	}
	if err := d.closeTables(); err != nil {
		result = multierror.Append(result, err)
	}
	d.opened.Store(false)
	return result.ErrorOrNil()
}

// closeTables closes every table once in-flight readers drain.
func (d *Database) closeTables() error {
	var resume = d.opts.pauser.PauseReaders()
	defer resume()

	var result *multierror.Error
	for _, t := range d.tables {
		t.corrupt.Store(false)
		if err := t.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// DeleteAllFiles removes every table file and journal. The database must be
// closed.
func (d *Database) DeleteAllFiles() error {
	if d.opened.Load() {
		return errors.Wrapf(ErrAlreadyOpen, "database %s", d.dir)
	}
	var result *multierror.Error
	for _, t := range d.tables {
		if err := t.DeleteFiles(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
