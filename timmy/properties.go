package timmy

import (
	"bytes"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

const (
	propertyTableName = "properties"

	propertyNameSize   = 32
	propertyValueSize  = 224
	propertyRecordSize = propertyNameSize + propertyValueSize

	// VersionProperty holds the schema version of the database.
	VersionProperty = "version"
)

// Property returns the values of property |name|, or nil if it is unset.
func (d *Database) Property(name string) []string {
	d.propMu.Lock()
	defer d.propMu.Unlock()

	return append([]string(nil), d.properties[name]...)
}

// SetProperty replaces the values of |name| in memory. An empty |values|
// unsets it. Changes are persisted by SaveProperties or StageProperties.
func (d *Database) SetProperty(name string, values ...string) error {
	if name == "" || len(name) > propertyNameSize {
		return errors.Wrapf(ErrPropertyTooLong, "name %q", name)
	}
	for _, v := range values {
		if len(v) > propertyValueSize {
			return errors.Wrapf(ErrPropertyTooLong, "%s value of %d bytes", name, len(v))
		}
	}

	d.propMu.Lock()
	defer d.propMu.Unlock()

	if len(values) == 0 {
		delete(d.properties, name)
	} else {
		d.properties[name] = append([]string(nil), values...)
	}
	return nil
}

// Version returns the database schema version, or 0 if it is unset or
// unparseable.
func (d *Database) Version() int64 {
	var values = d.Property(VersionProperty)
	if len(values) == 0 {
		return 0
	}
	v, err := strconv.ParseInt(values[0], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (d *Database) SetVersion(v int64) {
	_ = d.SetProperty(VersionProperty, strconv.FormatInt(v, 10))
}

// SaveProperties rewrites the property table in a transaction of its own.
func (d *Database) SaveProperties() error {
	if err := d.BeginTransaction(); err != nil {
		return err
	}
	if err := d.StageProperties(); err != nil {
		_ = d.EndTransaction()
		return err
	}
	d.SetTransactionSuccessful()
	return d.EndTransaction()
}

// StageProperties rewrites the property table within the active transaction.
// Each value is one record. Records left over from a longer table are
// overwritten with an empty name, which loading skips.
func (d *Database) StageProperties() error {
	if !d.inTxn.Load() {
		return ErrNoTransaction
	}
	var records = d.propertyRecords()
	var committed = d.props.RowCount()

	for i, rec := range records {
		var err error
		if id := int64(i); id < committed {
			err = d.props.Update(id, rec)
		} else {
			err = d.props.Insert(id, rec)
		}
		if err != nil {
			return errors.WithMessage(err, "staging properties")
		}
	}
	var blank = make([]byte, propertyRecordSize)
	for id := int64(len(records)); id < committed; id++ {
		if err := d.props.Update(id, blank); err != nil {
			return errors.WithMessage(err, "staging properties")
		}
	}
	return nil
}

// propertyRecords encodes properties ordered by name, then value order.
func (d *Database) propertyRecords() [][]byte {
	d.propMu.Lock()
	defer d.propMu.Unlock()

	var names = make([]string, 0, len(d.properties))
	for name := range d.properties {
		names = append(names, name)
	}
	sort.Strings(names)

	var out [][]byte
	for _, name := range names {
		for _, v := range d.properties[name] {
			var rec = make([]byte, propertyRecordSize)
			copy(rec[:propertyNameSize], name)
			copy(rec[propertyNameSize:], v)
			out = append(out, rec)
		}
	}
	return out
}

// loadProperties reads the property table. fresh reports whether it was
// empty, as in a new database.
func (d *Database) loadProperties() (fresh bool, err error) {
	var props = make(map[string][]string)
	var n = d.props.RowCount()

	for id := int64(0); id < n; id++ {
		rec, err := d.props.Read(id)
		if err != nil {
			return false, errors.WithMessage(err, "loading properties")
		}
		var name = cString(rec[:propertyNameSize])
		if name == "" {
			continue
		}
		props[name] = append(props[name], cString(rec[propertyNameSize:]))
	}

	d.propMu.Lock()
	d.properties = props
	d.propMu.Unlock()

	return n == 0, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
