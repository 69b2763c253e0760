package trackstore

type (
	// DatastoreAccessor is the contract a backing store exposes to a RowCache.
	// Flat-file (timmy) and relational (sqlstore) backends both implement it.
	DatastoreAccessor[T Row] interface {
		// NextRowID returns the id the next inserted row will receive.
		NextRowID() (int64, error)
		// InsertRow durably places row at row.Meta().ID(). Inserts arrive in
		// strictly ascending id order.
		InsertRow(row T) error
		UpdateRow(row T) error
		// GetRow decodes the stored row |id| into |out|, returning false if no
		// such row exists.
		GetRow(out T, id int64) (bool, error)
		// SoftUpdateRow writes row through a path unsynchronized readers can
		// never observe torn. Only called when NeedsSoftUpdate is true.
		SoftUpdateRow(row T) error
		NeedsSoftUpdate() bool
	}
)
