package trackstore

type (
	// Row is a fixed-layout record that a RowCache can hold. Implementations
	// embed RowMeta and are used through a pointer type.
	Row interface {
		Meta() *RowMeta
		// DataLength is the plaintext length written by Encode.
		DataLength() int
		Encode(b []byte)
		// Decode accepts records shorter than DataLength, written by an older
		// layout, and defaults the missing trailing fields.
		Decode(b []byte) error
	}

	// RowMeta is the identity and cache bookkeeping shared by every row kind.
	// The dirty, inserted and referenced flags belong to the cache that handed
	// the row out.
	RowMeta struct {
		id                 int64
		hasID              bool
		dirty              bool
		inserted           bool
		referencedRecently bool
	}
)

// Meta lets any struct embedding RowMeta satisfy the Meta part of Row.
func (m *RowMeta) Meta() *RowMeta { return m }

// ID returns the row id, or -1 if none has been assigned yet.
func (m *RowMeta) ID() int64 {
	if !m.hasID {
		return -1
	}
	return m.id
}

func (m *RowMeta) HasID() bool { return m.hasID }
func (m *RowMeta) IsDirty() bool { return m.dirty }
func (m *RowMeta) IsInserted() bool { return m.inserted }
func (m *RowMeta) ReferencedRecently() bool { return m.referencedRecently }

func (m *RowMeta) assign(id int64) {
	m.id = id
	m.hasID = true
}
