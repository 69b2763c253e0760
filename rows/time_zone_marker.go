package rows

import (
	"time"

	"github.com/airheartdev/trackstore"
	"github.com/pkg/errors"
)

const (
	TimeZoneMarkerLength = 45
	timeZoneIDLength     = 32
)

// TimeZoneMarker records that, from Time onward, fixes were taken in Zone.
type TimeZoneMarker struct {
	trackstore.RowMeta

	Time          int64 // Unix milliseconds.
	OffsetSeconds int32
	DST           bool
	Zone          string // IANA zone id, at most 32 bytes.
}

var _ trackstore.Row = &TimeZoneMarker{}

func NewTimeZoneMarker() *TimeZoneMarker { return new(TimeZoneMarker) }

func (m *TimeZoneMarker) DataLength() int { return TimeZoneMarkerLength }

func (m *TimeZoneMarker) Encode(b []byte) {
	putInt64(b[0:], m.Time)
	putInt32(b[8:], m.OffsetSeconds)
	if m.DST {
		b[12] = 1
	} else {
		b[12] = 0
	}
	putString(b[13:13+timeZoneIDLength], m.Zone)
}

func (m *TimeZoneMarker) Decode(b []byte) error {
	if len(b) < TimeZoneMarkerLength {
		return errors.Wrapf(ErrShortRecord, "time zone marker of %d bytes", len(b))
	}
	m.Time = getInt64(b[0:])
	m.OffsetSeconds = getInt32(b[8:])
	m.DST = b[12] != 0
	m.Zone = getString(b[13 : 13+timeZoneIDLength])
	return nil
}

// Location returns the marker's zone, falling back to a fixed zone at the
// recorded offset if the id is unknown to this system.
func (m *TimeZoneMarker) Location() *time.Location {
	if loc, err := time.LoadLocation(m.Zone); err == nil && m.Zone != "" {
		return loc
	}
	return time.FixedZone(m.Zone, int(m.OffsetSeconds))
}
