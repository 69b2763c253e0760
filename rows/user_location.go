package rows

import (
	"github.com/airheartdev/trackstore"
	"github.com/pkg/errors"
)

const (
	UserLocationLength       = 68
	userLocationLegacyLength = 64
	UserLocationNameLength   = 48

	// DefaultRadiusMeters is given to points saved before radius existed.
	DefaultRadiusMeters float32 = 100
	MaxRadiusMeters     float32 = 50000
)

// UserLocation is a named point the user saved on the map.
type UserLocation struct {
	trackstore.RowMeta

	Time     int64 // Unix milliseconds.
	LatMicro int32
	LonMicro int32
	Name     string // At most 48 bytes.
	Radius   float32
}

var _ trackstore.Row = &UserLocation{}

func NewUserLocation() *UserLocation { return new(UserLocation) }

func (u *UserLocation) DataLength() int { return UserLocationLength }

func (u *UserLocation) Encode(b []byte) {
	putInt64(b[0:], u.Time)
	putInt32(b[8:], u.LatMicro)
	putInt32(b[12:], u.LonMicro)
	putString(b[16:16+UserLocationNameLength], u.Name)
	putFloat32(b[64:], u.Radius)
}

func (u *UserLocation) Decode(b []byte) error {
	if len(b) < userLocationLegacyLength {
		return errors.Wrapf(ErrShortRecord, "user location of %d bytes", len(b))
	}
	u.Time = getInt64(b[0:])
	u.LatMicro = getInt32(b[8:])
	u.LonMicro = getInt32(b[12:])
	u.Name = getString(b[16 : 16+UserLocationNameLength])

	u.Radius = DefaultRadiusMeters
	if len(b) >= UserLocationLength {
		u.Radius = saneFloat32(getFloat32(b[64:]), 0, MaxRadiusMeters)
	}
	return nil
}
