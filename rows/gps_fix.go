package rows

import (
	"github.com/airheartdev/trackstore"
	"github.com/pkg/errors"
)

const (
	// GpsFixLength is the current encoded length of a GpsFix.
	GpsFixLength       = 28
	// gpsFixLegacyLength predates the accuracy field.
	gpsFixLegacyLength = 24

	// MaxAccuracyMeters bounds a plausible accuracy reading.
	MaxAccuracyMeters float32 = 100000
)

// GpsFix is one location sample.
type GpsFix struct {
	trackstore.RowMeta

	Time     int64 // Unix milliseconds.
	LatMicro int32
	LonMicro int32
	Altitude float64
	// Accuracy is the reported radius in meters; zero if unknown.
	Accuracy float32
}

var _ trackstore.Row = &GpsFix{}

func NewGpsFix() *GpsFix { return new(GpsFix) }

func (f *GpsFix) DataLength() int { return GpsFixLength }

func (f *GpsFix) Encode(b []byte) {
	putInt64(b[0:], f.Time)
	putInt32(b[8:], f.LatMicro)
	putInt32(b[12:], f.LonMicro)
	putFloat64(b[16:], f.Altitude)
	putFloat32(b[24:], f.Accuracy)
}

func (f *GpsFix) Decode(b []byte) error {
	if len(b) < gpsFixLegacyLength {
		return errors.Wrapf(ErrShortRecord, "gps fix of %d bytes", len(b))
	}
	f.Time = getInt64(b[0:])
	f.LatMicro = getInt32(b[8:])
	f.LonMicro = getInt32(b[12:])
	f.Altitude = getFloat64(b[16:])

	f.Accuracy = 0
	if len(b) >= GpsFixLength {
		f.Accuracy = saneFloat32(getFloat32(b[24:]), 0, MaxAccuracyMeters)
	}
	return nil
}

func (f *GpsFix) Latitude() float64 { return FromMicroDegrees(f.LatMicro) }
func (f *GpsFix) Longitude() float64 { return FromMicroDegrees(f.LonMicro) }
