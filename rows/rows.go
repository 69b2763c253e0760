// Package rows defines the fixed-layout records the tracker persists. Every
// layout is big endian at fixed offsets. Layouts only ever grow at the end, so
// a record written by an older version decodes with its missing trailing
// fields defaulted.
package rows

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ErrShortRecord is returned when a record is too short for even the oldest
// layout of its kind.
var ErrShortRecord = errors.New("record shorter than minimum layout")

const microDegrees = 1e6

// ToMicroDegrees converts degrees to the int32 micro-degree representation.
func ToMicroDegrees(deg float64) int32 { return int32(math.Round(deg * microDegrees)) }

// FromMicroDegrees converts micro-degrees back to degrees.
func FromMicroDegrees(micro int32) float64 { return float64(micro) / microDegrees }

func putInt64(b []byte, v int64) { binary.BigEndian.PutUint64(b, uint64(v)) }
func putInt32(b []byte, v int32) { binary.BigEndian.PutUint32(b, uint32(v)) }
func putFloat64(b []byte, v float64) { binary.BigEndian.PutUint64(b, math.Float64bits(v)) }
func putFloat32(b []byte, v float32) { binary.BigEndian.PutUint32(b, math.Float32bits(v)) }

func getInt64(b []byte) int64 { return int64(binary.BigEndian.Uint64(b)) }
func getInt32(b []byte) int32 { return int32(binary.BigEndian.Uint32(b)) }
func getFloat64(b []byte) float64 { return math.Float64frombits(binary.BigEndian.Uint64(b)) }
func getFloat32(b []byte) float32 { return math.Float32frombits(binary.BigEndian.Uint32(b)) }

// putString writes |s| NUL-padded into |b|, truncating if it doesn't fit.
func putString(b []byte, s string) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

// getString reads a NUL-terminated (or field-length) string from |b|.
func getString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// saneFloat32 returns |v| if it's finite and within [lo, hi], else zero.
// Bytes past the end of a legacy record may hold leftover garbage.
func saneFloat32(v, lo, hi float32) float32 {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) || v < lo || v > hi {
		return 0
	}
	return v
}
