package trackstore

import "github.com/pkg/errors"

// ErrInvalidFix is returned for a pushed fix outside the valid coordinate
// ranges.
var ErrInvalidFix = errors.New("invalid fix")

type (
	PushRequest struct {
		ClientID string `json:"clientID"`
		Fixes    []Fix  `json:"fixes"`

		// Zone is the client's IANA time zone, if known.
		Zone string `json:"zone,omitempty"`
	}

	// PushResponse names the ids given to the pushed fixes, which are
	// contiguous.
	PushResponse struct {
		FirstID int64 `json:"firstID"`
		Count   int   `json:"count"`
	}

	// Fix is the wire form of a GPS fix.
	Fix struct {
		ID       int64   `json:"id"`
		Time     int64   `json:"time"`
		Lat      float64 `json:"lat"`
		Lon      float64 `json:"lon"`
		Alt      float64 `json:"alt"`
		Accuracy float32 `json:"acc,omitempty"`
	}
)

func (p *PushRequest) Validate() error {
	if p.ClientID == "" {
		return errors.Wrap(ErrInvalidFix, "missing clientID")
	}
	for i, f := range p.Fixes {
		if f.Lat < -90 || f.Lat > 90 || f.Lon < -180 || f.Lon > 180 {
			return errors.Wrapf(ErrInvalidFix, "fix %d at (%f, %f)", i, f.Lat, f.Lon)
		}
		if f.Accuracy < 0 {
			return errors.Wrapf(ErrInvalidFix, "fix %d accuracy %f", i, f.Accuracy)
		}
	}
	return nil
}
