package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/airheartdev/trackstore"
	"github.com/airheartdev/trackstore/crypt"
	"github.com/airheartdev/trackstore/memory"
	"github.com/airheartdev/trackstore/rows"
	"github.com/airheartdev/trackstore/timmy"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// backend commits the rows flushed from every cache as one unit.
type backend interface {
	Begin() error
	Commit() error
	Abort() error
	Close() error
}

// store holds one cache per row kind over a backend. Writes are serialized
// and commit all caches together. Pulls run concurrently, gated so that
// commits can pause them.
type store struct {
	mu   sync.Mutex
	gate *trackstore.ReadGate
	be   backend

	fixes     *trackstore.RowCache[*rows.GpsFix]
	zones     *trackstore.RowCache[*rows.TimeZoneMarker]
	locations *trackstore.RowCache[*rows.UserLocation]

	// Fixes below this id are committed and may be pulled.
	committed atomic.Int64
	lastZone  string
}

type accessors struct {
	fixes     trackstore.DatastoreAccessor[*rows.GpsFix]
	zones     trackstore.DatastoreAccessor[*rows.TimeZoneMarker]
	locations trackstore.DatastoreAccessor[*rows.UserLocation]
}

func newStore(be backend, gate *trackstore.ReadGate, acc accessors, capacity int) (*store, error) {
	var s = &store{gate: gate, be: be}
	var err error

	if s.fixes, err = trackstore.New[*rows.GpsFix](acc.fixes, rows.NewGpsFix,
		trackstore.WithCapacity(capacity), trackstore.WithName("fixes")); err != nil {
		return nil, err
	}
	if s.zones, err = trackstore.New[*rows.TimeZoneMarker](acc.zones, rows.NewTimeZoneMarker,
		trackstore.WithCapacity(capacity), trackstore.WithName("zones")); err != nil {
		return nil, err
	}
	if s.locations, err = trackstore.New[*rows.UserLocation](acc.locations, rows.NewUserLocation,
		trackstore.WithCapacity(capacity), trackstore.WithName("locations")); err != nil {
		return nil, err
	}
	if err = s.loadCommitted(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadCommitted reads the committed fix count and the last zone marker.
func (s *store) loadCommitted() error {
	s.committed.Store(s.fixes.NextRowID())
	s.lastZone = ""

	if n := s.zones.NextRowID(); n != 0 {
		last, err := s.zones.GetRow(n - 1)
		if err != nil {
			return errors.WithMessage(err, "reading last zone")
		}
		s.lastZone = last.Zone
	}
	return nil
}

// openTimmyStore opens a flat-file database in |dir| with tables for fixes,
// zone markers, and user locations. Rows are sealed by |transform|.
func openTimmyStore(ctx context.Context, fs afero.Fs, dir string, transform crypt.Transform, capacity int) (*store, error) {
	var gate = trackstore.NewReadGate()
	var db = timmy.NewDatabase(fs, dir, timmy.WithReaderPauser(gate))

	fixes, err := db.AddTable("fixes", timmy.RecordSizeFor(transform, rows.GpsFixLength))
	if err != nil {
		return nil, err
	}
	zones, err := db.AddTable("zones", timmy.RecordSizeFor(transform, rows.TimeZoneMarkerLength))
	if err != nil {
		return nil, err
	}
	// Locations are edited in place, so readers must never see one torn.
	locations, err := db.AddRollBackTable("locations", timmy.RecordSizeFor(transform, rows.UserLocationLength))
	if err != nil {
		return nil, err
	}
	if err = db.Open(ctx); err != nil {
		return nil, errors.WithMessagef(err, "opening database %s", dir)
	}

	s, err := newStore(&timmyBackend{db: db}, gate, accessors{
		fixes:     timmy.NewAccessor[*rows.GpsFix](fixes, transform),
		zones:     timmy.NewAccessor[*rows.TimeZoneMarker](zones, transform),
		locations: timmy.NewAccessor[*rows.UserLocation](locations, transform),
	}, capacity)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// openMemoryStore returns a store which keeps rows only in memory.
func openMemoryStore(capacity int) (*store, error) {
	var (
		fixes     = memory.NewTransaction[*rows.GpsFix](memory.New[*rows.GpsFix]())
		zones     = memory.NewTransaction[*rows.TimeZoneMarker](memory.New[*rows.TimeZoneMarker]())
		locations = memory.NewTransaction[*rows.UserLocation](memory.New[*rows.UserLocation](memory.WithSoftUpdates()))
	)
	return newStore(&memoryBackend{txns: []memoryTxn{fixes, zones, locations}}, trackstore.NewReadGate(), accessors{
		fixes:     fixes,
		zones:     zones,
		locations: locations,
	}, capacity)
}

// write runs |stage| to modify cached rows, then flushes and commits every
// cache. On failure, the caches are reset to the committed state.
func (s *store) write(stage func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err = stage()
	if err == nil {
		err = s.be.Begin()
		if err == nil {
			if err = s.flush(); err != nil {
				if abortErr := s.be.Abort(); abortErr != nil {
					err = multierror.Append(err, abortErr)
				}
			} else {
				err = s.be.Commit()
			}
		}
	}
	if err != nil {
		s.reset()
		return err
	}

	s.fixes.ClearDirtyRows()
	s.zones.ClearDirtyRows()
	s.locations.ClearDirtyRows()
	s.committed.Store(s.fixes.NextRowID())
	return nil
}

func (s *store) flush() error {
	if err := s.fixes.WriteDirtyRows(s.gate); err != nil {
		return err
	}
	if err := s.zones.WriteDirtyRows(s.gate); err != nil {
		return err
	}
	return s.locations.WriteDirtyRows(s.gate)
}

// reset drops every cached row. A failed commit may still have been
// recovered to completion, so committed state is re-read as well.
func (s *store) reset() {
	for _, c := range []interface{ Clear() error }{s.fixes, s.zones, s.locations} {
		if err := c.Clear(); err != nil {
			log.WithField("err", err).Error("resetting row cache")
		}
	}
	if err := s.loadCommitted(); err != nil {
		log.WithField("err", err).Error("reloading committed state")
	}
}

// push appends |pr|'s fixes, preceded by a zone marker if the client's zone
// changed.
func (s *store) push(pr *trackstore.PushRequest) (trackstore.PushResponse, error) {
	var resp = trackstore.PushResponse{Count: len(pr.Fixes)}
	var zone string

	var err = s.write(func() error {
		resp.FirstID = s.fixes.NextRowID()

		if pr.Zone != "" && pr.Zone != s.lastZone {
			var at = time.Now().UnixMilli()
			if len(pr.Fixes) != 0 {
				at = pr.Fixes[0].Time
			}
			zone = pr.Zone
			s.stageZone(zone, at)
		}
		for _, f := range pr.Fixes {
			var fix = s.fixes.NewRow()
			fix.Time = f.Time
			fix.LatMicro = rows.ToMicroDegrees(f.Lat)
			fix.LonMicro = rows.ToMicroDegrees(f.Lon)
			fix.Altitude = f.Alt
			fix.Accuracy = f.Accuracy
		}
		return nil
	})
	if err != nil {
		return resp, err
	}
	if zone != "" {
		s.lastZone = zone
	}
	return resp, nil
}

func (s *store) stageZone(zone string, at int64) {
	var m = s.zones.NewRow()
	m.Time = at
	m.Zone = zone

	if loc, err := time.LoadLocation(zone); err == nil {
		var t = time.UnixMilli(at).In(loc)
		_, offset := t.Zone()
		m.OffsetSeconds = int32(offset)
		m.DST = t.IsDST()
	} else {
		log.WithFields(log.Fields{"zone": zone, "err": err}).Warn("unknown time zone")
	}
}

// pull returns committed fixes from |pr|'s cookie onwards.
func (s *store) pull(pr *trackstore.PullRequest) (trackstore.PullResponse, error) {
	var resp = trackstore.PullResponse{Cookie: pr.Cookie, Fixes: []trackstore.Fix{}}
	var end = s.committed.Load()
	var limit = pr.EffectiveLimit()

	var err = s.gate.Read(func() error {
		for id := pr.Cookie; id < end && len(resp.Fixes) < limit; id++ {
			fix, err := s.fixes.GetRow(id)
			if err != nil {
				return err
			}
			resp.Fixes = append(resp.Fixes, trackstore.Fix{
				ID:       id,
				Time:     fix.Time,
				Lat:      fix.Latitude(),
				Lon:      fix.Longitude(),
				Alt:      fix.Altitude,
				Accuracy: fix.Accuracy,
			})
			resp.Cookie = id + 1
		}
		return nil
	})
	return resp, err
}

// location is the wire form of a rows.UserLocation.
type location struct {
	ID     *int64  `json:"id,omitempty"`
	Time   int64   `json:"time"`
	Name   string  `json:"name"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Radius float32 `json:"radius"`
}

// putLocation inserts |l|, or updates location *l.ID in place.
func (s *store) putLocation(l location) (int64, error) {
	var id int64
	var err = s.write(func() error {
		var row *rows.UserLocation
		if l.ID == nil {
			row = s.locations.NewRow()
		} else {
			var err error
			if row, err = s.locations.GetRow(*l.ID); err != nil {
				return err
			}
			s.locations.NotifyRowUpdated(row)
		}
		row.Time = l.Time
		row.Name = l.Name
		row.LatMicro = rows.ToMicroDegrees(l.Lat)
		row.LonMicro = rows.ToMicroDegrees(l.Lon)
		row.Radius = l.Radius
		id = row.ID()
		return nil
	})
	return id, err
}

// listLocations returns every location. It excludes writers, as locations
// are modified in place.
func (s *store) listLocations() ([]location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out = []location{}
	for id := int64(0); id < s.locations.NextRowID(); id++ {
		row, err := s.locations.GetRow(id)
		if err != nil {
			return nil, err
		}
		var rowID = id
		out = append(out, location{
			ID:     &rowID,
			Time:   row.Time,
			Name:   row.Name,
			Lat:    rows.FromMicroDegrees(row.LatMicro),
			Lon:    rows.FromMicroDegrees(row.LonMicro),
			Radius: row.Radius,
		})
	}
	return out, nil
}

// stats are logged at startup and shutdown.
type stats struct {
	fixes, zones, locations int64
	hits, misses            int64
}

func (s *store) stats() stats {
	return stats{
		fixes:     s.committed.Load(),
		zones:     s.zones.NextRowID(),
		locations: s.locations.NextRowID(),
		hits:      s.fixes.Hits() + s.zones.Hits() + s.locations.Hits(),
		misses:    s.fixes.Misses() + s.zones.Misses() + s.locations.Misses(),
	}
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.be.Close()
}

type timmyBackend struct {
	db *timmy.Database
}

func (b *timmyBackend) Begin() error { return b.db.BeginTransaction() }

func (b *timmyBackend) Commit() error {
	b.db.SetTransactionSuccessful()
	var err = b.db.EndTransaction()

	// A commit which failed once its journals went live closed the
	// database. Reopening completes or rolls back the commit.
	if err != nil && !b.db.IsOpen() {
		if openErr := b.db.Open(context.Background()); openErr != nil {
			err = multierror.Append(err, openErr)
		}
	}
	return err
}

func (b *timmyBackend) Abort() error { return b.db.EndTransaction() }
func (b *timmyBackend) Close() error { return b.db.Close() }

type memoryTxn interface {
	Flush() error
	Discard()
}

type memoryBackend struct {
	txns []memoryTxn
}

func (b *memoryBackend) Begin() error { return nil }

func (b *memoryBackend) Commit() error {
	var result *multierror.Error
	for _, txn := range b.txns {
		if err := txn.Flush(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (b *memoryBackend) Abort() error {
	for _, txn := range b.txns {
		txn.Discard()
	}
	return nil
}

func (b *memoryBackend) Close() error { return nil }
