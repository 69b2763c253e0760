package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/airheartdev/trackstore"
	"github.com/airheartdev/trackstore/rows"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/r3labs/sse/v2"
	log "github.com/sirupsen/logrus"
)

const (
	locationsEndpoint = "/locations"
	eventsEndpoint    = "/events"
	metricsEndpoint   = "/metrics"

	// pointsStream notifies subscribers that new fixes may be pulled.
	pointsStream = "points"
)

var errInvalidLocation = errors.New("invalid location")

// newRouter serves |s| over HTTP. Commits are announced on |events|.
func newRouter(s *store, events *sse.Server, token string) http.Handler {
	var authFn trackstore.AuthFn
	if token != "" {
		authFn = func(ctx context.Context, auth string) bool { return auth == token }
	}
	var endpoints = trackstore.NewEndpoints(trackstore.WithAuth(authFn))

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  func(r *http.Request, origin string) bool { return true },
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", trackstore.RequestIDHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	router.Get(eventsEndpoint, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Access-Control-Allow-Origin", "*")
		events.ServeHTTP(w, r)
	})
	router.Handle(metricsEndpoint, promhttp.Handler())

	router.Post(trackstore.DefaultPushEndpoint, endpoints.HandlePush(func(pr *trackstore.PushRequest) (trackstore.PushResponse, error) {
		resp, err := s.push(pr)
		if err == nil && resp.Count != 0 {
			events.Publish(pointsStream, &sse.Event{Data: []byte("push")})
		}
		return resp, err
	}))
	router.Post(trackstore.DefaultPullEndpoint, endpoints.HandlePull(s.pull))

	router.Group(func(r chi.Router) {
		r.Use(requireToken(token))
		r.Get(locationsEndpoint, func(w http.ResponseWriter, r *http.Request) {
			out, err := s.listLocations()
			if err != nil {
				log.WithField("err", err).Warn("listing locations failed")
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			writeJSON(w, out)
		})
		r.Put(locationsEndpoint, func(w http.ResponseWriter, r *http.Request) {
			var l location
			if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if err := l.validate(); err != nil {
				log.WithField("err", err).Info("rejected location")
				w.WriteHeader(http.StatusBadRequest)
				return
			}

			id, err := s.putLocation(l)
			if errors.Is(err, trackstore.ErrRowNotFound) {
				w.WriteHeader(http.StatusNotFound)
				return
			} else if err != nil {
				log.WithFields(log.Fields{"name": l.Name, "err": err}).Warn("saving location failed")
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			l.ID = &id
			writeJSON(w, l)
		})
	})
	return router
}

func (l *location) validate() error {
	switch {
	case len(l.Name) > rows.UserLocationNameLength:
		return errors.Wrapf(errInvalidLocation, "name of %d bytes", len(l.Name))
	case l.Lat < -90 || l.Lat > 90 || l.Lon < -180 || l.Lon > 180:
		return errors.Wrapf(errInvalidLocation, "coordinate (%f, %f)", l.Lat, l.Lon)
	case l.Radius < 0 || l.Radius > rows.MaxRadiusMeters:
		return errors.Wrapf(errInvalidLocation, "radius %f", l.Radius)
	case l.ID != nil && *l.ID < 0:
		return errors.Wrapf(errInvalidLocation, "id %d", *l.ID)
	}
	if l.Radius == 0 {
		l.Radius = rows.DefaultRadiusMeters
	}
	return nil
}

// requireToken rejects requests whose Authorization header isn't |token|.
// An empty |token| admits every request.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && r.Header.Get("Authorization") != token {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("err", err).Warn("writing response failed")
	}
}
