package trackstore

import (
	"context"
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"
)

const DefaultPushEndpoint = "/points-push"
const DefaultPullEndpoint = "/points-pull"
const applicationJSON = "application/json"
const RequestIDHeader = "X-Trackstore-RequestID"
const authorizationHeader = "Authorization"

// AuthFn reports whether |token|, the request's Authorization header, may
// push or pull points.
type AuthFn func(ctx context.Context, token string) bool

// Endpoints serves point push and pull requests. The app supplies the
// functions which move fixes in and out of its caches.
type Endpoints struct {
	options *Options
}

func NewEndpoints(options ...Option) *Endpoints {
	opts := defaultOptions()
	for _, option := range options {
		option(opts)
	}
	if opts.log == nil {
		opts.log = log.NewEntry(log.StandardLogger())
	}
	return &Endpoints{options: opts}
}

func (e *Endpoints) HandlePush(fn func(pr *PushRequest) (PushResponse, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !validateRequest(w, req, e.options.authFn) {
			return
		}

		push := new(PushRequest)
		err := json.NewDecoder(req.Body).Decode(push)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err = push.Validate(); err != nil {
			e.options.log.WithFields(log.Fields{
				"client": push.ClientID,
				"err":    err,
			}).Info("rejected push")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		resp, err := fn(push)
		if err != nil {
			e.options.log.WithFields(log.Fields{
				"client": push.ClientID,
				"fixes":  len(push.Fixes),
				"err":    err,
			}).Warn("push failed")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, resp)
	}
}

func (e *Endpoints) HandlePull(fn func(pr *PullRequest) (PullResponse, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !validateRequest(w, req, e.options.authFn) {
			return
		}

		pull := new(PullRequest)
		err := json.NewDecoder(req.Body).Decode(pull)
		if err != nil || pull.Cookie < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		resp, err := fn(pull)
		if err != nil {
			e.options.log.WithFields(log.Fields{
				"client": pull.ClientID,
				"cookie": pull.Cookie,
				"err":    err,
			}).Warn("pull failed")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, resp)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", applicationJSON)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func validateRequest(w http.ResponseWriter, r *http.Request, authFn AuthFn) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}

	if r.Header.Get("Content-Type") != applicationJSON {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}

	if requestID := r.Header.Get(RequestIDHeader); requestID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}

	if authFn != nil {
		auth := r.Header.Get(authorizationHeader)
		if !authFn(r.Context(), auth) {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
	}

	return true
}
