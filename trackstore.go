package trackstore

import (
	log "github.com/sirupsen/logrus"
)

// DefaultCapacity is the eviction ring size used when WithCapacity is not given.
const DefaultCapacity = 256

type (
	Options struct {
		capacity int
		name     string
		log      *log.Entry
		authFn   AuthFn
	}

	Option func(o *Options)
)

func defaultOptions() *Options {
	return &Options{
		capacity: DefaultCapacity,
		name:     "rows",
	}
}

// WithCapacity fixes the size of the cache's eviction ring.
func WithCapacity(n int) Option {
	return func(o *Options) {
		o.capacity = n
	}
}

// WithName labels the cache in logs and metrics.
func WithName(name string) Option {
	return func(o *Options) {
		o.name = name
	}
}

func WithLogger(entry *log.Entry) Option {
	return func(o *Options) {
		o.log = entry
	}
}

// WithAuth checks the Authorization header of push and pull requests.
func WithAuth(fn AuthFn) Option {
	return func(o *Options) {
		o.authFn = fn
	}
}
