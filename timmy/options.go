package timmy

import (
	"path/filepath"
	"strings"

	"github.com/airheartdev/trackstore"
	log "github.com/sirupsen/logrus"
)

type (
	Options struct {
		pauser trackstore.ReaderPauser
		log    *log.Entry
	}

	Option func(o *Options)
)

func buildOptions(options []Option) *Options {
	var opts = &Options{pauser: trackstore.NopPauser()}
	for _, option := range options {
		option(opts)
	}
	if opts.pauser == nil {
		opts.pauser = trackstore.NopPauser()
	}
	if opts.log == nil {
		opts.log = log.NewEntry(log.StandardLogger())
	}
	return opts
}

// WithReaderPauser pauses readers around each record replayed in stage 2.
func WithReaderPauser(p trackstore.ReaderPauser) Option {
	return func(o *Options) {
		o.pauser = p
	}
}

func WithLogger(entry *log.Entry) Option {
	return func(o *Options) {
		o.log = entry
	}
}

func tableName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), tableSuffix)
}
