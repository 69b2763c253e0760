package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/airheartdev/trackstore/crypt"
	"github.com/airheartdev/trackstore/metrics"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/r3labs/sse/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// shutdownTimeout bounds the wait for in-flight requests at exit.
const shutdownTimeout = 10 * time.Second

type serveCmd struct{}

func (serveCmd) Execute(args []string) error {
	initLog(Config.Log)
	log.WithField("config", Config).Info("starting point server")
	prometheus.MustRegister(metrics.Collectors()...)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	// A signal during a long recovery cancels the open.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-signalCh
		cancel()
	}()

	s, err := openStore(ctx, afero.NewOsFs(), Config.Store)
	if err != nil {
		return err
	}
	logStats(s, "opened store")

	var events = sse.New()
	events.AutoReplay = false
	events.CreateStream(pointsStream)
	defer events.Close()

	var srv = &http.Server{
		Addr:    Config.HTTP.Addr,
		Handler: newRouter(s, events, Config.HTTP.Token),
	}
	var serveErr = make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	log.WithField("addr", Config.HTTP.Addr).Info("listening")

	select {
	case err = <-serveErr:
	case <-ctx.Done():
		var shutdownCtx, shutdownCancel = context.WithTimeout(context.Background(), shutdownTimeout)
		err = srv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	logStats(s, "closing store")
	if closeErr := s.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err == http.ErrServerClosed {
		err = nil
	}
	log.Info("goodbye")
	return err
}

// openStore opens the configured backend.
func openStore(ctx context.Context, fs afero.Fs, cfg storeConfig) (*store, error) {
	if cfg.Backend == "memory" {
		return openMemoryStore(cfg.Capacity)
	}

	var transform crypt.Transform = crypt.Plain{}
	if cfg.KeyFile != "" {
		key, err := afero.ReadFile(fs, cfg.KeyFile)
		if err != nil {
			return nil, errors.WithMessage(err, "reading key file")
		}
		if transform, err = crypt.NewXChaCha(key); err != nil {
			return nil, err
		}
	}
	return openTimmyStore(ctx, fs, cfg.Dir, transform, cfg.Capacity)
}

func logStats(s *store, msg string) {
	var st = s.stats()
	var fields = log.Fields{
		"fixes":     humanize.Comma(st.fixes),
		"zones":     humanize.Comma(st.zones),
		"locations": humanize.Comma(st.locations),
		"hits":      humanize.Comma(st.hits),
		"misses":    humanize.Comma(st.misses),
	}
	if Config.Store.Backend == "timmy" {
		fields["size"] = humanize.IBytes(dirSize(Config.Store.Dir))
	}
	log.WithFields(fields).Info(msg)
}

func dirSize(dir string) uint64 {
	var total uint64
	_ = afero.Walk(afero.NewOsFs(), dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve GPS points over HTTP", `
Serve pushes and pulls of GPS fixes, and edits of saved locations, until
signaled to exit (via SIGTERM or SIGINT). An interrupted commit is recovered
when the store is next opened.
`, &serveCmd{})

	_, _ = parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+iniFilename+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})

	mustParseConfig(parser, iniFilename)
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	var ini = flags.NewIniParser(p.Parser)
	ini.Write(os.Stdout, flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}

// mustParseConfig parses an optional INI file in the working directory,
// then environment bindings and flags.
func mustParseConfig(parser *flags.Parser, configName string) {
	// Allow unknown options while parsing an INI file.
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	if err := flags.NewIniParser(parser).ParseFile(configName); err != nil && !os.IsNotExist(err) {
		fmt.Println(err)
		os.Exit(1)
	}
	parser.Options = origOptions

	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrCommandRequired {
			os.Stderr.WriteString("\n")
			parser.WriteHelp(os.Stderr)
		} else if !ok {
			log.WithField("err", err).Error("fatal error")
		}
		os.Exit(1)
	}
}
