package main

import (
	log "github.com/sirupsen/logrus"
)

const iniFilename = "trackstore.ini"

// Config is the top-level configuration of the point server.
var Config = new(struct {
	Store storeConfig `group:"Store" namespace:"store" env-namespace:"STORE"`

	HTTP struct {
		Addr  string `long:"addr" env:"ADDR" default:"127.0.0.1:1234" description:"Address to serve HTTP on"`
		Token string `long:"token" env:"TOKEN" description:"Authorization header required of push and pull requests. Unchecked if empty"`
	} `group:"HTTP" namespace:"http" env-namespace:"HTTP"`

	Log logConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

type storeConfig struct {
	Backend  string `long:"backend" env:"BACKEND" default:"timmy" choice:"timmy" choice:"memory" description:"Row store backend"`
	Dir      string `long:"dir" env:"DIR" default:"trackstore-data" description:"Directory of the flat-file database"`
	KeyFile  string `long:"key-file" env:"KEY_FILE" description:"File holding the 32 byte row encryption key. Rows are stored unencrypted if empty"`
	Capacity int    `long:"capacity" env:"CAPACITY" default:"1024" description:"Rows held by each row cache"`
}

// logConfig configures handling of application log events.
type logConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// initLog configures the logger.
func initLog(cfg logConfig) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{})
	} else if cfg.Format == "color" {
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}
