package main

import (
	"net/http"
	"os"
	"time"

	"github.com/panyam/sockshare/share"
	"github.com/panyam/sockshare/wsock"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config is the wsshare YAML file.
type Config struct {
	Listen    string          `yaml:"listen"`
	LogLevel  string          `yaml:"logLevel"`
	Transport TransportConfig `yaml:"transport"`
	Targets   []Target        `yaml:"targets"`
}

type TransportConfig struct {
	PingPeriod time.Duration `yaml:"pingPeriod"`
	PongPeriod time.Duration `yaml:"pongPeriod"`
	ReadLimit  int64         `yaml:"readLimit"`

	// DialRate limits dials per second across all targets. Zero disables
	// the limit.
	DialRate  float64 `yaml:"dialRate"`
	DialBurst int     `yaml:"dialBurst"`
}

// Target is one URL watched by Consumers independent consumers.
type Target struct {
	URL               string            `yaml:"url"`
	Consumers         int               `yaml:"consumers"`
	Share             bool              `yaml:"share"`
	SocketIO          bool              `yaml:"socketio"`
	Protocols         []string          `yaml:"protocols"`
	Headers           map[string]string `yaml:"headers"`
	Query             map[string]string `yaml:"query"`
	ReconnectInterval time.Duration     `yaml:"reconnectInterval"`
	ReconnectAttempts int               `yaml:"reconnectAttempts"`
	RetryOnError      bool              `yaml:"retryOnError"`

	// Send is written by every consumer once it is created; it is queued
	// until the socket opens.
	Send []string `yaml:"send"`
}

// DefaultConfig returns a Config with sensible defaults:
//   - Listen: ":8090"
//   - LogLevel: "info"
//   - Transport: wsock.DefaultConfig timings, no dial limit
func DefaultConfig() *Config {
	wc := wsock.DefaultConfig()
	return &Config{
		Listen:   ":8090",
		LogLevel: "info",
		Transport: TransportConfig{
			PingPeriod: wc.PingPeriod,
			PongPeriod: wc.PongPeriod,
		},
	}
}

// LoadConfig reads path over the defaults. An empty path returns the
// defaults.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	return c, nil
}

// flagValues are the command line overrides. Only flags that were set win
// over the file.
type flagValues struct {
	config    string
	listen    string
	logLevel  string
	urls      []string
	consumers int
	share     bool
	socketIO  bool
	dialRate  float64
}

func bindFlags(fs *pflag.FlagSet, f *flagValues) {
	fs.StringVarP(&f.config, "config", "c", "", "YAML config file")
	fs.StringVar(&f.listen, "listen", "", "address for /status and /metrics")
	fs.StringVar(&f.logLevel, "log-level", "", "zerolog level (debug, info, warn, error)")
	fs.StringSliceVarP(&f.urls, "url", "u", nil, "websocket URL to watch, repeatable")
	fs.IntVarP(&f.consumers, "consumers", "n", 1, "consumers per --url")
	fs.BoolVar(&f.share, "share", false, "share one socket per --url")
	fs.BoolVar(&f.socketIO, "socketio", false, "treat --url as a Socket.IO endpoint")
	fs.Float64Var(&f.dialRate, "dial-rate", 0, "max dials per second, 0 for no limit")
}

func (f *flagValues) apply(fs *pflag.FlagSet, c *Config) {
	if fs.Changed("listen") {
		c.Listen = f.listen
	}
	if fs.Changed("log-level") {
		c.LogLevel = f.logLevel
	}
	if fs.Changed("dial-rate") {
		c.Transport.DialRate = f.dialRate
	}
	for _, url := range f.urls {
		c.Targets = append(c.Targets, Target{
			URL:       url,
			Consumers: f.consumers,
			Share:     f.share,
			SocketIO:  f.socketIO,
		})
	}
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return errors.New("no targets: pass --url or list targets in the config file")
	}
	for i, t := range c.Targets {
		if t.URL == "" {
			return errors.Errorf("target %d has no url", i)
		}
		if t.Consumers < 0 {
			return errors.Errorf("target %s: consumers must not be negative", t.URL)
		}
	}
	return nil
}

func (tc TransportConfig) wsock() *wsock.Config {
	c := wsock.DefaultConfig()
	c.PingPeriod = tc.PingPeriod
	c.PongPeriod = tc.PongPeriod
	c.ReadLimit = tc.ReadLimit
	return c
}

func (tc TransportConfig) limiter() *rate.Limiter {
	if tc.DialRate <= 0 {
		return nil
	}
	burst := tc.DialBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(tc.DialRate), burst)
}

func (t Target) options() share.Options {
	opts := share.Options{
		Share:             t.Share,
		FromSocketIO:      t.SocketIO,
		Protocols:         t.Protocols,
		ReconnectInterval: t.ReconnectInterval,
		ReconnectAttempts: t.ReconnectAttempts,
		RetryOnError:      t.RetryOnError,
	}
	if len(t.Headers) > 0 {
		opts.Header = http.Header{}
		for k, v := range t.Headers {
			opts.Header.Set(k, v)
		}
	}
	if len(t.Query) > 0 {
		opts.QueryParams = make(map[string]any, len(t.Query))
		for k, v := range t.Query {
			opts.QueryParams[k] = v
		}
	}
	return opts
}

func (t Target) consumers() int {
	if t.Consumers <= 0 {
		return 1
	}
	return t.Consumers
}
