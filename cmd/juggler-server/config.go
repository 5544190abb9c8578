package main

import (
	"io"
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Static defines the configuration options for serving the UI files
// alongside the websocket endpoint.
type Static struct {
	Dir   string `yaml:"dir"`
	Index string `yaml:"index"`
}

// State defines the configuration options for the demo state
// published to the clients.
type State struct {
	Shared      bool          `yaml:"shared"`
	ClockPeriod time.Duration `yaml:"clock_period"`
}

// Server defines the juggler server configuration options.
type Server struct {
	// HTTP server configuration for the websocket handshake/upgrade
	Addr               string        `yaml:"addr"`
	Paths              []string      `yaml:"paths"`
	MaxHeaderBytes     int           `yaml:"max_header_bytes"`
	ReadBufferSize     int           `yaml:"read_buffer_size"`
	WriteBufferSize    int           `yaml:"write_buffer_size"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WhitelistedOrigins []string      `yaml:"whitelisted_origins"`

	// websocket/juggler configuration
	ReadLimit               int64         `yaml:"read_limit"`
	ReadTimeout             time.Duration `yaml:"read_timeout"`
	WriteLimit              int64         `yaml:"write_limit"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	AcquireWriteLockTimeout time.Duration `yaml:"acquire_write_lock_timeout"`
	MaxSegmentSize          int           `yaml:"max_segment_size"`
	PingDelay               time.Duration `yaml:"ping_delay"`
	PingTimeout             time.Duration `yaml:"ping_timeout"`
	AutoflushDelay          time.Duration `yaml:"autoflush_delay"`
	ParallelRequests        bool          `yaml:"parallel_requests"`
	SlowRequestThreshold    time.Duration `yaml:"slow_request_threshold"`

	// handler options
	CloseName string `yaml:"close_name"`
	PanicName string `yaml:"panic_name"`
}

// Config defines the configuration options of the server.
type Config struct {
	Server *Server `yaml:"server"`
	Static *Static `yaml:"static"`
	State  *State  `yaml:"state"`
}

func getDefaultConfig() *Config {
	return &Config{
		Server: &Server{
			Addr:        ":" + strconv.Itoa(*portFlag),
			Paths:       []string{"/ws"},
			PingDelay:   30 * time.Second,
			PingTimeout: 30 * time.Second,
		},
		Static: &Static{
			Dir:   *staticDirFlag,
			Index: "index.html",
		},
		State: &State{
			ClockPeriod: time.Second,
		},
	}
}

func getConfigFromReader(r io.Reader) (*Config, error) {
	conf := getDefaultConfig()

	// set default values
	if r != nil {
		b, err := ioutil.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, conf); err != nil {
			return nil, err
		}
	}
	return conf, nil
}

func getConfigFromFile(file string) (*Config, error) {
	var r io.Reader
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		r = f
	}
	return getConfigFromReader(r)
}
