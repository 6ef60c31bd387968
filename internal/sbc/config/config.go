// Package config loads the engine configuration from flags and
// environment variables. Environment variables override flags.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sebas/sbcengine/internal/sbc/media"
	"github.com/sebas/sbcengine/internal/sbc/sdputil"
)

// Config holds the engine configuration
type Config struct {
	// SIP settings
	Port     int
	BindAddr string
	LogLevel string

	// HTTP API / metrics listener
	APIPort int

	// Media settings
	RTPMode    string // direct, relay, transcode
	HoldMethod string // sendonly, inactive, zeroed

	// Session timers
	SessionTimeout time.Duration
	RTPTimeout     time.Duration
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{}

	flag.IntVar(&cfg.Port, "port", 5060, "SIP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.IntVar(&cfg.APIPort, "apiport", 8080, "HTTP API and metrics port")
	flag.StringVar(&cfg.RTPMode, "rtpmode", "relay", "Media mode (direct, relay, transcode)")
	flag.StringVar(&cfg.HoldMethod, "holdmethod", "sendonly", "Hold offer style (sendonly, inactive, zeroed)")
	flag.DurationVar(&cfg.SessionTimeout, "sessiontimeout", 4*time.Hour, "Maximum call duration")
	flag.DurationVar(&cfg.RTPTimeout, "rtptimeout", 5*time.Minute, "Media inactivity timeout")

	flag.Parse()

	// Override with environment variables if set
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if bind := os.Getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if loglevel := os.Getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if apiport := os.Getenv("APIPORT"); apiport != "" {
		if p, err := strconv.Atoi(apiport); err == nil {
			cfg.APIPort = p
		}
	}
	if mode := os.Getenv("RTPMODE"); mode != "" {
		cfg.RTPMode = mode
	}
	if hold := os.Getenv("HOLDMETHOD"); hold != "" {
		cfg.HoldMethod = hold
	}

	return cfg
}

// ParseRTPMode maps the configured mode name to a media mode,
// defaulting to relay.
func (c *Config) ParseRTPMode() media.Mode {
	switch strings.ToLower(strings.TrimSpace(c.RTPMode)) {
	case "direct":
		return media.ModeDirect
	case "transcode":
		return media.ModeTranscode
	default:
		return media.ModeRelay
	}
}

// ParseHoldMethod maps the configured hold style to an SDP hold method,
// defaulting to sendonly.
func (c *Config) ParseHoldMethod() sdputil.HoldMethod {
	switch strings.ToLower(strings.TrimSpace(c.HoldMethod)) {
	case "inactive":
		return sdputil.InactiveStream
	case "zeroed", "zeroedconnection":
		return sdputil.ZeroedConnection
	default:
		return sdputil.SendonlyStream
	}
}
