// Package logging configures the control plane's structured logger and
// exposes a per-component constructor for each stateful component, the way
// internal/logger did for StreamSpace's own subsystems.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global base logger. Initialize sets its level and format;
// component constructors derive from it.
var Log zerolog.Logger

// Initialize configures the global logger. level is a zerolog level name
// ("debug", "info", "warn", "error"); pretty selects console output over
// JSON, matching LOG_PRETTY in config.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "osxfleet").Logger()
	Log.Info().Str("level", logLevel.String()).Bool("pretty", pretty).Msg("logger initialized")
}

func component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}

// JWT returns the JWT Provider's logger.
func JWT() *zerolog.Logger { l := component("jwt"); return &l }

// Registry returns the Agent Registry's logger.
func Registry() *zerolog.Logger { l := component("registry"); return &l }

// AccessController returns the Access Controller's logger.
func AccessController() *zerolog.Logger { l := component("access"); return &l }

// Registration returns the Registration Service's logger.
func Registration() *zerolog.Logger { l := component("registration"); return &l }

// Heartbeat returns the Heartbeat Monitor's logger.
func Heartbeat() *zerolog.Logger { l := component("heartbeat"); return &l }

// Distributor returns the Policy Distributor's logger.
func Distributor() *zerolog.Logger { l := component("distributor"); return &l }

// Compliance returns the Compliance Reporter's logger.
func Compliance() *zerolog.Logger { l := component("compliance"); return &l }

// HTTP returns the HTTP adapter's logger.
func HTTP() *zerolog.Logger { l := component("http"); return &l }

// AgentHub returns the websocket agent hub's logger.
func AgentHub() *zerolog.Logger { l := component("agenthub"); return &l }

func init() {
	// Sane default so packages used from tests without an explicit
	// Initialize() call still produce sensible output.
	Log = zerolog.New(os.Stderr).With().Timestamp().Str("service", "osxfleet").Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}
