// Package logger holds the process-wide zerolog instance and the
// per-component child loggers used across the control plane and worker.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide logger. Library and test use get a working
// default; Initialize reconfigures it from the environment at startup.
var Log = log.With().Str("service", "moltagent").Logger()

// Initialize reconfigures the global logger. An unparseable level falls
// back to info. Console output is for interactive terminals; the default
// JSON stream is what collectors ingest.
func Initialize(level string, console bool) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	base := log.Logger
	if console {
		base = base.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}
	Log = base.With().Str("service", "moltagent").Logger()

	Log.Info().Str("level", parsed.String()).Bool("console", console).Msg("Logger ready")
}

// component returns a child logger tagged with the owning subsystem.
func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// ControlPlane logs control-plane session events.
func ControlPlane() *zerolog.Logger { return component("control-plane") }

// Bridge logs worker-bridge events.
func Bridge() *zerolog.Logger { return component("bridge") }

// Fleet logs fleet-registry events.
func Fleet() *zerolog.Logger { return component("fleet") }

// Approvals logs approval-queue events.
func Approvals() *zerolog.Logger { return component("approvals") }

// Provisioner logs provisioning events.
func Provisioner() *zerolog.Logger { return component("provisioner") }

// Worker logs worker-runtime events.
func Worker() *zerolog.Logger { return component("worker") }

// HTTP logs management-surface request handling.
func HTTP() *zerolog.Logger { return component("http") }
