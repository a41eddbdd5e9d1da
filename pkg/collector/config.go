package collector

import (
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/procbeat/pkg/wire"
)

const (
	// defaultStalenessWindow is the maximum gap a client may leave between
	// signals before it is reported. Clients should send well below this
	// rate: a client interval close to the window turns ordinary
	// scheduling jitter and lost datagrams into false alerts.
	defaultStalenessWindow = 10 * time.Second

	defaultAlertWorkers = 4

	defaultAlertQueueHint = 64
)

// Config carries the collector's construction-time options.
type Config struct {
	// StalenessWindow is the alert threshold; see defaultStalenessWindow.
	StalenessWindow time.Duration

	// ReadTimeout bounds each wait of the event loop. Defaults to the
	// staleness window.
	ReadTimeout time.Duration

	// ReadBufferSize is the largest accepted datagram. Defaults to the
	// register frame size, the biggest frame the protocol defines.
	ReadBufferSize int

	// BindPath is the endpoint's filesystem path; empty means an
	// auto-generated one.
	BindPath string

	// Notifier receives missed-heartbeat alerts. Defaults to LogNotifier.
	Notifier Notifier

	// AlertWorkers sizes the pool delivering alerts off the event loop.
	AlertWorkers int

	// Verbose emits an info line for every lifecycle event.
	Verbose bool

	// Meter and Tracer plug the collector into an OpenTelemetry pipeline.
	// Both default to no-ops.
	Meter  metric.Meter
	Tracer trace.Tracer
}

// DefaultConfig returns the collector defaults.
func DefaultConfig() *Config {
	return &Config{
		StalenessWindow: defaultStalenessWindow,
		ReadTimeout:     defaultStalenessWindow,
		ReadBufferSize:  wire.RegisterFrameSize,
		AlertWorkers:    defaultAlertWorkers,
	}
}

// VerifyConfig checks conf for values the collector cannot run with.
func VerifyConfig(conf *Config) error {
	if conf == nil {
		return errors.New("config is nil")
	}
	if conf.StalenessWindow <= 0 {
		return fmt.Errorf("staleness window %v, must be positive", conf.StalenessWindow)
	}
	if conf.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout %v, must be positive", conf.ReadTimeout)
	}
	if conf.ReadBufferSize < wire.HeartbeatFrameSize {
		return fmt.Errorf("read buffer size %d, below the smallest frame (%d)",
			conf.ReadBufferSize, wire.HeartbeatFrameSize)
	}
	if conf.AlertWorkers <= 0 {
		return fmt.Errorf("alert workers %d, must be positive", conf.AlertWorkers)
	}
	return nil
}
