// Package server provides a reusable Unix datagram socket engine: bind and
// cleanup lifecycle, a readiness-driven event loop, and a cooperative
// two-phase shutdown handshake. Protocol semantics are injected through the
// PacketHandler and Ticker hooks; the engine runs usefully with both absent.
package server

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srediag/procbeat/internal/logging"
	"github.com/srediag/procbeat/internal/sockpath"
)

// ErrBind reports a fatal construction-time failure to own the endpoint:
// unusable scratch directory, or a path that cannot be bound.
var ErrBind = errors.New("procbeat: bind failure")

// PacketHandler receives every datagram read by the event loop. It runs on
// the loop goroutine; data is only valid for the duration of the call.
type PacketHandler interface {
	HandlePacket(data []byte, from net.Addr)
}

// Ticker runs once per loop iteration, after any packet handled in the
// same iteration and never concurrently with it.
type Ticker interface {
	Tick(now time.Time)
}

// Config carries the engine's construction-time options.
type Config struct {
	// BindPath is the socket's local address. Empty means a synthesized
	// path under the shared scratch directory.
	BindPath string

	// ReadTimeout bounds each wait for readability, and therefore the
	// latency of observing a shutdown request and the cadence of Ticker.
	ReadTimeout time.Duration

	// ReadBufferSize is the fixed upper bound of one datagram read.
	ReadBufferSize int

	Handler PacketHandler
	Ticker  Ticker

	// Verbose emits an info line for every lifecycle event.
	Verbose bool
}

const (
	defaultReadTimeout    = 10 * time.Second
	defaultReadBufferSize = 26
)

// DefaultConfig returns the engine defaults. Both hooks are left nil.
func DefaultConfig() *Config {
	return &Config{
		ReadTimeout:    defaultReadTimeout,
		ReadBufferSize: defaultReadBufferSize,
	}
}

// VerifyConfig checks conf for values the engine cannot run with.
func VerifyConfig(conf *Config) error {
	if conf == nil {
		return errors.New("config is nil")
	}
	if conf.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout %v, must be positive", conf.ReadTimeout)
	}
	if conf.ReadBufferSize <= 0 {
		return fmt.Errorf("read buffer size %d, must be positive", conf.ReadBufferSize)
	}
	return nil
}

// Server owns one bound Unix datagram endpoint and its filesystem path for
// the instance lifetime. Exactly two goroutines are meaningful: the one
// running Serve and at most one controller calling Shutdown.
type Server struct {
	conf *Config
	conn *net.UnixConn
	path string

	serving  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}

	releaseOnce sync.Once
	releaseErr  error
}

// New binds a datagram endpoint per conf. Binding failures are fatal at
// construction; a stale socket file at the target path is unlinked first.
func New(conf *Config) (*Server, error) {
	if err := VerifyConfig(conf); err != nil {
		return nil, err
	}

	path := conf.BindPath
	if path == "" {
		var err error
		if path, err = sockpath.Random(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBind, err)
		}
	} else if err := sockpath.Writable(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBind, err)
	}

	if sockpath.Exists(path) {
		// Unlink before binding, the way syslogd reclaims its socket.
		sockpath.SafeRemove(path)
	}

	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrBind, path, err)
	}

	s := &Server{
		conf: conf,
		conn: conn,
		path: path,
		done: make(chan struct{}),
	}
	if conf.Verbose {
		logging.Default.Infof("server bound | %s", path)
	}
	return s, nil
}

// Path returns the socket's local address.
func (s *Server) Path() string {
	return s.path
}

// Serve runs the event loop until a shutdown request or a transport error.
// Must run on its own goroutine; on exit it wakes any goroutine blocked in
// Shutdown.
func (s *Server) Serve() {
	s.serving.Store(true)
	defer close(s.done)

	buf := make([]byte, s.conf.ReadBufferSize)
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.conf.ReadTimeout))
		n, from, err := s.conn.ReadFromUnix(buf)

		if s.stopping.Load() {
			return
		}

		if err != nil {
			var ne net.Error
			if !(errors.As(err, &ne) && ne.Timeout()) {
				// Transport errors are not retried; the loop ends and
				// Shutdown releases the endpoint.
				logging.Default.Warnf("server read failed, leaving loop | %s | %v", s.path, err)
				return
			}
		} else if s.conf.Handler != nil {
			s.conf.Handler.HandlePacket(buf[:n], from)
		}

		if s.conf.Ticker != nil {
			s.conf.Ticker.Tick(time.Now())
		}
	}
}

// Shutdown requests the event loop to stop, blocks until it has exited,
// then releases the endpoint and removes the bound path. It must be called
// from a different goroutine than Serve. Calling it again is a no-op.
func (s *Server) Shutdown() error {
	s.stopping.Store(true)
	if s.serving.Load() {
		<-s.done
	}
	return s.release()
}

func (s *Server) release() error {
	s.releaseOnce.Do(func() {
		s.releaseErr = s.conn.Close()
		sockpath.SafeRemove(s.path)
		if s.conf.Verbose {
			logging.Default.Infof("server released | %s", s.path)
		}
	})
	return s.releaseErr
}
