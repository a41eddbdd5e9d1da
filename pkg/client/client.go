// Package client implements the heartbeat client: it announces itself with
// a Register packet, then periodically reports liveness to a collector
// endpoint until shut down, when it sends a Deregister and disconnects.
package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/procbeat/internal/logging"
	"github.com/srediag/procbeat/pkg/wire"
)

var (
	ErrAlreadyRunning = errors.New("procbeat: client already running")
	ErrNotRunning     = errors.New("procbeat: client not running")
)

const (
	// defaultInterval must stay materially below the collector's
	// staleness window, otherwise ordinary scheduling jitter or a single
	// lost datagram produces a false alert.
	defaultInterval = 5 * time.Second

	defaultDialRetries = 4
)

// Config carries the client's construction-time options.
type Config struct {
	// Destination is the collector endpoint's filesystem path.
	Destination string

	// Identifier is the label announced at registration, at most 12 bytes
	// of UTF-8. Empty means the client's own pid rendered as a string.
	Identifier string

	// Interval between heartbeats; see defaultInterval.
	Interval time.Duration

	// DialRetries bounds the exponential-backoff connect attempts beyond
	// the first one.
	DialRetries uint64

	// Verbose emits an info line for every lifecycle event.
	Verbose bool
}

// Client periodically transmits heartbeat packets to one collector.
// Exactly two goroutines are meaningful: the one running Run and at most
// one controller calling Shutdown.
type Client struct {
	conf *Config
	pid  int32
	conn *net.UnixConn

	running  atomic.Bool
	stopping atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

// New validates conf eagerly: an oversized identifier fails here, before
// any packet exists.
func New(conf *Config) (*Client, error) {
	if conf == nil {
		return nil, errors.New("procbeat: client config is nil")
	}
	if conf.Destination == "" {
		return nil, errors.New("procbeat: client destination is empty")
	}
	if conf.Interval <= 0 {
		conf.Interval = defaultInterval
	}
	if conf.DialRetries == 0 {
		conf.DialRetries = defaultDialRetries
	}

	pid := int32(os.Getpid())
	if conf.Identifier == "" {
		conf.Identifier = strconv.Itoa(int(pid))
	}
	if err := wire.ValidateIdentifier(conf.Identifier); err != nil {
		return nil, err
	}

	return &Client{
		conf: conf,
		pid:  pid,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

// Identifier returns the label the client registers under.
func (c *Client) Identifier() string {
	return c.conf.Identifier
}

// PID returns the process id the client reports.
func (c *Client) PID() int32 {
	return c.pid
}

// Run connects, registers, then sends one heartbeat per interval until a
// shutdown request is observed; on exit it deregisters and releases the
// socket. Transport errors end the loop and surface to the caller; the
// deregister-and-close sequence still runs.
func (c *Client) Run() error {
	if c.running.Swap(true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)

	if err := c.connect(); err != nil {
		return err
	}
	defer c.close()

	if err := c.send(wire.KindRegister); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if c.conf.Verbose {
		logging.Default.Infof("client started | %d | %s", c.pid, c.conf.Identifier)
	}

	ticker := time.NewTicker(c.conf.Interval)
	defer ticker.Stop()

	for {
		if err := c.send(wire.KindHeartbeat); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		select {
		case <-c.stop:
			return nil
		case <-ticker.C:
		}
	}
}

// Shutdown requests the run loop to stop and blocks until it has finished
// its deregister-and-close sequence. Must be called from a different
// goroutine than Run. Calling it again just waits for completion.
func (c *Client) Shutdown() error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	if !c.stopping.Swap(true) {
		close(c.stop)
	}
	<-c.done
	return nil
}

func (c *Client) connect() error {
	raddr := &net.UnixAddr{Name: c.conf.Destination, Net: "unixgram"}
	op := func() error {
		conn, err := net.DialUnix("unixgram", nil, raddr)
		if err != nil {
			return err
		}
		c.conn = conn
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.conf.DialRetries)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("connect %s: %w", c.conf.Destination, err)
	}
	return nil
}

func (c *Client) send(kind wire.Kind) error {
	pkt := wire.Packet{
		Kind:      kind,
		Timestamp: wire.Timestamp(time.Now()),
		PID:       c.pid,
	}
	if kind == wire.KindRegister {
		pkt.Identifier = c.conf.Identifier
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	frame, err := wire.AppendEncode(buf.B[:0], pkt)
	if err != nil {
		return err
	}
	buf.B = frame

	if _, err := c.conn.Write(buf.B); err != nil {
		return err
	}
	if c.conf.Verbose {
		logging.Default.Infof("sent packet | %d | %s | %s", c.pid, c.conf.Identifier, kind)
	}
	return nil
}

// close runs the exit sequence: best-effort deregister, then release the
// descriptor.
func (c *Client) close() {
	if err := c.send(wire.KindDeregister); err != nil {
		logging.Default.Warnf("deregister failed | %d | %v", c.pid, err)
	}
	if err := c.conn.Close(); err != nil {
		logging.Default.Warnf("socket close failed | %d | %v", c.pid, err)
	}
	if c.conf.Verbose {
		logging.Default.Infof("client shut down | %d | %s", c.pid, c.conf.Identifier)
	}
}
