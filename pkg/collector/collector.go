// Package collector implements the heartbeat collector: it specializes the
// datagram server engine with the wire protocol, owns the liveness table,
// and raises an alert for every process that misses its expected interval.
package collector

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/procbeat/internal/logging"
	"github.com/srediag/procbeat/pkg/server"
	"github.com/srediag/procbeat/pkg/wire"
)

const otelScope = "github.com/srediag/procbeat/pkg/collector"

// Entry is one row of the liveness table.
type Entry struct {
	// Identifier is the label announced in the client's Register packet.
	// A heartbeat from a never-registered pid creates an entry with an
	// empty identifier; whether such traffic should instead be rejected
	// is left as the protocol found it.
	Identifier string

	// LastSeen is the wire timestamp of the newest packet for this pid.
	LastSeen float64
}

// Collector decodes packets, mutates the liveness table from the event
// loop, and scans for staleness once per loop iteration. Alerts travel
// through a queue to a worker pool so a blocking Notifier never stalls
// packet processing.
type Collector struct {
	conf *Config
	srv  *server.Server

	table cmap.ConcurrentMap[int32, Entry]

	alerts       *queue.Queue
	pool         *ants.Pool
	dispatchDone chan struct{}

	metrics  *metricsSet
	packets  metric.Int64Counter
	tracer   trace.Tracer
	lastTick int64 // atomic, UnixNano of the newest Tick
}

// New builds a collector and binds its endpoint. The returned collector is
// not serving yet; run Serve on a dedicated goroutine.
func New(conf *Config) (*Collector, error) {
	if conf == nil {
		conf = DefaultConfig()
	}
	if conf.ReadTimeout == 0 {
		conf.ReadTimeout = conf.StalenessWindow
	}
	if conf.ReadBufferSize == 0 {
		conf.ReadBufferSize = wire.RegisterFrameSize
	}
	if conf.AlertWorkers == 0 {
		conf.AlertWorkers = defaultAlertWorkers
	}
	if err := VerifyConfig(conf); err != nil {
		return nil, err
	}
	if conf.Notifier == nil {
		conf.Notifier = &LogNotifier{}
	}

	meter := conf.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(otelScope)
	}
	tracer := conf.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(otelScope)
	}
	packets, err := meter.Int64Counter("procbeat.collector.packets")
	if err != nil {
		return nil, fmt.Errorf("create packet counter: %w", err)
	}

	pool, err := ants.NewPool(conf.AlertWorkers)
	if err != nil {
		return nil, fmt.Errorf("create alert pool: %w", err)
	}

	c := &Collector{
		conf:         conf,
		table:        cmap.NewWithCustomShardingFunction[int32, Entry](pidShard),
		alerts:       queue.New(defaultAlertQueueHint),
		pool:         pool,
		dispatchDone: make(chan struct{}),
		metrics:      newMetricsSet(),
		packets:      packets,
		tracer:       tracer,
	}

	srvConf := &server.Config{
		BindPath:       conf.BindPath,
		ReadTimeout:    conf.ReadTimeout,
		ReadBufferSize: conf.ReadBufferSize,
		Handler:        c,
		Ticker:         c,
		Verbose:        conf.Verbose,
	}
	srv, err := server.New(srvConf)
	if err != nil {
		pool.Release()
		c.alerts.Dispose()
		return nil, err
	}
	c.srv = srv

	go c.dispatchAlerts()
	return c, nil
}

// Path returns the endpoint's filesystem path.
func (c *Collector) Path() string {
	return c.srv.Path()
}

// Serve runs the event loop until Shutdown. Must run on its own goroutine.
func (c *Collector) Serve() {
	if c.conf.Verbose {
		logging.Default.Infof("collector serving | %s | window %v", c.Path(), c.conf.StalenessWindow)
	}
	c.srv.Serve()
}

// Shutdown stops the event loop, releases the endpoint, and drains the
// alert pipeline. Must be called from a different goroutine than Serve.
func (c *Collector) Shutdown() error {
	err := c.srv.Shutdown()

	c.alerts.Dispose()
	<-c.dispatchDone
	if perr := c.pool.ReleaseTimeout(5 * time.Second); perr != nil {
		c.pool.Release()
	}

	if c.conf.Verbose {
		logging.Default.Infof("collector shut down | %s", c.Path())
	}
	return err
}

// Lookup returns the liveness entry for pid.
func (c *Collector) Lookup(pid int32) (Entry, bool) {
	return c.table.Get(pid)
}

// Snapshot returns a point-in-time copy of the liveness table.
func (c *Collector) Snapshot() map[int32]Entry {
	return c.table.Items()
}

// HandlePacket is the engine's decode/dispatch hook. Malformed input is
// counted, logged and dropped; it never escapes this boundary.
func (c *Collector) HandlePacket(data []byte, from net.Addr) {
	pkt, err := wire.Decode(data)
	if err != nil {
		c.metrics.malformed.Inc()
		logging.Default.Warnf("invalid message | %d bytes | %v", len(data), err)
		return
	}

	c.packets.Add(context.Background(), 1)
	c.metrics.packets.WithLabelValues(pkt.Kind.String()).Inc()

	switch pkt.Kind {
	case wire.KindHeartbeat:
		c.heartbeat(pkt)
	case wire.KindRegister:
		c.register(pkt)
	case wire.KindDeregister:
		c.deregister(pkt)
	}
	c.metrics.live.Set(float64(c.table.Count()))
}

// Tick is the engine's periodic hook: it snapshots the table and queues an
// alert for every entry past the staleness threshold. It holds no lock
// across alert delivery.
func (c *Collector) Tick(now time.Time) {
	c.storeLastTick(now)

	_, span := c.tracer.Start(context.Background(), "collector.scan")
	defer span.End()

	threshold := wire.Timestamp(now) - c.conf.StalenessWindow.Seconds()
	for pid, entry := range c.table.Items() {
		if entry.LastSeen < threshold {
			if err := c.alerts.Put(pid); err != nil {
				return // queue disposed, shutdown in progress
			}
		}
	}
}

func (c *Collector) heartbeat(pkt wire.Packet) {
	c.table.Upsert(pkt.PID, Entry{LastSeen: pkt.Timestamp},
		func(exist bool, current, incoming Entry) Entry {
			if exist {
				current.LastSeen = incoming.LastSeen
				return current
			}
			return incoming
		})
	if c.conf.Verbose {
		logging.Default.Infof("heartbeat | %d | %f", pkt.PID, pkt.Timestamp)
	}
}

func (c *Collector) register(pkt wire.Packet) {
	// Last writer wins: a register overwrites both fields even for a
	// known pid.
	c.table.Set(pkt.PID, Entry{Identifier: pkt.Identifier, LastSeen: pkt.Timestamp})
	if c.conf.Verbose {
		logging.Default.Infof("registered | %d | %f | %s", pkt.PID, pkt.Timestamp, pkt.Identifier)
	}
}

func (c *Collector) deregister(pkt wire.Packet) {
	// Removing an unknown pid is a no-op.
	c.table.Remove(pkt.PID)
	if c.conf.Verbose {
		logging.Default.Infof("deregistered | %d | %f", pkt.PID, pkt.Timestamp)
	}
}

// dispatchAlerts moves queued pids onto the worker pool until the queue is
// disposed during shutdown.
func (c *Collector) dispatchAlerts() {
	defer close(c.dispatchDone)
	for {
		items, err := c.alerts.Get(1)
		if err != nil || len(items) == 0 {
			return
		}
		pid, ok := items[0].(int32)
		if !ok {
			continue
		}
		if err := c.pool.Submit(func() { c.deliver(pid) }); err != nil {
			// Pool saturated or released; deliver inline rather than
			// dropping the alert.
			c.deliver(pid)
		}
	}
}

// deliver is the collaborator boundary: notifier errors and panics are
// logged, never allowed to crash the pipeline.
func (c *Collector) deliver(pid int32) {
	defer func() {
		if r := recover(); r != nil {
			logging.Default.Errorf("notifier panicked | %d | %v", pid, r)
		}
	}()
	if err := c.conf.Notifier.Notify(pid); err != nil {
		logging.Default.Warnf("notifier failed | %d | %v", pid, err)
		return
	}
	c.metrics.alerts.Inc()
}

func pidShard(pid int32) uint32 {
	// fnv-1a over the four pid bytes.
	hash := uint32(2166136261)
	for i := 0; i < 4; i++ {
		hash ^= uint32(pid >> (8 * i) & 0xff)
		hash *= 16777619
	}
	return hash
}
