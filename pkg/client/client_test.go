package client

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/procbeat/pkg/wire"
)

// bindSink binds a unixgram endpoint and returns decoded packets.
func bindSink(t *testing.T) (string, <-chan wire.Packet) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sink.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	packets := make(chan wire.Packet, 64)
	go func() {
		buf := make([]byte, wire.RegisterFrameSize)
		for {
			n, _, err := conn.ReadFromUnix(buf)
			if err != nil {
				return
			}
			if pkt, err := wire.Decode(buf[:n]); err == nil {
				packets <- pkt
			}
		}
	}()
	return path, packets
}

func nextPacket(t *testing.T, packets <-chan wire.Packet) wire.Packet {
	t.Helper()
	select {
	case pkt := <-packets:
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("no packet arrived")
		return wire.Packet{}
	}
}

func TestNewValidatesIdentifier(t *testing.T) {
	_, err := New(&Config{Destination: "/tmp/x.sock", Identifier: "way too long for the field"})
	require.ErrorIs(t, err, wire.ErrInvalidIdentifier)

	c, err := New(&Config{Destination: "/tmp/x.sock", Identifier: "short"})
	require.NoError(t, err)
	assert.Equal(t, "short", c.Identifier())
}

func TestNewDefaultsIdentifierToPID(t *testing.T) {
	c, err := New(&Config{Destination: "/tmp/x.sock"})
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), c.Identifier())
	assert.Equal(t, int32(os.Getpid()), c.PID())
}

func TestNewRequiresDestination(t *testing.T) {
	_, err := New(&Config{})
	require.Error(t, err)
}

func TestRunLifecyclePackets(t *testing.T) {
	path, packets := bindSink(t)

	c, err := New(&Config{
		Destination: path,
		Identifier:  "lifecycle",
		Interval:    20 * time.Millisecond,
	})
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run() }()

	reg := nextPacket(t, packets)
	assert.Equal(t, wire.KindRegister, reg.Kind)
	assert.Equal(t, "lifecycle", reg.Identifier)
	assert.Equal(t, c.PID(), reg.PID)

	hb := nextPacket(t, packets)
	assert.Equal(t, wire.KindHeartbeat, hb.Kind)
	assert.False(t, hb.HasIdentifier)
	assert.GreaterOrEqual(t, hb.Timestamp, reg.Timestamp)

	require.NoError(t, c.Shutdown())
	require.NoError(t, <-runDone)

	// Drain remaining heartbeats; the last packet must be the deregister.
	var last wire.Packet
	for {
		select {
		case pkt := <-packets:
			last = pkt
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	assert.Equal(t, wire.KindDeregister, last.Kind)
}

func TestRunTwiceFails(t *testing.T) {
	path, packets := bindSink(t)
	c, err := New(&Config{Destination: path, Interval: 20 * time.Millisecond})
	require.NoError(t, err)

	go func() { _ = c.Run() }()
	nextPacket(t, packets) // the loop is up once the register arrives

	assert.ErrorIs(t, c.Run(), ErrAlreadyRunning)
	require.NoError(t, c.Shutdown())
}

func TestShutdownBeforeRun(t *testing.T) {
	c, err := New(&Config{Destination: "/tmp/x.sock"})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Shutdown(), ErrNotRunning)
}

func TestRunSurfacesConnectFailure(t *testing.T) {
	c, err := New(&Config{
		Destination: filepath.Join(t.TempDir(), "nobody-home.sock"),
		DialRetries: 1,
	})
	require.NoError(t, err)
	require.Error(t, c.Run())
}
