package server

import (
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	packets chan []byte
}

func (h *recordingHandler) HandlePacket(data []byte, from net.Addr) {
	cp := make([]byte, len(data))
	copy(cp, data)
	h.packets <- cp
}

type countingTicker struct {
	ticks atomic.Int64
}

func (c *countingTicker) Tick(now time.Time) {
	c.ticks.Add(1)
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	conf := DefaultConfig()
	conf.BindPath = filepath.Join(t.TempDir(), "engine.sock")
	conf.ReadTimeout = 20 * time.Millisecond
	return conf
}

func send(t *testing.T, path string, data []byte) {
	t.Helper()
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(data)
	require.NoError(t, err)
}

func TestVerifyConfig(t *testing.T) {
	require.Error(t, VerifyConfig(nil))

	conf := DefaultConfig()
	require.NoError(t, VerifyConfig(conf))

	conf.ReadTimeout = 0
	require.Error(t, VerifyConfig(conf))

	conf = DefaultConfig()
	conf.ReadBufferSize = 0
	require.Error(t, VerifyConfig(conf))
}

func TestBindAutoPath(t *testing.T) {
	conf := DefaultConfig()
	s, err := New(conf)
	require.NoError(t, err)

	assert.NotEmpty(t, s.Path())
	assert.Contains(t, s.Path(), "procbeat")
	_, err = os.Stat(s.Path())
	assert.NoError(t, err)

	require.NoError(t, s.Shutdown())
	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestBindFailureIsFatal(t *testing.T) {
	conf := DefaultConfig()
	conf.BindPath = filepath.Join(t.TempDir(), "missing", "deep", "engine.sock")
	_, err := New(conf)
	require.ErrorIs(t, err, ErrBind)
}

func TestBindReplacesStaleSocketFile(t *testing.T) {
	conf := testConfig(t)
	require.NoError(t, os.WriteFile(conf.BindPath, nil, 0o600))

	s, err := New(conf)
	require.NoError(t, err)
	require.NoError(t, s.Shutdown())
}

func TestServeDispatchesPacketsAndTicks(t *testing.T) {
	conf := testConfig(t)
	handler := &recordingHandler{packets: make(chan []byte, 8)}
	ticker := &countingTicker{}
	conf.Handler = handler
	conf.Ticker = ticker

	s, err := New(conf)
	require.NoError(t, err)
	go s.Serve()

	send(t, s.Path(), []byte("ping"))

	select {
	case got := <-handler.packets:
		assert.Equal(t, []byte("ping"), got)
	case <-time.After(time.Second):
		t.Fatal("handler never saw the packet")
	}

	// The periodic hook fires on idle iterations too.
	assert.Eventually(t, func() bool { return ticker.ticks.Load() >= 2 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown())
}

func TestReadBufferBoundsDatagram(t *testing.T) {
	conf := testConfig(t)
	conf.ReadBufferSize = 4
	handler := &recordingHandler{packets: make(chan []byte, 1)}
	conf.Handler = handler

	s, err := New(conf)
	require.NoError(t, err)
	go s.Serve()
	defer func() { require.NoError(t, s.Shutdown()) }()

	send(t, s.Path(), []byte("oversized"))

	select {
	case got := <-handler.packets:
		assert.Equal(t, []byte("over"), got)
	case <-time.After(time.Second):
		t.Fatal("handler never saw the packet")
	}
}

func TestShutdownHandshake(t *testing.T) {
	conf := testConfig(t)
	s, err := New(conf)
	require.NoError(t, err)

	serveDone := make(chan struct{})
	go func() {
		s.Serve()
		close(serveDone)
	}()

	require.NoError(t, s.Shutdown())

	// Shutdown only returns after the loop goroutine has exited and the
	// endpoint is gone.
	select {
	case <-serveDone:
	case <-time.After(time.Second):
		t.Fatal("serve loop still running after Shutdown returned")
	}
	_, statErr := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(statErr))
}

func TestDoubleShutdownTolerated(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)
	go s.Serve()

	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())
}

func TestShutdownWithoutServe(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, s.Shutdown())
}
