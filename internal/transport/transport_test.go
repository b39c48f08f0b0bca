package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/stormaudio-controller/internal/devicetest"
)

func testOptions() Options {
	return Options{
		ConnectTimeout: time.Second,
		WriteTimeout:   time.Second,
		DrainWindow:    300 * time.Millisecond,
		DrainIdle:      100 * time.Millisecond,
		Terminator:     "\n",
	}
}

func connect(t *testing.T, dev *devicetest.Device, opts Options) *Transport {
	t.Helper()
	tr := New(dev.Host(), dev.Port(), opts)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(tr.Disconnect)
	return tr
}

func TestConnectDrainsInitialBurst(t *testing.T) {
	dev := devicetest.Start(t, nil)
	dev.SetGreeting("ssp.power.on", "ssp.vol.[-30]", "ssp.input.[2]")

	tr := connect(t, dev, testOptions())
	assert.True(t, tr.Connected())

	require.NoError(t, tr.WriteLine("ssp.vol"))
	line, err := tr.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ssp.vol.[-42]", line)
}

func TestWriteLineAppendsTerminator(t *testing.T) {
	for _, term := range []string{"\n", "\r"} {
		dev := devicetest.Start(t, nil)
		opts := testOptions()
		opts.Terminator = term

		tr := connect(t, dev, opts)
		require.NoError(t, tr.WriteLine("ssp.power"))

		line, err := tr.ReadLine(time.Second)
		require.NoError(t, err)
		assert.Equal(t, "ssp.power.on", line)
		assert.Equal(t, []string{"ssp.power"}, dev.Received())
	}
}

func TestReadLineAcceptsBothTerminators(t *testing.T) {
	dev := devicetest.Start(t, func(string) []string { return nil })
	tr := connect(t, dev, testOptions())

	dev.Push("ssp.mute.on\r\nssp.vol.[-10]\rssp.dim.off\n")

	for _, want := range []string{"ssp.mute.on", "ssp.vol.[-10]", "ssp.dim.off"} {
		line, err := tr.ReadLine(time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}
}

func TestReadLineTimeoutKeepsPartialLine(t *testing.T) {
	dev := devicetest.Start(t, func(string) []string { return nil })
	tr := connect(t, dev, testOptions())

	dev.Push("ssp.vol.[-4")

	start := time.Now()
	_, err := tr.ReadLine(150 * time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.True(t, tr.Connected(), "a read timeout must not close the connection")

	dev.Push("2]\n")
	line, err := tr.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ssp.vol.[-42]", line)
}

func TestReadLinePeerClose(t *testing.T) {
	dev := devicetest.Start(t, nil)
	tr := connect(t, dev, testOptions())

	dev.DropConnections()

	_, err := tr.ReadLine(time.Second)
	require.Error(t, err)
	assert.False(t, IsTimeout(err))

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "read", te.Op)
}

func TestNotConnected(t *testing.T) {
	tr := New("127.0.0.1", 1, testOptions())

	err := tr.WriteLine("ssp.power")
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = tr.ReadLine(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, IsTimeout(err))
}

func TestConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	tr := New("127.0.0.1", port, testOptions())
	err = tr.Connect(context.Background())
	require.Error(t, err)

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "connect", te.Op)
	assert.False(t, tr.Connected())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	dev := devicetest.Start(t, nil)
	tr := connect(t, dev, testOptions())

	tr.Disconnect()
	tr.Disconnect()
	assert.False(t, tr.Connected())

	require.NoError(t, tr.Connect(context.Background()))
	assert.True(t, tr.Connected())
	assert.Equal(t, 2, dev.Accepts())
}

func TestAddr(t *testing.T) {
	assert.Equal(t, "10.0.0.5:23", New("10.0.0.5", 23, DefaultOptions()).Addr())
	assert.Equal(t, "[fe80::1]:23", New("fe80::1", 23, DefaultOptions()).Addr())
}
