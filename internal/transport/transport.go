package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const maxLineLength = 64 * 1024

// Options bounds every blocking step of a Transport.
type Options struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// DrainWindow bounds how long Connect discards the status burst sent on connect.
	DrainWindow time.Duration
	// DrainIdle ends the drain early once the device has been silent this long.
	DrainIdle  time.Duration
	Terminator string
}

// DefaultOptions returns the timings the processor is known to need.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   3 * time.Second,
		DrainWindow:    2 * time.Second,
		DrainIdle:      250 * time.Millisecond,
		Terminator:     "\n",
	}
}

// Transport owns one TCP connection to the processor. It is not safe for
// concurrent use; the session serializes access to it.
type Transport struct {
	addr string
	opts Options

	conn    net.Conn
	reader  *bufio.Reader
	partial []byte
}

func New(host string, port int, opts Options) *Transport {
	if opts.Terminator == "" {
		opts.Terminator = "\n"
	}
	return &Transport{
		addr: net.JoinHostPort(host, strconv.Itoa(port)),
		opts: opts,
	}
}

func (t *Transport) Addr() string {
	return t.addr
}

func (t *Transport) Connected() bool {
	return t.conn != nil
}

// Connect dials the processor and discards the unsolicited status lines it pushes
// right after the connection is established.
func (t *Transport) Connect(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", t.addr)
	if err != nil {
		return &Error{Op: "connect", Err: err}
	}

	t.conn = conn
	t.reader = bufio.NewReader(conn)
	t.partial = t.partial[:0]

	log.Info().Str("addr", t.addr).Msg("Connected to processor")

	if err := t.drain(); err != nil {
		t.Disconnect()
		return err
	}
	return nil
}

func (t *Transport) drain() error {
	deadline := time.Now().Add(t.opts.DrainWindow)
	drained := 0

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		line, err := t.ReadLine(min(t.opts.DrainIdle, remaining))
		if IsTimeout(err) {
			break
		}
		if err != nil {
			return err
		}
		drained++
		log.Debug().Str("line", line).Msg("Discarded initial status line")
	}

	if drained > 0 {
		log.Debug().Int("lines", drained).Msg("Initial status burst drained")
	}
	return nil
}

// WriteLine sends text followed by the configured terminator.
func (t *Transport) WriteLine(text string) error {
	if t.conn == nil {
		return &Error{Op: "write", Err: ErrNotConnected}
	}

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout)); err != nil {
		return &Error{Op: "write", Err: err}
	}
	if _, err := t.conn.Write([]byte(text + t.opts.Terminator)); err != nil {
		return &Error{Op: "write", Err: err}
	}
	return nil
}

// ReadLine returns the next non-empty line, accepting either "\n" or "\r" as the
// terminator. It never blocks past timeout. Bytes of a line that is still
// incomplete when the timeout fires are kept for the next call.
func (t *Transport) ReadLine(timeout time.Duration) (string, error) {
	if t.conn == nil {
		return "", &Error{Op: "read", Err: ErrNotConnected}
	}

	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", &Error{Op: "read", Err: err}
	}

	for {
		b, err := t.reader.ReadByte()
		if err != nil {
			if isDeadline(err) {
				return "", &Error{Op: "read", Err: ErrReadTimeout}
			}
			return "", &Error{Op: "read", Err: err}
		}

		if b == '\n' || b == '\r' {
			line := strings.TrimSpace(string(t.partial))
			t.partial = t.partial[:0]
			if line == "" {
				continue
			}
			return line, nil
		}

		if len(t.partial) >= maxLineLength {
			return "", &Error{Op: "read", Err: ErrLineTooLong}
		}
		t.partial = append(t.partial, b)
	}
}

// Disconnect closes the socket. Calling it when not connected is a no-op.
func (t *Transport) Disconnect() {
	if t.conn == nil {
		return
	}
	if err := t.conn.Close(); err != nil {
		log.Debug().Err(err).Str("addr", t.addr).Msg("Error closing connection")
	}
	t.conn = nil
	t.reader = nil
	t.partial = t.partial[:0]
	log.Info().Str("addr", t.addr).Msg("Disconnected from processor")
}

func isDeadline(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
