package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/stormaudio-controller/internal/codec"
	"github.com/thatsimonsguy/stormaudio-controller/internal/transport"
)

const maxFlushLines = 64

var (
	// ErrQueryTimeout means no line with the expected prefix arrived within the wait window.
	ErrQueryTimeout = errors.New("no matching reply")
	ErrClosed       = errors.New("session closed")
)

// LineConn is the line-oriented connection a Session drives.
type LineConn interface {
	Connect(ctx context.Context) error
	WriteLine(text string) error
	ReadLine(timeout time.Duration) (string, error)
	Disconnect()
	Connected() bool
	Addr() string
}

// Options tunes the reply wait loop and lazy connect.
type Options struct {
	// QueryTimeout is the default overall wait for a matching reply.
	QueryTimeout time.Duration
	// ReadTimeout bounds each individual line read inside the wait loop.
	ReadTimeout time.Duration
	// ConnectAttempts is how many times a lazy connect is tried per call.
	ConnectAttempts int
	// FlushTimeout is how long to wait for stragglers after a query timed out.
	FlushTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		QueryTimeout:    3 * time.Second,
		ReadTimeout:     200 * time.Millisecond,
		ConnectAttempts: 2,
		FlushTimeout:    50 * time.Millisecond,
	}
}

// Session is the single in-order channel to the processor. The protocol carries
// no request ids, so at most one command or query is in flight at any time.
type Session struct {
	mu     sync.Mutex
	conn   LineConn
	opts   Options
	closed bool
	// stale is set when a query gave up waiting; its late reply may still arrive.
	stale bool
	// unanswered holds reply prefixes of timed-out queries on the current connection.
	unanswered []string
}

func New(conn LineConn, opts Options) *Session {
	def := DefaultOptions()
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = def.QueryTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = def.ConnectAttempts
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = def.FlushTimeout
	}
	return &Session{conn: conn, opts: opts}
}

func (s *Session) QueryTimeout() time.Duration {
	return s.opts.QueryTimeout
}

// Connect opens the connection if needed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.ensureConnected(ctx)
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Connected()
}

// ExecuteQuery writes command and returns the first line that starts with prefix.
// Unrelated lines are discarded. ErrQueryTimeout is returned when nothing matches
// within timeout; a transport failure disconnects so the next call reconnects.
func (s *Session) ExecuteQuery(ctx context.Context, command, prefix string, timeout time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timeout <= 0 {
		timeout = s.opts.QueryTimeout
	}
	if err := s.begin(ctx, command, prefix); err != nil {
		return "", err
	}

	deadline := time.Now().Add(timeout)
	for {
		line, err := s.next(ctx, deadline)
		if err != nil {
			if errors.Is(err, ErrQueryTimeout) {
				s.unanswered = append(s.unanswered, prefix)
				log.Warn().Str("command", command).Str("prefix", prefix).Msg("No matching response")
			}
			return "", err
		}

		if strings.HasPrefix(line, prefix) {
			log.Debug().Str("command", command).Str("line", line).Msg("Matched response")
			return line, nil
		}
		log.Debug().Str("command", command).Str("line", line).Str("prefix", prefix).Msg("Ignoring unrelated response")
	}
}

// ExecuteListQuery writes command and collects every line starting with itemPrefix
// until endLine arrives. Items gathered before a timeout are returned together
// with ErrQueryTimeout.
func (s *Session) ExecuteListQuery(ctx context.Context, command, itemPrefix, endLine string, timeout time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timeout <= 0 {
		timeout = s.opts.QueryTimeout
	}
	replyPrefix := commonPrefix(itemPrefix, endLine)
	if err := s.begin(ctx, command, replyPrefix); err != nil {
		return nil, err
	}

	var items []string
	deadline := time.Now().Add(timeout)
	for {
		line, err := s.next(ctx, deadline)
		if err != nil {
			if errors.Is(err, ErrQueryTimeout) {
				s.unanswered = append(s.unanswered, replyPrefix)
				log.Warn().Str("command", command).Int("items", len(items)).Msg("List reply incomplete")
			}
			return items, err
		}

		switch {
		case line == endLine:
			return items, nil
		case strings.HasPrefix(line, itemPrefix):
			items = append(items, line)
		default:
			log.Debug().Str("command", command).Str("line", line).Msg("Ignoring unrelated response")
		}
	}
}

// ExecuteCommand writes command without waiting for a reply. The protocol has no
// acknowledgement, so success only means the line was written.
func (s *Session) ExecuteCommand(ctx context.Context, command string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(ctx, command, ""); err != nil {
		return err
	}
	log.Info().Str("command", command).Msg("Sent command")
	return nil
}

// Close disconnects and rejects every later call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.conn.Disconnect()
	return nil
}

// Probe asks for the power state over a throwaway session and disconnects again.
// It is the liveness check used before a device is taken into service.
func Probe(ctx context.Context, conn LineConn, opts Options) error {
	s := New(conn, opts)
	defer s.Close()

	if _, err := s.ExecuteQuery(ctx, codec.PowerQuery, codec.ReplyPrefix(codec.PowerQuery), 0); err != nil {
		return fmt.Errorf("probe %s: %w", conn.Addr(), err)
	}
	return nil
}

// begin connects if needed, discards stragglers from an abandoned query and writes command.
// A query whose replies could be confused with a late reply still owed on this
// connection gets a fresh connection instead.
func (s *Session) begin(ctx context.Context, command, replyPrefix string) error {
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.conn.Connected() && s.awaitsLateReply(replyPrefix) {
		log.Info().Str("command", command).Str("prefix", replyPrefix).Msg("Reply may still be owed to a timed-out query, reconnecting")
		s.conn.Disconnect()
	}
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if s.stale {
		if err := s.flush(); err != nil {
			return err
		}
	}

	log.Debug().Str("command", command).Msg("Sending")
	if err := s.conn.WriteLine(command); err != nil {
		s.drop(command, err)
		return err
	}
	return nil
}

// next reads one line, honouring both the overall deadline and ctx.
func (s *Session) next(ctx context.Context, deadline time.Time) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			// The reply may still be on its way; nobody may receive it.
			log.Warn().Err(err).Msg("Query abandoned, dropping connection")
			s.conn.Disconnect()
			return "", err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.stale = true
			return "", ErrQueryTimeout
		}

		line, err := s.conn.ReadLine(min(s.opts.ReadTimeout, remaining))
		if transport.IsTimeout(err) {
			continue
		}
		if err != nil {
			s.drop("", err)
			return "", err
		}
		return line, nil
	}
}

func (s *Session) flush() error {
	defer func() { s.stale = false }()
	for i := 0; i < maxFlushLines; i++ {
		line, err := s.conn.ReadLine(s.opts.FlushTimeout)
		if transport.IsTimeout(err) {
			return nil
		}
		if err != nil {
			s.drop("", err)
			return err
		}
		log.Debug().Str("line", line).Msg("Discarded late response")
	}
	return nil
}

func (s *Session) ensureConnected(ctx context.Context) error {
	if s.conn.Connected() {
		return nil
	}

	var err error
	for attempt := 1; attempt <= s.opts.ConnectAttempts; attempt++ {
		if err = s.conn.Connect(ctx); err == nil {
			s.stale = false
			s.unanswered = nil
			return nil
		}
		log.Warn().Err(err).Str("addr", s.conn.Addr()).Int("attempt", attempt).Msg("Connect failed")
		if ctx.Err() != nil {
			break
		}
	}
	return err
}

func (s *Session) drop(command string, err error) {
	log.Error().Err(err).Str("command", command).Str("addr", s.conn.Addr()).Msg("Transport failure, disconnecting")
	s.conn.Disconnect()
	s.stale = false
	s.unanswered = nil
}

func (s *Session) awaitsLateReply(replyPrefix string) bool {
	if replyPrefix == "" {
		return false
	}
	for _, p := range s.unanswered {
		if strings.HasPrefix(p, replyPrefix) || strings.HasPrefix(replyPrefix, p) {
			return true
		}
	}
	return false
}

func commonPrefix(a, b string) string {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[:i]
		}
	}
	return a[:n]
}
