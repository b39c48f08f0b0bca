// Package devicetest runs a scripted StormAudio processor on a loopback TCP port.
package devicetest

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/thatsimonsguy/stormaudio-controller/internal/model"
)

// Handler returns the reply lines for one received command line.
type Handler func(cmd string) []string

type Device struct {
	listener net.Listener

	mu         sync.Mutex
	handler    Handler
	greeting   []string
	terminator string
	received   []string
	conns      []net.Conn
	accepts    int

	wg sync.WaitGroup
}

// Start listens on 127.0.0.1 and serves until the test ends. A nil handler
// answers from a Processor in the powered-on state.
func Start(t testing.TB, handler Handler) *Device {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("devicetest: listen: %v", err)
	}

	d := &Device{
		listener:   ln,
		handler:    handler,
		terminator: "\n",
	}
	if d.handler == nil {
		d.handler = NewProcessor().Handle
	}

	d.wg.Add(1)
	go d.acceptLoop()

	t.Cleanup(d.Close)
	return d
}

func (d *Device) Host() string {
	return d.listener.Addr().(*net.TCPAddr).IP.String()
}

func (d *Device) Port() int {
	return d.listener.Addr().(*net.TCPAddr).Port
}

// SetGreeting sets the unsolicited lines pushed to every new connection.
func (d *Device) SetGreeting(lines ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.greeting = lines
}

// SetTerminator changes the terminator used for replies.
func (d *Device) SetTerminator(term string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminator = term
}

func (d *Device) SetHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// Received returns every command line received so far, across connections.
func (d *Device) Received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.received...)
}

func (d *Device) Accepts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accepts
}

// Push writes raw bytes to every open connection.
func (d *Device) Push(raw string) {
	d.mu.Lock()
	conns := append([]net.Conn(nil), d.conns...)
	d.mu.Unlock()

	for _, c := range conns {
		_, _ = c.Write([]byte(raw))
	}
}

// DropConnections closes every accepted connection while keeping the listener open.
func (d *Device) DropConnections() {
	d.mu.Lock()
	conns := d.conns
	d.conns = nil
	d.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (d *Device) Close() {
	_ = d.listener.Close()
	d.DropConnections()
	d.wg.Wait()
}

func (d *Device) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}

		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.accepts++
		greeting := d.greeting
		term := d.terminator
		d.mu.Unlock()

		for _, line := range greeting {
			_, _ = conn.Write([]byte(line + term))
		}

		d.wg.Add(1)
		go d.serve(conn)
	}
}

func (d *Device) serve(conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Split(scanAnyLine)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		if cmd == "" {
			continue
		}

		d.mu.Lock()
		d.received = append(d.received, cmd)
		handler := d.handler
		term := d.terminator
		d.mu.Unlock()

		for _, line := range handler(cmd) {
			if _, err := conn.Write([]byte(line + term)); err != nil {
				return
			}
		}
	}
}

func scanAnyLine(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Processor is a minimal in-memory model of the device's ssp.* command set.
type Processor struct {
	mu        sync.Mutex
	Power     bool
	ProcState int
	VolumeDB  int
	Muted     bool
	Dimmed    bool
	Input     int
	Preset    int
	Inputs    []model.Input
	// Noise is emitted before every reply to exercise prefix correlation.
	Noise []string
}

func NewProcessor() *Processor {
	return &Processor{
		Power:     true,
		ProcState: 2,
		VolumeDB:  -42,
		Input:     1,
		Preset:    1,
		Inputs: []model.Input{
			{ID: 1, Name: "Apple TV"},
			{ID: 2, Name: "Video Game"},
			{ID: 3, Name: "HDMI 3"},
		},
	}
}

// Update mutates the processor state while it may be serving commands.
func (p *Processor) Update(fn func(p *Processor)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *Processor) Handle(cmd string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := append([]string(nil), p.Noise...)
	switch {
	case cmd == "ssp.power":
		out = append(out, "ssp.power."+onOff(p.Power))
	case cmd == "ssp.power.on":
		p.Power = true
		p.ProcState = 2
	case cmd == "ssp.power.off":
		p.Power = false
		p.ProcState = 0
	case cmd == "ssp.procstate":
		out = append(out, fmt.Sprintf("ssp.procstate.[%d]", p.ProcState))
	case cmd == "ssp.vol":
		out = append(out, fmt.Sprintf("ssp.vol.[%d]", p.VolumeDB))
	case cmd == "ssp.vol.up":
		p.VolumeDB = min(p.VolumeDB+1, 0)
	case cmd == "ssp.vol.down":
		p.VolumeDB = max(p.VolumeDB-1, -100)
	case strings.HasPrefix(cmd, "ssp.vol.["):
		p.VolumeDB = bracketInt(cmd, p.VolumeDB)
	case cmd == "ssp.mute":
		out = append(out, "ssp.mute."+onOff(p.Muted))
	case cmd == "ssp.mute.on":
		p.Muted = true
	case cmd == "ssp.mute.off":
		p.Muted = false
	case cmd == "ssp.mute.toggle":
		p.Muted = !p.Muted
	case cmd == "ssp.dim":
		out = append(out, "ssp.dim."+onOff(p.Dimmed))
	case cmd == "ssp.dim.on":
		p.Dimmed = true
	case cmd == "ssp.dim.off":
		p.Dimmed = false
	case cmd == "ssp.input":
		out = append(out, fmt.Sprintf("ssp.input.[%d]", p.Input))
	case cmd == "ssp.input.list":
		out = append(out, "ssp.input.list.start")
		for _, in := range p.Inputs {
			out = append(out, fmt.Sprintf("ssp.input.list.[%q, %d, 0, 0]", in.Name, in.ID))
		}
		out = append(out, "ssp.input.list.end")
	case strings.HasPrefix(cmd, "ssp.input.["):
		p.Input = bracketInt(cmd, p.Input)
	case cmd == "ssp.preset":
		out = append(out, fmt.Sprintf("ssp.preset.[%d]", p.Preset))
	case strings.HasPrefix(cmd, "ssp.preset.["):
		p.Preset = bracketInt(cmd, p.Preset)
	}
	return out
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func bracketInt(cmd string, fallback int) int {
	start := strings.IndexByte(cmd, '[')
	end := strings.IndexByte(cmd, ']')
	if start < 0 || end < start {
		return fallback
	}
	v, err := strconv.Atoi(cmd[start+1 : end])
	if err != nil {
		return fallback
	}
	return v
}
