package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/stormaudio-controller/internal/codec"
	"github.com/thatsimonsguy/stormaudio-controller/internal/model"
	"github.com/thatsimonsguy/stormaudio-controller/internal/session"
)

const maxCatalogAttempts = 3

// Querier is the serialized command channel to the device.
type Querier interface {
	ExecuteQuery(ctx context.Context, command, prefix string, timeout time.Duration) (string, error)
	ExecuteListQuery(ctx context.Context, command, itemPrefix, endLine string, timeout time.Duration) ([]string, error)
	ExecuteCommand(ctx context.Context, command string) error
	Close() error
}

// Notifier receives warning-level signals meant for a human.
type Notifier interface {
	Send(title, message string) error
}

type Metrics interface {
	Gauge(name string, value float64, tags ...string)
	Count(name string, value int64, tags ...string)
	Timing(name string, value time.Duration, tags ...string)
}

type Options struct {
	Name string
	// QueryTimeout is passed to every query; zero uses the session default.
	QueryTimeout     time.Duration
	BurstInterval    time.Duration
	BurstMaxAttempts int
	Settle           time.Duration
	PowerOffSettle   time.Duration
	// CommandRetries re-sends a fire-and-forget command after a transport failure.
	CommandRetries int
	FallbackInputs []model.Input
}

func DefaultOptions() Options {
	return Options{
		Name:             "StormAudio",
		BurstInterval:    2 * time.Second,
		BurstMaxAttempts: 15,
		Settle:           500 * time.Millisecond,
		PowerOffSettle:   time.Second,
		FallbackInputs: []model.Input{
			{ID: 1, Name: "Apple TV"},
			{ID: 2, Name: "Video Game"},
			{ID: 3, Name: "HDMI 3"},
		},
	}
}

// Poller pulls device snapshots, runs the power-on burst and exposes the
// caller-facing controls. All device traffic goes through one Querier.
type Poller struct {
	q        Querier
	opts     Options
	notifier Notifier
	metrics  Metrics
	sleep    func(ctx context.Context, d time.Duration) error

	// cycleMu keeps whole poll cycles from interleaving their snapshot writes.
	cycleMu         sync.Mutex
	catalog         []model.Input
	catalogAttempts int
	lastErr         error

	mu        sync.RWMutex
	snapshot  model.DeviceSnapshot
	mode      model.PollingMode
	listeners []func(model.DeviceSnapshot)

	burstMu     sync.Mutex
	burstCancel context.CancelFunc
	burstDone   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a poller. A nil notifier or metrics disables that output.
func New(q Querier, opts Options, notifier Notifier, metrics Metrics) *Poller {
	def := DefaultOptions()
	if opts.BurstInterval <= 0 {
		opts.BurstInterval = def.BurstInterval
	}
	if opts.BurstMaxAttempts <= 0 {
		opts.BurstMaxAttempts = def.BurstMaxAttempts
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	if opts.PowerOffSettle < 0 {
		opts.PowerOffSettle = 0
	}
	if opts.FallbackInputs == nil {
		opts.FallbackInputs = def.FallbackInputs
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	snap := model.NewSnapshot()
	snap.Inputs = append(snap.Inputs, opts.FallbackInputs...)

	return &Poller{
		q:        q,
		opts:     opts,
		notifier: notifier,
		metrics:  metrics,
		sleep:    sleepContext,
		snapshot: snap,
		mode:     model.ModeNormal,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Snapshot returns a copy of the last decoded device state.
func (p *Poller) Snapshot() model.DeviceSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := p.snapshot.Clone()
	snap.Mode = p.mode
	return snap
}

func (p *Poller) Mode() model.PollingMode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

// OnUpdate registers fn to be called with every snapshot a poll cycle produces.
func (p *Poller) OnUpdate(fn func(model.DeviceSnapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Tick is the fixed-cadence refresh. It does nothing while the power-on burst
// is polling on its own tighter schedule.
func (p *Poller) Tick(ctx context.Context) {
	if p.Mode() == model.ModePowerOnBurst {
		log.Debug().Msg("Burst polling active, skipping scheduled refresh")
		return
	}
	p.Refresh(ctx)
}

// Refresh runs one poll cycle and returns the resulting snapshot. Transport
// failures never escape: they mark the snapshot unavailable.
func (p *Poller) Refresh(ctx context.Context) model.DeviceSnapshot {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	start := time.Now()
	prev := p.Snapshot()

	next, err := p.poll(ctx, prev)
	p.lastErr = err
	if err != nil && (ctx.Err() != nil || errors.Is(err, session.ErrClosed)) {
		log.Debug().Err(err).Msg("Poll cycle abandoned")
		return prev
	}
	if err != nil {
		log.Error().Err(err).Str("device", p.opts.Name).Msg("Poll cycle failed, device unavailable")
		next = prev.Clone()
		next.Power = model.PowerUnknown
		next.Processor = model.ProcessorUnknown
		next.ResetLiveControls()
		next.Available = false
	}
	next.UpdatedAt = time.Now()

	p.metrics.Timing("poll.duration", time.Since(start))
	p.store(next, prev)
	return p.Snapshot()
}

// poll queries the device. Only transport-level failures are returned; a
// missing or undecodable reply leaves that field absent.
func (p *Poller) poll(ctx context.Context, prev model.DeviceSnapshot) (model.DeviceSnapshot, error) {
	next := prev.Clone()
	next.Available = true

	line, ok, err := p.query(ctx, codec.PowerQuery, codec.ReplyPrefix(codec.PowerQuery))
	if err != nil {
		return next, err
	}
	next.Power = model.PowerUnknown
	if ok {
		next.Power = codec.DecodePower(line)
		warnUndecodable(next.Power == model.PowerUnknown, codec.PowerQuery, line)
	}

	line, ok, err = p.query(ctx, codec.ProcState, codec.ValueReplyPrefix(codec.ProcState))
	if err != nil {
		return next, err
	}
	next.Processor = model.ProcessorUnknown
	if ok {
		next.Processor = codec.DecodeProcessorState(line)
		warnUndecodable(next.Processor == model.ProcessorUnknown, codec.ProcState, line)
	}

	next.ResetLiveControls()
	if next.Processor != model.ProcessorOn {
		next.Inputs = p.inputs()
		return next, nil
	}

	if err := p.pollLiveControls(ctx, &next); err != nil {
		return next, err
	}
	if err := p.ensureCatalog(ctx); err != nil {
		return next, err
	}
	next.Inputs = p.inputs()
	return next, nil
}

func (p *Poller) pollLiveControls(ctx context.Context, next *model.DeviceSnapshot) error {
	line, ok, err := p.query(ctx, codec.VolumeQuery, codec.ValueReplyPrefix(codec.VolumeQuery))
	if err != nil {
		return err
	}
	if ok {
		v, decoded := codec.DecodeVolume(line)
		warnUndecodable(!decoded, codec.VolumeQuery, line)
		if decoded {
			next.VolumeDB = &v
		}
	}

	line, ok, err = p.query(ctx, codec.MuteQuery, codec.ReplyPrefix(codec.MuteQuery))
	if err != nil {
		return err
	}
	if ok {
		muted, decoded := codec.DecodeSwitch(line, codec.ReplyPrefix(codec.MuteQuery))
		warnUndecodable(!decoded, codec.MuteQuery, line)
		if decoded {
			next.Muted = &muted
		}
	}

	line, ok, err = p.query(ctx, codec.InputQuery, codec.ValueReplyPrefix(codec.InputQuery))
	if err != nil {
		return err
	}
	if ok {
		id, decoded := codec.DecodeInt(line, codec.ReplyPrefix(codec.InputQuery))
		warnUndecodable(!decoded, codec.InputQuery, line)
		if decoded {
			next.InputID = &id
		}
	}

	line, ok, err = p.query(ctx, codec.PresetQuery, codec.ValueReplyPrefix(codec.PresetQuery))
	if err != nil {
		return err
	}
	if ok {
		id, decoded := codec.DecodeInt(line, codec.ReplyPrefix(codec.PresetQuery))
		warnUndecodable(!decoded, codec.PresetQuery, line)
		if decoded {
			next.PresetID = &id
		}
	}

	line, ok, err = p.query(ctx, codec.DimQuery, codec.ReplyPrefix(codec.DimQuery))
	if err != nil {
		return err
	}
	if ok {
		dimmed, decoded := codec.DecodeSwitch(line, codec.ReplyPrefix(codec.DimQuery))
		warnUndecodable(!decoded, codec.DimQuery, line)
		if decoded {
			next.Dimmed = &dimmed
		}
	}
	return nil
}

// ensureCatalog fetches the input list once. A device that returns no entries
// is asked again on later cycles, up to maxCatalogAttempts, before the fallback
// catalog is adopted for good.
func (p *Poller) ensureCatalog(ctx context.Context) error {
	if p.catalog != nil {
		return nil
	}
	p.catalogAttempts++

	lines, err := p.q.ExecuteListQuery(ctx, codec.InputList, codec.InputListItemPrefix(), codec.InputListEnd, p.opts.QueryTimeout)
	if err != nil && !errors.Is(err, session.ErrQueryTimeout) {
		return err
	}

	inputs := make([]model.Input, 0, len(lines))
	for _, line := range lines {
		in, ok := codec.DecodeInputEntry(line)
		if !ok {
			warnUndecodable(true, codec.InputList, line)
			continue
		}
		inputs = append(inputs, in)
	}

	switch {
	case len(inputs) > 0:
		p.catalog = inputs
		log.Info().Int("inputs", len(inputs)).Msg("Input catalog loaded from device")
	case p.catalogAttempts >= maxCatalogAttempts:
		p.catalog = append([]model.Input{}, p.opts.FallbackInputs...)
		log.Warn().Int("attempts", p.catalogAttempts).Msg("Device returned no inputs, using configured catalog")
	}
	return nil
}

func (p *Poller) inputs() []model.Input {
	if p.catalog != nil {
		return append([]model.Input{}, p.catalog...)
	}
	return append([]model.Input{}, p.opts.FallbackInputs...)
}

// query returns ok=false for a reply that never came; err is reserved for failures
// that make the rest of the cycle pointless.
func (p *Poller) query(ctx context.Context, command, prefix string) (string, bool, error) {
	line, err := p.q.ExecuteQuery(ctx, command, prefix, p.opts.QueryTimeout)
	switch {
	case err == nil:
		return line, true, nil
	case errors.Is(err, session.ErrQueryTimeout):
		p.metrics.Count("query.timeout", 1, "command:"+command)
		return "", false, nil
	default:
		return "", false, err
	}
}

func (p *Poller) store(next, prev model.DeviceSnapshot) {
	p.mu.Lock()
	next.Mode = p.mode
	p.snapshot = next
	listeners := append([]func(model.DeviceSnapshot){}, p.listeners...)
	p.mu.Unlock()

	p.recordMetrics(next)

	if next.Power != prev.Power || next.Processor != prev.Processor {
		log.Info().
			Str("device", p.opts.Name).
			Str("power", string(next.Power)).
			Str("processor", next.Processor.String()).
			Msg("Status changed")
	} else {
		log.Debug().
			Str("power", string(next.Power)).
			Str("processor", next.Processor.String()).
			Bool("available", next.Available).
			Msg("Status update")
	}

	if prev.Available && !next.Available {
		p.notify("StormAudio unreachable", p.opts.Name+" stopped answering; showing last known state")
	}

	for _, fn := range listeners {
		fn(next.Clone())
	}
}

func (p *Poller) recordMetrics(s model.DeviceSnapshot) {
	p.metrics.Gauge("device.available", boolGauge(s.Available))
	p.metrics.Gauge("device.processor_state", float64(s.Processor))
	if s.VolumeDB != nil {
		p.metrics.Gauge("device.volume_db", *s.VolumeDB)
	}
}

func (p *Poller) notify(title, message string) {
	if err := p.notifier.Send(title, message); err != nil {
		log.Warn().Err(err).Str("title", title).Msg("Failed to send notification")
	}
}

// Shutdown stops the burst loop and closes the device channel.
func (p *Poller) Shutdown() {
	p.cancel()
	if err := p.q.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing session")
	}
	p.wg.Wait()
	log.Info().Str("device", p.opts.Name).Msg("Poller stopped")
}

func warnUndecodable(failed bool, command, line string) {
	if failed {
		log.Warn().Str("command", command).Str("line", line).Msg("Could not decode reply")
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopNotifier struct{}

func (nopNotifier) Send(string, string) error { return nil }

type nopMetrics struct{}

func (nopMetrics) Gauge(string, float64, ...string)        {}
func (nopMetrics) Count(string, int64, ...string)          {}
func (nopMetrics) Timing(string, time.Duration, ...string) {}
