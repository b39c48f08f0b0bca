package poller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/stormaudio-controller/internal/codec"
	"github.com/thatsimonsguy/stormaudio-controller/internal/session"
)

var (
	ErrUnknownInput  = errors.New("unknown input")
	ErrInvalidVolume = errors.New("volume level is not a finite number")
)

// SetPower sends the power command. Power-on hands over to burst polling;
// power-off cancels any burst and refreshes after the longer settle delay.
func (p *Poller) SetPower(ctx context.Context, on bool) error {
	if err := p.command(ctx, codec.SetPower(on)); err != nil {
		return err
	}
	if on {
		p.startBurst()
		return nil
	}
	p.stopBurst()
	return p.settleAndRefresh(ctx, p.opts.PowerOffSettle)
}

// SetVolume sets the level on a 0..1 scale. Finite levels outside the scale are clamped.
func (p *Poller) SetVolume(ctx context.Context, level float64) error {
	if math.IsNaN(level) || math.IsInf(level, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidVolume, level)
	}
	return p.apply(ctx, codec.SetVolume(level))
}

func (p *Poller) VolumeUp(ctx context.Context) error {
	return p.apply(ctx, codec.VolumeUp)
}

func (p *Poller) VolumeDown(ctx context.Context) error {
	return p.apply(ctx, codec.VolumeDown)
}

func (p *Poller) SetMute(ctx context.Context, muted bool) error {
	return p.apply(ctx, codec.SetMute(muted))
}

func (p *Poller) ToggleMute(ctx context.Context) error {
	return p.apply(ctx, codec.MuteToggle)
}

// SelectInput switches to the input named source. A numeric source that matches
// no name is taken as an input id.
func (p *Poller) SelectInput(ctx context.Context, source string) error {
	id, err := p.resolveInput(source)
	if err != nil {
		return err
	}
	return p.apply(ctx, codec.SetInput(id))
}

func (p *Poller) SelectInputID(ctx context.Context, id int) error {
	if !p.knownInputID(id) {
		return fmt.Errorf("%w: id %d", ErrUnknownInput, id)
	}
	return p.apply(ctx, codec.SetInput(id))
}

func (p *Poller) NextInput(ctx context.Context) error {
	return p.apply(ctx, codec.InputNext)
}

func (p *Poller) PrevInput(ctx context.Context) error {
	return p.apply(ctx, codec.InputPrev)
}

func (p *Poller) SelectPreset(ctx context.Context, id int) error {
	return p.apply(ctx, codec.SetPreset(id))
}

func (p *Poller) SetDim(ctx context.Context, on bool) error {
	return p.apply(ctx, codec.SetDim(on))
}

// KeepAlive pokes the device so idle connections are not reaped.
func (p *Poller) KeepAlive(ctx context.Context) error {
	return p.command(ctx, codec.KeepAlive)
}

func (p *Poller) apply(ctx context.Context, command string) error {
	if err := p.command(ctx, command); err != nil {
		return err
	}
	return p.settleAndRefresh(ctx, p.opts.Settle)
}

func (p *Poller) settleAndRefresh(ctx context.Context, settle time.Duration) error {
	if err := p.sleep(ctx, settle); err != nil {
		return err
	}
	p.Refresh(ctx)
	return nil
}

// command writes a fire-and-forget line, re-sending up to CommandRetries times
// after a transport failure.
func (p *Poller) command(ctx context.Context, command string) error {
	var err error
	for attempt := 0; attempt <= p.opts.CommandRetries; attempt++ {
		if err = p.q.ExecuteCommand(ctx, command); err == nil {
			p.metrics.Count("command.sent", 1, "command:"+commandTag(command))
			return nil
		}
		if errors.Is(err, session.ErrClosed) || ctx.Err() != nil {
			break
		}
		log.Warn().Err(err).Str("command", command).Int("attempt", attempt+1).Msg("Command failed")
	}
	p.metrics.Count("command.failed", 1, "command:"+commandTag(command))
	return fmt.Errorf("send %s: %w", command, err)
}

func (p *Poller) resolveInput(source string) (int, error) {
	source = strings.TrimSpace(source)
	inputs := p.Snapshot().Inputs

	for _, in := range inputs {
		if in.Name == source {
			return in.ID, nil
		}
	}
	for _, in := range inputs {
		if strings.EqualFold(in.Name, source) {
			return in.ID, nil
		}
	}
	if id, err := strconv.Atoi(source); err == nil && p.knownInputID(id) {
		return id, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownInput, source)
}

func (p *Poller) knownInputID(id int) bool {
	inputs := p.Snapshot().Inputs
	if len(inputs) == 0 {
		return true
	}
	for _, in := range inputs {
		if in.ID == id {
			return true
		}
	}
	return false
}

// commandTag strips bracketed values so metric tags stay low-cardinality.
func commandTag(command string) string {
	if i := strings.IndexByte(command, '['); i > 0 {
		return strings.TrimSuffix(command[:i], ".")
	}
	return command
}
