package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/stormaudio-controller/internal/model"
	"github.com/thatsimonsguy/stormaudio-controller/internal/session"
)

// Bursting reports whether the power-on burst loop is running.
func (p *Poller) Bursting() bool {
	p.burstMu.Lock()
	defer p.burstMu.Unlock()
	return p.burstRunning()
}

func (p *Poller) burstRunning() bool {
	if p.burstDone == nil {
		return false
	}
	select {
	case <-p.burstDone:
		return false
	default:
		return true
	}
}

// startBurst switches to tight polling until the processor reports fully on.
// A second power-on while the loop runs is ignored.
func (p *Poller) startBurst() {
	p.burstMu.Lock()
	defer p.burstMu.Unlock()

	if p.burstRunning() {
		log.Debug().Msg("Power-on burst already running")
		return
	}

	ctx, cancel := context.WithCancel(p.ctx)
	done := make(chan struct{})
	p.burstCancel, p.burstDone = cancel, done
	p.setMode(model.ModePowerOnBurst)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(done)
		defer cancel()
		defer p.setMode(model.ModeNormal)
		p.runBurst(ctx)
	}()
}

// stopBurst cancels a running burst and waits for it to leave burst mode.
func (p *Poller) stopBurst() {
	p.burstMu.Lock()
	cancel, done := p.burstCancel, p.burstDone
	p.burstMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) runBurst(ctx context.Context) {
	start := time.Now()
	log.Info().
		Int("max_attempts", p.opts.BurstMaxAttempts).
		Dur("interval", p.opts.BurstInterval).
		Msg("Power-on burst polling started")

	for attempt := 1; attempt <= p.opts.BurstMaxAttempts; attempt++ {
		if err := p.sleep(ctx, p.opts.BurstInterval); err != nil {
			log.Info().Int("attempt", attempt).Msg("Power-on burst cancelled")
			return
		}

		snap := p.Refresh(ctx)
		p.metrics.Gauge("burst.attempt", float64(attempt))

		if snap.FullyOn() {
			log.Info().
				Int("attempts", attempt).
				Dur("elapsed", time.Since(start)).
				Msg("Processor fully on, leaving burst polling")
			return
		}
		if err := p.lastCycleErr(); errors.Is(err, session.ErrClosed) || ctx.Err() != nil {
			log.Info().Int("attempt", attempt).Msg("Power-on burst stopped")
			return
		}
		log.Debug().
			Int("attempt", attempt).
			Str("power", string(snap.Power)).
			Str("processor", snap.Processor.String()).
			Msg("Processor not ready yet")
	}

	p.metrics.Count("burst.exhausted", 1)
	log.Warn().
		Int("attempts", p.opts.BurstMaxAttempts).
		Dur("elapsed", time.Since(start)).
		Msg("Processor did not report fully on, returning to normal polling")
	p.notify("StormAudio power-on incomplete",
		fmt.Sprintf("%s did not finish initializing after %d checks", p.opts.Name, p.opts.BurstMaxAttempts))
}

func (p *Poller) lastCycleErr() error {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()
	return p.lastErr
}

func (p *Poller) setMode(m model.PollingMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = m
	p.snapshot.Mode = m
}
