package datadog

import (
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/stormaudio-controller/internal/config"
)

// Client emits DogStatsD metrics. A zero Client, or one built from a disabled
// config, drops everything.
type Client struct {
	dogstatsd *statsd.Client
}

func New(cfg config.Datadog) *Client {
	if !cfg.Enabled {
		log.Info().Msg("Datadog metrics disabled")
		return &Client{}
	}

	dogstatsd, err := statsd.New(cfg.AgentAddr,
		statsd.WithNamespace(cfg.Namespace),
		statsd.WithTags(cfg.Tags),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create DogStatsD client")
		return &Client{}
	}

	log.Info().
		Str("addr", cfg.AgentAddr).
		Str("namespace", cfg.Namespace).
		Strs("tags", cfg.Tags).
		Msg("Datadog metrics initialized")
	return &Client{dogstatsd: dogstatsd}
}

func (c *Client) Enabled() bool {
	return c != nil && c.dogstatsd != nil
}

func (c *Client) Gauge(name string, value float64, tags ...string) {
	if !c.Enabled() {
		return
	}
	if err := c.dogstatsd.Gauge(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
	}
}

func (c *Client) Count(name string, value int64, tags ...string) {
	if !c.Enabled() {
		return
	}
	if err := c.dogstatsd.Count(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Failed to emit count metric")
	}
}

func (c *Client) Timing(name string, value time.Duration, tags ...string) {
	if !c.Enabled() {
		return
	}
	if err := c.dogstatsd.Timing(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Failed to emit timing metric")
	}
}

// Close flushes buffered metrics.
func (c *Client) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.dogstatsd.Close()
}
