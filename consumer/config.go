package consumer

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/pratilipi/channel-client-go/channel"
)

type Config struct {
	Channel    channel.Channel
	ReceiverID string
	Mode       channel.ReceiveMode
	// ReceiveTimeout bounds each Receive call so cancellation is observed.
	ReceiveTimeout    time.Duration
	ReconnectInterval time.Duration
	// BackpressureDelay is the single pause before retrying a sink that
	// reported Unavailable.
	BackpressureDelay time.Duration
	// CheckpointEvery commits after this many accepted packets (controlled
	// mode only).
	CheckpointEvery int
	Logger          *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ReceiverID == "" {
		c.ReceiverID = channel.NewIdentity()
	}
	if c.Mode == "" {
		c.Mode = channel.ModeEager
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = time.Second
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = time.Second
	}
	if c.BackpressureDelay == 0 {
		c.BackpressureDelay = 500 * time.Millisecond
	}
	if c.CheckpointEvery == 0 {
		c.CheckpointEvery = 1
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

func (c Config) validate() error {
	if err := c.Channel.Validate(); err != nil {
		return err
	}
	if err := c.Mode.Validate(); err != nil {
		return err
	}
	if c.ReceiveTimeout < time.Millisecond {
		return errors.New("receive timeout must be >= 1ms")
	}
	if c.ReconnectInterval < 0 || c.BackpressureDelay < 0 {
		return errors.New("reconnect interval and backpressure delay must not be negative")
	}
	if c.CheckpointEvery < 1 {
		return errors.New("checkpointEvery must be >= 1")
	}
	return nil
}
