package producer

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/pratilipi/channel-client-go/channel"
)

type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

type Config struct {
	Channel channel.Channel
	// SendTimeout bounds one Send; on expiry the engine is discarded.
	SendTimeout time.Duration
	Retry       RetryConfig
	Logger      *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.SendTimeout == 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.Backoff == 0 {
		c.Retry.Backoff = time.Second
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
	if c.SendTimeout < time.Millisecond {
		return errors.New("send timeout must be >= 1ms")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry max attempts must be >= 1")
	}
	if c.Retry.Backoff < 0 {
		return errors.New("retry backoff must not be negative")
	}
	return nil
}
