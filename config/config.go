// Package config loads a channel participant from a TOML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/pratilipi/channel-client-go/channel"
	"github.com/pratilipi/channel-client-go/consumer"
	"github.com/pratilipi/channel-client-go/lease"
	"github.com/pratilipi/channel-client-go/producer"
	"github.com/pratilipi/channel-client-go/receiver"
	"github.com/pratilipi/channel-client-go/sender"
)

// Duration decodes TOML strings such as "1.5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type File struct {
	Channel     channel.Channel `toml:"channel"`
	Participant Participant     `toml:"participant"`
	Platform    Platform        `toml:"platform"`
	Redis       Redis           `toml:"redis"`
	Consumer    Consumer        `toml:"consumer"`
	Producer    Producer        `toml:"producer"`
	Sink        Sink            `toml:"sink"`
}

type Participant struct {
	ID                    string                 `toml:"id"`
	Mode                  channel.ReceiveMode    `toml:"mode"`
	StartingOffset        channel.StartingOffset `toml:"starting_offset"`
	FallbackOffset        channel.FallbackOffset `toml:"fallback_offset"`
	LeaseTerm             Duration               `toml:"lease_term"`
	HeartbeatInterval     Duration               `toml:"heartbeat_interval"`
	WritesDoneGracePeriod Duration               `toml:"writes_done_grace_period"`
}

type Platform struct {
	Address     string   `toml:"address"`
	DialTimeout Duration `toml:"dial_timeout"`
}

type Redis struct {
	Addr             string   `toml:"addr"`
	LeasePrefix      string   `toml:"lease_prefix"`
	CheckpointPrefix string   `toml:"checkpoint_prefix"`
	CheckpointTTL    Duration `toml:"checkpoint_ttl"`
}

type Consumer struct {
	ReceiveTimeout    Duration `toml:"receive_timeout"`
	ReconnectInterval Duration `toml:"reconnect_interval"`
	BackpressureDelay Duration `toml:"backpressure_delay"`
	CheckpointEvery   int      `toml:"checkpoint_every"`
}

type Producer struct {
	SendTimeout  Duration `toml:"send_timeout"`
	MaxAttempts  int      `toml:"max_attempts"`
	RetryBackoff Duration `toml:"retry_backoff"`
}

type Sink struct {
	StreamName string `toml:"stream_name"`
	Region     string `toml:"region"`
	Endpoint   string `toml:"endpoint"`
	ShardCount int32  `toml:"shard_count"`
}

// Load decodes path, applies defaults and validates the result. Unknown keys
// are rejected.
func Load(path string) (File, error) {
	var f File
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		return File{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := checkUndecoded(meta); err != nil {
		return File{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return f.finish()
}

// Parse is Load for an in-memory document.
func Parse(data string) (File, error) {
	var f File
	meta, err := toml.Decode(data, &f)
	if err != nil {
		return File{}, fmt.Errorf("parse config: %w", err)
	}
	if err := checkUndecoded(meta); err != nil {
		return File{}, fmt.Errorf("parse config: %w", err)
	}
	return f.finish()
}

func checkUndecoded(meta toml.MetaData) error {
	undecoded := meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}
	return fmt.Errorf("unknown keys %s", strings.Join(keys, ", "))
}

func (f File) finish() (File, error) {
	f = f.withDefaults()
	if err := f.validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func (f File) withDefaults() File {
	if f.Participant.ID == "" {
		f.Participant.ID = channel.NewIdentity()
	}
	if f.Participant.Mode == "" {
		f.Participant.Mode = channel.ModeEager
	}
	if f.Participant.LeaseTerm.Duration == 0 {
		f.Participant.LeaseTerm.Duration = 30 * time.Second
	}
	if f.Platform.Address == "" {
		f.Platform.Address = "localhost:7443"
	}
	if f.Platform.DialTimeout.Duration == 0 {
		f.Platform.DialTimeout.Duration = 10 * time.Second
	}
	if f.Redis.Addr == "" {
		f.Redis.Addr = "localhost:6379"
	}
	if f.Redis.LeasePrefix == "" {
		f.Redis.LeasePrefix = "channel:lease"
	}
	if f.Redis.CheckpointPrefix == "" {
		f.Redis.CheckpointPrefix = "channel:checkpoint"
	}
	if f.Redis.CheckpointTTL.Duration == 0 {
		f.Redis.CheckpointTTL.Duration = 30 * 24 * time.Hour
	}
	if f.Sink.Region == "" {
		f.Sink.Region = "us-east-1"
	}
	if f.Sink.ShardCount == 0 {
		f.Sink.ShardCount = 1
	}
	return f
}

func (f File) validate() error {
	if err := f.Channel.Validate(); err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	if err := f.Participant.Mode.Validate(); err != nil {
		return fmt.Errorf("participant: %w", err)
	}
	if f.Participant.Mode == channel.ModeEager && (f.Participant.StartingOffset != "" || f.Participant.FallbackOffset != "") {
		return errors.New("participant: starting offsets require controlled mode")
	}
	if f.Participant.StartingOffset != "" {
		if err := f.Participant.StartingOffset.Validate(); err != nil {
			return fmt.Errorf("participant: %w", err)
		}
	}
	if f.Participant.FallbackOffset != "" {
		if err := f.Participant.FallbackOffset.Validate(); err != nil {
			return fmt.Errorf("participant: %w", err)
		}
	}
	if f.Participant.LeaseTerm.Duration < 4*time.Millisecond {
		return errors.New("participant: lease_term must be >= 4ms")
	}
	if f.Consumer.CheckpointEvery < 0 {
		return errors.New("consumer: checkpoint_every must not be negative")
	}
	if f.Producer.MaxAttempts < 0 {
		return errors.New("producer: max_attempts must not be negative")
	}
	if f.Sink.ShardCount < 1 {
		return errors.New("sink: shard_count must be >= 1")
	}
	return nil
}

func (f File) ReceiverOptions(logger *slog.Logger) receiver.Options {
	return receiver.Options{
		Channel:               f.Channel,
		ReceiverID:            f.Participant.ID,
		LeaseTerm:             f.Participant.LeaseTerm.Duration,
		Mode:                  f.Participant.Mode,
		HeartbeatInterval:     f.Participant.HeartbeatInterval.Duration,
		WritesDoneGracePeriod: f.Participant.WritesDoneGracePeriod.Duration,
		StartingOffset:        f.Participant.StartingOffset,
		FallbackOffset:        f.Participant.FallbackOffset,
		Logger:                logger,
	}
}

func (f File) SenderOptions(logger *slog.Logger) sender.Options {
	return sender.Options{
		Channel:   f.Channel,
		SenderID:  f.Participant.ID,
		LeaseTerm: f.Participant.LeaseTerm.Duration,
		Logger:    logger,
	}
}

func (f File) ConsumerConfig(logger *slog.Logger) consumer.Config {
	return consumer.Config{
		Channel:           f.Channel,
		ReceiverID:        f.Participant.ID,
		Mode:              f.Participant.Mode,
		ReceiveTimeout:    f.Consumer.ReceiveTimeout.Duration,
		ReconnectInterval: f.Consumer.ReconnectInterval.Duration,
		BackpressureDelay: f.Consumer.BackpressureDelay.Duration,
		CheckpointEvery:   f.Consumer.CheckpointEvery,
		Logger:            logger,
	}
}

func (f File) ProducerConfig(logger *slog.Logger) producer.Config {
	return producer.Config{
		Channel:     f.Channel,
		SendTimeout: f.Producer.SendTimeout.Duration,
		Retry: producer.RetryConfig{
			MaxAttempts: f.Producer.MaxAttempts,
			Backoff:     f.Producer.RetryBackoff.Duration,
		},
		Logger: logger,
	}
}

// LeaseConfig returns the lease settings for a participant of the given type.
func (f File) LeaseConfig(leaseType channel.LeaseType, logger *slog.Logger) lease.Config {
	return lease.Config{
		Channel:  f.Channel,
		Lessee:   f.Participant.ID,
		Type:     leaseType,
		Duration: f.Participant.LeaseTerm.Duration,
		Logger:   logger,
	}
}
