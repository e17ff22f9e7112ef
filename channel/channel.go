package channel

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
)

// Channel identifies a logical data path: an event paired with a stream.
type Channel struct {
	EventID  string `json:"event_id" toml:"event_id"`
	StreamID string `json:"stream_id" toml:"stream_id"`
}

// New validates both identifiers and returns the channel.
func New(eventID, streamID string) (Channel, error) {
	ch := Channel{EventID: eventID, StreamID: streamID}
	if err := ch.Validate(); err != nil {
		return Channel{}, err
	}
	return ch, nil
}

func (c Channel) Validate() error {
	if err := ValidateID("event", c.EventID); err != nil {
		return err
	}
	return ValidateID("stream", c.StreamID)
}

func (c Channel) String() string {
	return c.EventID + "/" + c.StreamID
}

// Packet is an opaque, offset-tagged unit of payload.
type Packet struct {
	Offset  int64  `json:"offset"`
	Payload []byte `json:"payload,omitempty"`
}

type LeaseType string

const (
	LeaseReader LeaseType = "reader"
	LeaseWriter LeaseType = "writer"
)

func (t LeaseType) Validate() error {
	switch t {
	case LeaseReader, LeaseWriter:
		return nil
	default:
		return Errorf(codes.InvalidArgument, "unknown lease type %q", string(t))
	}
}

// Lease is a time-bounded grant of read or write access to a channel.
// A released lease has a zero Duration.
type Lease struct {
	ID           string        `json:"id"`
	Channel      Channel       `json:"channel"`
	Lessee       string        `json:"lessee"`
	Type         LeaseType     `json:"lease_type"`
	Duration     time.Duration `json:"duration"`
	AcquiredTime time.Time     `json:"acquired_time"`
}

func (l Lease) ExpiresAt() time.Time {
	return l.AcquiredTime.Add(l.Duration)
}

// Valid reports whether now falls inside [AcquiredTime, AcquiredTime+Duration).
func (l Lease) Valid(now time.Time) bool {
	if l.Duration <= 0 {
		return false
	}
	return !now.Before(l.AcquiredTime) && now.Before(l.ExpiresAt())
}

type ReceiveMode string

const (
	ModeEager      ReceiveMode = "eager"
	ModeControlled ReceiveMode = "controlled"
)

func (m ReceiveMode) Validate() error {
	switch m {
	case ModeEager, ModeControlled:
		return nil
	default:
		return Errorf(codes.InvalidArgument, "unknown receive mode %q", string(m))
	}
}

// StartingOffset selects where a controlled-mode session resumes.
type StartingOffset string

const (
	StartBegin      StartingOffset = "begin"
	StartMostRecent StartingOffset = "most-recent"
	StartEnd        StartingOffset = "end"
	StartStored     StartingOffset = "stored"
)

func (o StartingOffset) Validate() error {
	switch o {
	case StartBegin, StartMostRecent, StartEnd, StartStored:
		return nil
	default:
		return Errorf(codes.InvalidArgument, "unknown starting offset %q", string(o))
	}
}

// FallbackOffset is used when StartStored finds no committed offset.
type FallbackOffset string

const (
	FallbackBegin FallbackOffset = "begin"
	FallbackEnd   FallbackOffset = "end"
)

func (o FallbackOffset) Validate() error {
	switch o {
	case FallbackBegin, FallbackEnd:
		return nil
	default:
		return Errorf(codes.InvalidArgument, "unknown fallback offset %q", string(o))
	}
}

// Key renders a stable storage key for a channel scoped to a participant.
func Key(prefix string, ch Channel, participant string) string {
	return fmt.Sprintf("%s:%s:%s:%s", prefix, ch.EventID, ch.StreamID, participant)
}

// NewIdentity returns a process-unique participant name.
func NewIdentity() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "participant"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString())
}
