// Package transport defines the bidirectional session primitive the engines
// run on. Implementations live in subpackages.
package transport

import (
	"context"
	"time"

	"google.golang.org/grpc/status"

	"github.com/pratilipi/channel-client-go/channel"
)

type Kind string

const (
	KindSend    Kind = "send"
	KindReceive Kind = "receive"
)

// Transport opens sessions against the platform.
type Transport interface {
	Open(ctx context.Context, kind Kind) (Session, error)
}

// Session is one bidirectional stream. Read and Write may be called
// concurrently with each other, but each must be called from one goroutine
// at a time.
type Session interface {
	// Write sends one frame. It returns io.EOF once the platform has ended
	// the session; the cause is then available from Finish.
	Write(f Frame) error
	// Read returns the next frame, io.EOF when the platform closed the read
	// half cleanly, or another error when the session broke.
	Read() (Frame, error)
	// CloseWrite half-closes the client side.
	CloseWrite() error
	// Finish waits for the platform's terminal status and releases the
	// session. It must only be called after Read has returned an error.
	Finish() *status.Status
	// Cancel aborts the session, unblocking any pending Read or Write.
	Cancel()
}

type FrameType string

const (
	FrameSetup             FrameType = "setup"
	FramePacket            FrameType = "packet"
	FrameCommit            FrameType = "commit"
	FrameHeartbeat         FrameType = "heartbeat"
	FrameWritesDoneRequest FrameType = "writes-done-request"
)

type Frame struct {
	Type   FrameType       `json:"type"`
	Setup  *Setup          `json:"setup,omitempty"`
	Packet *channel.Packet `json:"packet,omitempty"`
	// Offset is the committed offset of a commit frame.
	Offset int64 `json:"offset,omitempty"`
}

// Setup is the handshake, always the first frame a client writes.
type Setup struct {
	Channel               channel.Channel        `json:"channel"`
	Identity              string                 `json:"identity"`
	LeaseTerm             time.Duration          `json:"lease_term"`
	ReceiveMode           channel.ReceiveMode    `json:"receive_mode,omitempty"`
	HeartbeatInterval     time.Duration          `json:"heartbeat_interval,omitempty"`
	WritesDoneGracePeriod time.Duration          `json:"writes_done_grace_period,omitempty"`
	StartingOffset        channel.StartingOffset `json:"starting_logical_offset,omitempty"`
	FallbackOffset        channel.FallbackOffset `json:"fallback_starting_offset,omitempty"`
}

func SetupFrame(s Setup) Frame {
	return Frame{Type: FrameSetup, Setup: &s}
}

func PacketFrame(p channel.Packet) Frame {
	return Frame{Type: FramePacket, Packet: &p}
}

func CommitFrame(offset int64) Frame {
	return Frame{Type: FrameCommit, Offset: offset}
}

func HeartbeatFrame() Frame {
	return Frame{Type: FrameHeartbeat}
}

func WritesDoneRequestFrame() Frame {
	return Frame{Type: FrameWritesDoneRequest}
}
