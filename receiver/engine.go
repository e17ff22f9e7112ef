// Package receiver implements the receive side of a channel session: the
// handshake, independently closing read and write halves, commit checkpoints
// and the terminal status exchange.
package receiver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pratilipi/channel-client-go/channel"
	"github.com/pratilipi/channel-client-go/transport"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateNegotiated
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateNegotiated:
		return "negotiated"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

type Options struct {
	Channel               channel.Channel
	ReceiverID            string
	LeaseTerm             time.Duration
	Mode                  channel.ReceiveMode
	HeartbeatInterval     time.Duration
	WritesDoneGracePeriod time.Duration
	// StartingOffset and FallbackOffset apply to controlled mode only.
	StartingOffset channel.StartingOffset
	FallbackOffset channel.FallbackOffset
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ReceiverID == "" {
		o.ReceiverID = channel.NewIdentity()
	}
	if o.LeaseTerm == 0 {
		o.LeaseTerm = 30 * time.Second
	}
	if o.Mode == "" {
		o.Mode = channel.ModeEager
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.Mode == channel.ModeControlled {
		if o.StartingOffset == "" {
			o.StartingOffset = channel.StartStored
		}
		if o.FallbackOffset == "" {
			o.FallbackOffset = channel.FallbackBegin
		}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

func (o Options) validate() error {
	if err := o.Channel.Validate(); err != nil {
		return err
	}
	if err := o.Mode.Validate(); err != nil {
		return err
	}
	if o.LeaseTerm < 0 || o.HeartbeatInterval < 0 || o.WritesDoneGracePeriod < 0 {
		return channel.Errorf(codes.InvalidArgument, "durations must not be negative")
	}
	if o.Mode == channel.ModeEager {
		if o.StartingOffset != "" || o.FallbackOffset != "" {
			return channel.Errorf(codes.InvalidArgument, "starting offsets require controlled mode")
		}
		return nil
	}
	if err := o.StartingOffset.Validate(); err != nil {
		return err
	}
	return o.FallbackOffset.Validate()
}

func (o Options) setup() transport.Setup {
	return transport.Setup{
		Channel:               o.Channel,
		Identity:              o.ReceiverID,
		LeaseTerm:             o.LeaseTerm,
		ReceiveMode:           o.Mode,
		HeartbeatInterval:     o.HeartbeatInterval,
		WritesDoneGracePeriod: o.WritesDoneGracePeriod,
		StartingOffset:        o.StartingOffset,
		FallbackOffset:        o.FallbackOffset,
	}
}

// Engine drives one receive session. Read is meant for a single reader
// goroutine; WriteCommit, WritesDone and Cancel may be called from others.
type Engine struct {
	tr     transport.Transport
	opts   Options
	logger *slog.Logger

	// writeMu keeps commit frames ordered with the write half-close.
	writeMu sync.Mutex

	mu            sync.Mutex
	state         State
	session       transport.Session
	readClosed    bool
	writeClosed   bool
	readErr       error
	lastCommit    int64
	hasCommit     bool
	commits       int
	writesDone    bool
	writesDoneErr error
	final         *status.Status
}

func NewEngine(tr transport.Transport, opts Options) (*Engine, error) {
	if tr == nil {
		return nil, errors.New("transport is required")
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Engine{
		tr:     tr,
		opts:   opts,
		logger: opts.Logger.With(slog.String("channel", opts.Channel.String()), slog.String("receiver", opts.ReceiverID)),
	}, nil
}

func (e *Engine) Options() Options {
	return e.opts
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Open starts the session and sends the handshake. A failed handshake
// finishes the engine with the write error.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateClosed {
		state := e.state
		e.mu.Unlock()
		return channel.Errorf(codes.FailedPrecondition, "open in state %s", state)
	}
	e.mu.Unlock()

	session, err := e.tr.Open(ctx, transport.KindReceive)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.session = session
	e.state = StateOpen
	e.mu.Unlock()

	if err := session.Write(transport.SetupFrame(e.opts.setup())); err != nil {
		session.Cancel()
		e.mu.Lock()
		e.state = StateFinished
		e.readClosed, e.writeClosed = true, true
		e.final = status.Convert(err)
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	e.state = StateNegotiated
	e.mu.Unlock()
	e.logger.Debug("session negotiated", slog.String("mode", string(e.opts.Mode)))
	return nil
}

// Read returns the next packet or control frame. It returns false once the
// platform closed the read half, or the engine was cancelled.
func (e *Engine) Read() (transport.Frame, bool) {
	e.mu.Lock()
	session := e.session
	ok := e.state == StateNegotiated && !e.readClosed
	e.mu.Unlock()
	if !ok {
		return transport.Frame{}, false
	}

	f, err := session.Read()
	if err != nil {
		e.mu.Lock()
		e.readClosed = true
		e.readErr = err
		e.mu.Unlock()
		if !errors.Is(err, io.EOF) {
			e.logger.Debug("read half closed", slog.Any("err", err))
		}
		return transport.Frame{}, false
	}
	return f, true
}

// WriteCommit checkpoints offset with the platform. Offsets must strictly
// increase across the life of the session.
func (e *Engine) WriteCommit(offset int64) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	session := e.session
	switch {
	case e.state != StateNegotiated:
		state := e.state
		e.mu.Unlock()
		return channel.Errorf(codes.FailedPrecondition, "commit in state %s", state)
	case e.writeClosed:
		e.mu.Unlock()
		return channel.Errorf(codes.FailedPrecondition, "commit after writes done")
	case offset < 0:
		e.mu.Unlock()
		return channel.Errorf(codes.InvalidArgument, "commit offset %d is negative", offset)
	case e.hasCommit && offset <= e.lastCommit:
		last := e.lastCommit
		e.mu.Unlock()
		return channel.Errorf(codes.InvalidArgument, "commit offset %d not above last committed %d", offset, last)
	}
	e.mu.Unlock()

	if err := session.Write(transport.CommitFrame(offset)); err != nil {
		return err
	}

	e.mu.Lock()
	e.lastCommit = offset
	e.hasCommit = true
	e.commits++
	e.mu.Unlock()
	return nil
}

// LastCommit returns the highest offset written, if any.
func (e *Engine) LastCommit() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCommit, e.hasCommit
}

// Commits counts the commit frames written successfully.
func (e *Engine) Commits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commits
}

// WritesDone closes the write half. Only the first call reaches the
// transport; later calls return its result.
func (e *Engine) WritesDone() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	if e.writesDone {
		err := e.writesDoneErr
		e.mu.Unlock()
		return err
	}
	if e.state != StateNegotiated {
		state := e.state
		e.mu.Unlock()
		return channel.Errorf(codes.FailedPrecondition, "writes done in state %s", state)
	}
	session := e.session
	e.mu.Unlock()

	err := session.CloseWrite()

	e.mu.Lock()
	e.writesDone = true
	e.writesDoneErr = err
	e.writeClosed = true
	e.mu.Unlock()
	return err
}

// Cancel force-closes both halves. The terminal status will then report the
// cancellation rather than the platform's own outcome.
func (e *Engine) Cancel() {
	e.mu.Lock()
	session := e.session
	if e.state != StateFinished {
		e.readClosed, e.writeClosed = true, true
	}
	e.mu.Unlock()
	if session != nil {
		session.Cancel()
	}
}

// Finish returns the platform's terminal status and releases the session.
// Both halves must be closed first.
func (e *Engine) Finish() (*status.Status, error) {
	e.mu.Lock()
	if e.state == StateFinished {
		st := e.final
		e.mu.Unlock()
		return st, nil
	}
	if e.state == StateClosed {
		e.mu.Unlock()
		return nil, channel.Errorf(codes.FailedPrecondition, "finish before open")
	}
	if !e.readClosed || !e.writeClosed {
		readClosed, writeClosed := e.readClosed, e.writeClosed
		e.mu.Unlock()
		return nil, channel.Errorf(codes.FailedPrecondition, "finish with read closed=%t write closed=%t", readClosed, writeClosed)
	}
	session := e.session
	e.mu.Unlock()

	st := session.Finish()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateFinished {
		e.state = StateFinished
		e.final = st
	}
	return e.final, nil
}

// Close cancels and finishes a session that was not finished cleanly. The
// resulting status is logged, not returned.
func (e *Engine) Close() {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state == StateClosed || state == StateFinished {
		return
	}

	e.Cancel()
	st, err := e.Finish()
	if err != nil {
		e.logger.Info("finish receive session", slog.Any("err", err))
		return
	}
	if st.Code() != codes.OK {
		e.logger.Info("receive session closed", slog.String("code", st.Code().String()), slog.String("message", st.Message()))
	}
}
