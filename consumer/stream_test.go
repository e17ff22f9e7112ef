package consumer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pratilipi/channel-client-go/channel"
	"github.com/pratilipi/channel-client-go/checkpoint"
	"github.com/pratilipi/channel-client-go/receiver"
	"github.com/pratilipi/channel-client-go/transport"
	"github.com/pratilipi/channel-client-go/transport/transporttest"
)

// scriptedPlatform sends packets 0..last with heartbeats in between, asks the
// client to finish writing and reports exhaustion once it has half-closed.
type scriptedPlatform struct {
	last int64

	mu      sync.Mutex
	commits []int64
}

func (p *scriptedPlatform) serve(peer *transporttest.Peer) error {
	if _, err := peer.Setup(); err != nil {
		return err
	}
	for offset := int64(0); offset <= p.last; offset++ {
		if err := peer.Send(transport.PacketFrame(channel.Packet{Offset: offset, Payload: []byte("p")})); err != nil {
			return err
		}
		if err := peer.Send(transport.HeartbeatFrame()); err != nil {
			return err
		}
	}
	if err := peer.Send(transport.WritesDoneRequestFrame()); err != nil {
		return err
	}
	for {
		f, err := peer.Recv()
		if errors.Is(err, io.EOF) {
			return channel.ErrEndOfStream
		}
		if err != nil {
			return err
		}
		if f.Type == transport.FrameCommit {
			p.mu.Lock()
			p.commits = append(p.commits, f.Offset)
			p.mu.Unlock()
		}
	}
}

func (p *scriptedPlatform) committed() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.commits...)
}

// slowSink takes delay per write, long enough for the writes-done request to
// arrive while a packet is still in flight.
type slowSink struct {
	fakeSink
	delay time.Duration
}

func (s *slowSink) Write(ctx context.Context, p channel.Packet) error {
	time.Sleep(s.delay)
	return s.fakeSink.Write(ctx, p)
}

func streamConsumer(t *testing.T, tr *transporttest.Transport, cfg Config, store checkpoint.Store, sink Sink, opts ...Option) *Consumer {
	t.Helper()
	cfg.ReceiveTimeout = time.Second
	d := &receiver.Dialer{
		Transport: tr,
		Options:   receiver.Options{Channel: testChannel, ReceiverID: cfg.ReceiverID, Mode: cfg.Mode},
	}
	c, err := New(cfg, StreamDialer(d), store, sink, opts...)
	require.NoError(t, err)
	return c
}

func TestControlledOverStreamCommitsEveryPacketWithSlowSink(t *testing.T) {
	p := &scriptedPlatform{last: 3}
	tr := transporttest.New(p.serve)
	store := checkpoint.NewMemoryStore()
	sink := &slowSink{delay: 2 * time.Millisecond}
	done := &completion{}

	c := streamConsumer(t, tr, testConfig(channel.ModeControlled), store, sink, WithCompletionHandler(done.handler))
	start(t, c)

	assert.Equal(t, 1, tr.Opens(), "the session ends without a reconnect")
	assert.Equal(t, []int64{0, 1, 2, 3}, p.committed())
	assert.Equal(t, []int64{3}, done.calls())

	_, written, closed := sink.snapshot()
	assert.Equal(t, []int64{0, 1, 2, 3}, written)
	assert.Equal(t, 1, closed)

	stored, ok, err := store.Get(context.Background(), testChannel, "r1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), stored)
}

func TestControlledOverStreamCommitsTailBeforeWritesDone(t *testing.T) {
	p := &scriptedPlatform{last: 3}
	tr := transporttest.New(p.serve)
	done := &completion{}

	cfg := testConfig(channel.ModeControlled)
	cfg.CheckpointEvery = 3
	c := streamConsumer(t, tr, cfg, checkpoint.NewMemoryStore(), &slowSink{delay: 2 * time.Millisecond}, WithCompletionHandler(done.handler))
	start(t, c)

	assert.Equal(t, 1, tr.Opens())
	assert.Equal(t, []int64{2, 3}, p.committed())
	assert.Equal(t, []int64{3}, done.calls())
}

func TestEagerOverStreamCompletesOnce(t *testing.T) {
	p := &scriptedPlatform{last: 2}
	tr := transporttest.New(p.serve)
	sink := &slowSink{delay: 2 * time.Millisecond}
	done := &completion{}

	c := streamConsumer(t, tr, testConfig(channel.ModeEager), nil, sink, WithCompletionHandler(done.handler))
	start(t, c)

	assert.Equal(t, 1, tr.Opens())
	assert.Empty(t, p.committed())
	assert.Equal(t, []int64{2}, done.calls())
	_, written, _ := sink.snapshot()
	assert.Equal(t, []int64{0, 1, 2}, written)
}
