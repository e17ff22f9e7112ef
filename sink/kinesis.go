// Package sink writes received packets to a downstream event stream.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/aws/smithy-go"
	"google.golang.org/grpc/codes"

	"github.com/pratilipi/channel-client-go/channel"
)

// PutRecordAPI is the part of *kinesis.Client the sink uses.
type PutRecordAPI interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

type KinesisOption func(*KinesisSink)

// WithPartitionKey overrides the default key, which keeps every packet of a
// channel on one shard.
func WithPartitionKey(fn func(channel.Packet) string) KinesisOption {
	return func(s *KinesisSink) {
		if fn != nil {
			s.partitionKey = fn
		}
	}
}

// KinesisSink puts each packet as one record. Throughput errors surface as
// Unavailable so callers can back off.
type KinesisSink struct {
	client       PutRecordAPI
	streamName   string
	partitionKey func(channel.Packet) string
	written      atomic.Int64
	closed       atomic.Bool
}

func NewKinesisSink(client PutRecordAPI, streamName string, ch channel.Channel, opts ...KinesisOption) (*KinesisSink, error) {
	if client == nil {
		return nil, errors.New("kinesis client is required")
	}
	if streamName == "" {
		return nil, errors.New("stream name is required")
	}
	key := ch.String()
	s := &KinesisSink{
		client:       client,
		streamName:   streamName,
		partitionKey: func(channel.Packet) string { return key },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *KinesisSink) Write(ctx context.Context, p channel.Packet) error {
	if s.closed.Load() {
		return channel.Errorf(codes.FailedPrecondition, "sink closed")
	}
	_, err := s.client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(s.streamName),
		PartitionKey: aws.String(s.partitionKey(p)),
		Data:         p.Payload,
	})
	if err != nil {
		return classify(p.Offset, err)
	}
	s.written.Add(1)
	return nil
}

// Written counts records accepted by the stream.
func (s *KinesisSink) Written() int64 {
	return s.written.Load()
}

func (s *KinesisSink) Close() error {
	s.closed.Store(true)
	return nil
}

func classify(offset int64, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return channel.FromContext(err)
	}

	var (
		throughput  *types.ProvisionedThroughputExceededException
		kmsThrottle *types.KMSThrottlingException
		limit       *types.LimitExceededException
		notFound    *types.ResourceNotFoundException
		invalid     *types.InvalidArgumentException
	)
	switch {
	case errors.As(err, &throughput), errors.As(err, &kmsThrottle), errors.As(err, &limit):
		return channel.Errorf(codes.Unavailable, "put record %d: %v", offset, err)
	case errors.As(err, &notFound):
		return channel.Errorf(codes.NotFound, "put record %d: %v", offset, err)
	case errors.As(err, &invalid):
		return channel.Errorf(codes.InvalidArgument, "put record %d: %v", offset, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultServer {
		return channel.Errorf(codes.Unavailable, "put record %d: %v", offset, err)
	}
	return channel.Errorf(codes.Internal, "put record %d: %v", offset, err)
}

// EnsureStreamAPI is the part of *kinesis.Client EnsureStream uses.
type EnsureStreamAPI interface {
	CreateStream(ctx context.Context, params *kinesis.CreateStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.CreateStreamOutput, error)
	kinesis.DescribeStreamAPIClient
}

// EnsureStream creates the stream if needed and waits until it is active.
// A stream that already exists is not an error.
func EnsureStream(ctx context.Context, cli EnsureStreamAPI, name string, shardCount int32, maxWait time.Duration) error {
	_, err := cli.CreateStream(ctx, &kinesis.CreateStreamInput{
		StreamName: aws.String(name),
		ShardCount: aws.Int32(shardCount),
	})
	if err != nil {
		var alreadyExists *types.ResourceInUseException
		if !errors.As(err, &alreadyExists) {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
	}

	waiter := kinesis.NewStreamExistsWaiter(cli)
	if err := waiter.Wait(ctx, &kinesis.DescribeStreamInput{StreamName: aws.String(name)}, maxWait); err != nil {
		return fmt.Errorf("wait for stream %s: %w", name, err)
	}
	return nil
}

// OffsetPartitionKey spreads packets across shards by offset. Ordering is
// then only kept per shard.
func OffsetPartitionKey(p channel.Packet) string {
	return strconv.FormatInt(p.Offset, 10)
}
