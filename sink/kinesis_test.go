package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/pratilipi/channel-client-go/channel"
)

var testChannel = channel.Channel{EventID: "e1", StreamID: "s1"}

type fakeKinesis struct {
	mu        sync.Mutex
	putErr    error
	inputs    []*kinesis.PutRecordInput
	createErr error
	creates   int
	describes int
}

func (f *fakeKinesis) PutRecord(_ context.Context, in *kinesis.PutRecordInput, _ ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &kinesis.PutRecordOutput{SequenceNumber: aws.String("1"), ShardId: aws.String("shardId-0")}, nil
}

func (f *fakeKinesis) CreateStream(context.Context, *kinesis.CreateStreamInput, ...func(*kinesis.Options)) (*kinesis.CreateStreamOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &kinesis.CreateStreamOutput{}, nil
}

func (f *fakeKinesis) DescribeStream(_ context.Context, in *kinesis.DescribeStreamInput, _ ...func(*kinesis.Options)) (*kinesis.DescribeStreamOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describes++
	return &kinesis.DescribeStreamOutput{
		StreamDescription: &types.StreamDescription{
			StreamName:   in.StreamName,
			StreamStatus: types.StreamStatusActive,
		},
	}, nil
}

func TestKinesisSinkWritesRecords(t *testing.T) {
	client := &fakeKinesis{}
	s, err := NewKinesisSink(client, "events", testChannel)
	require.NoError(t, err)

	require.NoError(t, s.Write(context.Background(), channel.Packet{Offset: 4, Payload: []byte("hello")}))
	assert.Equal(t, int64(1), s.Written())

	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, "events", aws.ToString(in.StreamName))
	assert.Equal(t, "e1/s1", aws.ToString(in.PartitionKey))
	assert.Equal(t, []byte("hello"), in.Data)

	require.NoError(t, s.Close())
	err = s.Write(context.Background(), channel.Packet{Offset: 5})
	assert.Equal(t, codes.FailedPrecondition, channel.Code(err))
}

func TestKinesisSinkPartitionKeyOption(t *testing.T) {
	client := &fakeKinesis{}
	s, err := NewKinesisSink(client, "events", testChannel, WithPartitionKey(OffsetPartitionKey))
	require.NoError(t, err)

	require.NoError(t, s.Write(context.Background(), channel.Packet{Offset: 42}))
	assert.Equal(t, "42", aws.ToString(client.inputs[0].PartitionKey))
}

func TestKinesisSinkErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"throughput", &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}, codes.Unavailable},
		{"kms throttling", &types.KMSThrottlingException{Message: aws.String("slow down")}, codes.Unavailable},
		{"limit", &types.LimitExceededException{Message: aws.String("too many")}, codes.Unavailable},
		{"missing stream", &types.ResourceNotFoundException{Message: aws.String("no stream")}, codes.NotFound},
		{"bad input", &types.InvalidArgumentException{Message: aws.String("bad")}, codes.InvalidArgument},
		{"cancelled", context.Canceled, codes.Canceled},
		{"other", errors.New("connection reset"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewKinesisSink(&fakeKinesis{putErr: tt.err}, "events", testChannel)
			require.NoError(t, err)

			err = s.Write(context.Background(), channel.Packet{Offset: 1})
			assert.Equal(t, tt.want, channel.Code(err))
			assert.False(t, channel.IsTransientNotFound(err))
			assert.Zero(t, s.Written())
		})
	}
}

func TestEnsureStream(t *testing.T) {
	client := &fakeKinesis{}
	require.NoError(t, EnsureStream(context.Background(), client, "events", 2, time.Minute))
	assert.Equal(t, 1, client.creates)
	assert.GreaterOrEqual(t, client.describes, 1)

	existing := &fakeKinesis{createErr: &types.ResourceInUseException{Message: aws.String("exists")}}
	require.NoError(t, EnsureStream(context.Background(), existing, "events", 2, time.Minute))

	broken := &fakeKinesis{createErr: &types.LimitExceededException{Message: aws.String("too many")}}
	err := EnsureStream(context.Background(), broken, "events", 2, time.Minute)
	var limit *types.LimitExceededException
	assert.ErrorAs(t, err, &limit)
	assert.Zero(t, broken.describes)
}

func TestNewKinesisSinkValidates(t *testing.T) {
	_, err := NewKinesisSink(nil, "events", testChannel)
	assert.Error(t, err)
	_, err = NewKinesisSink(&fakeKinesis{}, "", testChannel)
	assert.Error(t, err)
}

func TestLogSink(t *testing.T) {
	var s LogSink
	require.NoError(t, s.Write(context.Background(), channel.Packet{Offset: 1}))
	require.NoError(t, s.Close())
}
