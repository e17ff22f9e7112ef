package checkpoint

import (
	"context"

	"google.golang.org/grpc/codes"

	"github.com/pratilipi/channel-client-go/channel"
)

// Store persists the commit offset of a receiver on a channel. Offsets only
// move forward: saving a value lower than the stored one fails with
// InvalidArgument, saving the same value again is a no-op.
type Store interface {
	Get(ctx context.Context, ch channel.Channel, receiver string) (offset int64, ok bool, err error)
	Save(ctx context.Context, ch channel.Channel, receiver string, offset int64) error
	Delete(ctx context.Context, ch channel.Channel, receiver string) error
}

func regression(ch channel.Channel, receiver string, current, offset int64) error {
	return channel.Errorf(codes.InvalidArgument, "commit offset %d for %s on %s is below stored offset %d", offset, receiver, ch, current)
}
