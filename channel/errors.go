package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PlatformMarker tags NotFound messages that signal "no packet yet"
// rather than a missing resource. Receivers poll again on such errors.
const PlatformMarker = "platform:"

var (
	// ErrNoPacket is returned by a receive call that timed out without data.
	ErrNoPacket = status.Error(codes.NotFound, PlatformMarker+" no packet available before deadline")

	// ErrEndOfStream is the terminal status of an exhausted stream.
	ErrEndOfStream = status.Error(codes.OutOfRange, "end of stream")
)

// Errorf builds a status error with the given code.
func Errorf(code codes.Code, format string, args ...any) error {
	return status.Error(code, fmt.Sprintf(format, args...))
}

// Code classifies err. Wrapped status errors keep their code, context errors
// map to Canceled/DeadlineExceeded and everything else is Unknown.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Code()
	}
	return codes.Unknown
}

// IsTransientNotFound reports a NotFound carrying the platform marker.
func IsTransientNotFound(err error) bool {
	if Code(err) != codes.NotFound {
		return false
	}
	s, _ := status.FromError(err)
	return strings.Contains(s.Message(), PlatformMarker)
}

// Retryable reports whether err is worth retrying in place without
// recreating the session.
func Retryable(err error) bool {
	return Code(err) == codes.Unavailable || IsTransientNotFound(err)
}

// FromContext converts a context error into a status error.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	return status.FromContextError(err).Err()
}
