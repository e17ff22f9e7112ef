package sender

import (
	"sync"

	"google.golang.org/grpc/codes"

	"github.com/pratilipi/channel-client-go/channel"
)

// errorTracker keeps the most severe error seen, ordered OK < Canceled <
// anything else. Among errors of equal rank the first one wins.
type errorTracker struct {
	mu  sync.RWMutex
	err error
}

func severity(err error) int {
	switch channel.Code(err) {
	case codes.OK:
		return 0
	case codes.Canceled:
		return 1
	default:
		return 2
	}
}

func (t *errorTracker) observe(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if severity(err) > severity(t.err) {
		t.err = err
	}
}

func (t *errorTracker) get() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}
