package consumer

import (
	"errors"

	"github.com/pratilipi/channel-client-go/lease"
)

// Option configures optional consumer features.
type Option func(*consumerOptions) error

type consumerOptions struct {
	leaseManager *lease.Manager
	onComplete   CompletionFunc
}

func applyOptions(opts []Option) (consumerOptions, error) {
	var cfg consumerOptions
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return consumerOptions{}, err
		}
	}
	return cfg, nil
}

// WithLeaseManager runs the manager for the lifetime of Start. An acquisition
// failure stops the consumer; the lease is released when Start returns.
// Pass the same manager as the lease source of the dialer so sessions carry
// the lease identity.
func WithLeaseManager(manager *lease.Manager) Option {
	return func(cfg *consumerOptions) error {
		if manager == nil {
			return errors.New("lease manager cannot be nil")
		}
		cfg.leaseManager = manager
		return nil
	}
}

// WithCompletionHandler is called once when the stream is exhausted.
func WithCompletionHandler(fn CompletionFunc) Option {
	if fn == nil {
		return func(*consumerOptions) error {
			return errors.New("completion handler cannot be nil")
		}
	}
	return func(cfg *consumerOptions) error {
		cfg.onComplete = fn
		return nil
	}
}
