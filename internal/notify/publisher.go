// Package notify fans committed state transitions out to audience groups
// over one or more push transports.
package notify

import (
	"context"
	"errors"
	"fmt"
)

// Publisher delivers one event to one audience group
type Publisher interface {
	Publish(ctx context.Context, group, eventName string, payload interface{}) error
}

// Sequencer hands out increasing sequence numbers per group
type Sequencer interface {
	NextSequence(ctx context.Context, group string) (int64, error)
}

// Multi publishes to every transport and reports the ones that failed
type Multi []Publisher

// Publish sends to all transports even when some fail
func (m Multi) Publish(ctx context.Context, group, eventName string, payload interface{}) error {
	var errs []error
	for i, p := range m {
		if err := p.Publish(ctx, group, eventName, payload); err != nil {
			errs = append(errs, fmt.Errorf("transport %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
