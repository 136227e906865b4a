// Package scheduler drives cooperative control loops one tick at a time.
package scheduler

import "context"

// Ticker is a control loop that advances by one bounded iteration per call.
type Ticker interface {
	// Tick runs a single scheduling iteration. done is true once the loop has
	// nothing left to do.
	Tick(ctx context.Context) (done bool, err error)
}

// TickFunc adapts a function to the Ticker interface.
type TickFunc func(ctx context.Context) (bool, error)

// Tick calls f(ctx).
func (f TickFunc) Tick(ctx context.Context) (bool, error) {
	return f(ctx)
}
