package engine

import "github.com/cockroachdb/errors"

var (
	ErrDisabled     = errors.New("task engine disabled")
	ErrStopped      = errors.New("task engine stopped")
	ErrStopping     = errors.New("task engine stopping")
	ErrQueueFull    = errors.New("task queue full")
	ErrMaxInstances = errors.New("maximum number of running instances reached")
)
