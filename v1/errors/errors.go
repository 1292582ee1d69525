// Package errors holds the sentinel errors shared by the seckill packages.
// Callers match them with the standard errors.Is.
package errors

import "errors"

var (
	// ErrTimeout is returned when a durable store operation hit its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrUnavailable marks a retryable infrastructure failure of the shared
	// cache or the durable store.
	ErrUnavailable = errors.New("dependency unavailable")

	// ErrRetryExhausted is returned when a mutex-protected read gave up
	// waiting for another loader.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrQueueFull is returned when the order queue has no free slot.
	ErrQueueFull = errors.New("order queue full")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")

	// ErrUnknownStrategy is returned by core.Read for a strategy it does not know.
	ErrUnknownStrategy = errors.New("unknown cache strategy")
)
