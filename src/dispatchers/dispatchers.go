// Package dispatchers defines the delivery contract between the processor
// and destination sinks, plus the point preparation helpers the concrete
// dispatchers share.
package dispatchers

import (
	"context"
	"errors"

	"github.com/sandrolain/mqtt-relay/src/models"
)

// ErrUnsupportedDestination is returned when no dispatcher exists for a
// destination type.
var ErrUnsupportedDestination = errors.New("unsupported destination type")

// SnippetLimit caps the response excerpt recorded on a dispatch row.
const SnippetLimit = 512

// Dispatcher delivers a batch of parsed points to one destination.
// Synchronous dispatchers return the final Result from Dispatch;
// asynchronous ones return (nil, nil) and deliver the final Result through
// the callback they were constructed with.
type Dispatcher interface {
	Dispatch(ctx context.Context, points []models.Point) (*Result, error)
	Asynchronous() bool
	Close() error
}

// Result is the outcome of one delivery attempt. Status is one of sent,
// retrying or failed; retrying marks the cause as transient.
type Result struct {
	Status          models.DispatchStatus
	HTTPStatus      int
	ResponseSnippet string
}

// Callback receives the final Result of an asynchronous dispatcher.
type Callback func(*Result)

// Sent reports whether the attempt delivered the batch.
func (r *Result) Sent() bool {
	return r != nil && r.Status == models.DispatchStatusSent
}

// Sent builds a successful result.
func Sent(snippet string) *Result {
	return &Result{Status: models.DispatchStatusSent, ResponseSnippet: Snippet(snippet)}
}

// Failed builds a permanent failure result.
func Failed(snippet string) *Result {
	return &Result{Status: models.DispatchStatusFailed, ResponseSnippet: Snippet(snippet)}
}

// Retrying builds a transient failure result.
func Retrying(snippet string) *Result {
	return &Result{Status: models.DispatchStatusRetrying, ResponseSnippet: Snippet(snippet)}
}

// Snippet truncates a response excerpt to SnippetLimit bytes.
func Snippet(s string) string {
	if len(s) > SnippetLimit {
		return s[:SnippetLimit]
	}
	return s
}
