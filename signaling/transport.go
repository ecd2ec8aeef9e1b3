package signaling

import (
	"context"
	"fmt"
)

// Transport is one peer's control channel.
type Transport interface {
	// Receive blocks for the next message. It returns io.EOF once the peer closed the channel
	// normally, ctx.Err() when ctx ends first, and a *TransportError otherwise.
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, env Envelope) error
	Close() error
	RemoteAddr() string
}

// TransportError is a control channel or side channel failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("signaling transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}
