package session

import "fmt"

// NegotiationError means the engine rejected the peer's offer or could not answer it. It ends the
// session.
type NegotiationError struct {
	Stage string
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed to %s: %v", e.Stage, e.Err)
}

// Unwrap returns the engine's error.
func (e *NegotiationError) Unwrap() error {
	return e.Err
}
