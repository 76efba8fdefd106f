package session

import (
	"errors"
	"fmt"
)

var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrAuthFailure       = errors.New("authentication failure")
	ErrIllegalTransition = errors.New("illegal session state transition")
	// ErrNotStreaming is returned when world data would be sent before the session streams.
	ErrNotStreaming = errors.New("session is not streaming")
)

// State is the lifecycle position of a session.
type State uint8

const (
	Connected State = iota
	Authenticating
	Authenticated
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "CONNECTED"
	case Authenticating:
		return "AUTHENTICATING"
	case Authenticated:
		return "AUTHENTICATED"
	case Streaming:
		return "STREAMING"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

var transitions = map[State][]State{
	Connected:      {Authenticating, Closed},
	Authenticating: {Authenticated, Closed},
	Authenticated:  {Streaming, Closed},
	Streaming:      {Closed},
}

func (s State) CanTransition(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition returns to, or ErrIllegalTransition.
func (s State) Transition(to State) (State, error) {
	if !s.CanTransition(to) {
		return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, to)
	}
	return to, nil
}

// violation is a protocol error with the code reported to the client.
type violation struct {
	code string
	err  error
}

func (v *violation) Error() string { return v.code + ": " + v.err.Error() }
func (v *violation) Unwrap() error { return v.err }

func violate(code, format string, args ...any) error {
	return &violation{code: code, err: fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))}
}
