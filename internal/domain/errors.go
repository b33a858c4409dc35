package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransport reports that the signaling channel is unreachable.
	ErrTransport = errors.New("signaling transport unavailable")
	// ErrJoinTimeout reports that no room confirmation arrived in time.
	ErrJoinTimeout = errors.New("room join not confirmed in time")
	// ErrAnswerTimeout reports that an offer went unanswered.
	ErrAnswerTimeout = errors.New("no answer received in time")
	// ErrProtocol marks signaling messages that make no sense in the current state.
	ErrProtocol = errors.New("signaling protocol error")
	// ErrNegotiation marks failed offer/answer or ICE negotiation.
	ErrNegotiation = errors.New("negotiation failed")
	// ErrNoStream reports a missing or dead media stream.
	ErrNoStream = errors.New("media stream unavailable")
	// ErrClosed is returned by components used after disposal.
	ErrClosed = errors.New("closed")
)

// BreakerOpenError rejects a connection attempt while the circuit breaker
// is open.
type BreakerOpenError struct {
	RetryIn time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("temporarily unavailable, retry in %dms", e.RetryIn.Milliseconds())
}

// Describe translates err into the user-visible status and reason.
func Describe(err error) StatusReport {
	if err == nil {
		return StatusReport{Status: StatusConnected}
	}

	var open *BreakerOpenError
	switch {
	case errors.As(err, &open):
		return StatusReport{Status: StatusFailed, Reason: open.Error()}
	case errors.Is(err, ErrTransport):
		return StatusReport{Status: StatusDisconnected, Reason: "signaling server unreachable"}
	case errors.Is(err, ErrJoinTimeout):
		return StatusReport{Status: StatusFailed, Reason: "could not join the room"}
	case errors.Is(err, ErrAnswerTimeout):
		return StatusReport{Status: StatusFailed, Reason: "peer did not answer"}
	case errors.Is(err, ErrNegotiation):
		return StatusReport{Status: StatusFailed, Reason: "connection could not be established"}
	case errors.Is(err, ErrNoStream):
		return StatusReport{Status: StatusConnected, Reason: "connected without media"}
	case errors.Is(err, ErrProtocol):
		return StatusReport{Status: StatusConnecting, Reason: "ignored unexpected signaling message"}
	case errors.Is(err, ErrClosed):
		return StatusReport{Status: StatusDisconnected, Reason: "session closed"}
	}
	return StatusReport{Status: StatusFailed, Reason: "unexpected error"}
}
