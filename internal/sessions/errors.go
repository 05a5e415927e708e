package sessions

import "errors"

// Session errors.
var (
	// ErrPeerConnectionFailed is returned when the WebRTC peer connection
	// fails or disconnects.
	ErrPeerConnectionFailed = errors.New("sessions: peer connection failed")

	// ErrNoSignal is returned when a connected session stops delivering
	// frames.
	ErrNoSignal = errors.New("sessions: no signal")

	// ErrTransportUnavailable is returned after too many consecutive
	// fetch failures on the polling transport.
	ErrTransportUnavailable = errors.New("sessions: transport unavailable")
)
