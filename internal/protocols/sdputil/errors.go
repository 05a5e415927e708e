package sdputil

import "errors"

// Codec errors.
var (
	// ErrMalformedSDP is returned when a description cannot be parsed or
	// repaired into something negotiable.
	ErrMalformedSDP = errors.New("sdputil: malformed SDP")
)
