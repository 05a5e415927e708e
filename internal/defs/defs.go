// Package defs contains shared definitions.
package defs

import "fmt"

// Camera identifies one of the vehicle cameras.
type Camera string

// Cameras.
const (
	CameraFront    Camera = "front"
	CameraInterior Camera = "interior"
)

// AllCameras lists every camera the device exposes.
var AllCameras = []Camera{CameraFront, CameraInterior}

// ParseCamera validates a camera name.
func ParseCamera(s string) (Camera, error) {
	switch Camera(s) {
	case CameraFront, CameraInterior:
		return Camera(s), nil
	}
	return "", fmt.Errorf("unknown camera '%s'", s)
}

// TransportKind is a feed transport, in preference order.
type TransportKind int

// Transports, from most to least preferred.
const (
	TransportWebRTC TransportKind = iota
	TransportMJPEG
	TransportHTTPPoll
)

// String implements fmt.Stringer.
func (k TransportKind) String() string {
	switch k {
	case TransportWebRTC:
		return "webrtc"
	case TransportMJPEG:
		return "mjpeg"
	case TransportHTTPPoll:
		return "http_poll"
	}
	return "unknown"
}

// ParseTransportKind validates a transport name.
func ParseTransportKind(s string) (TransportKind, error) {
	switch s {
	case "webrtc":
		return TransportWebRTC, nil
	case "mjpeg":
		return TransportMJPEG, nil
	case "http_poll":
		return TransportHTTPPoll, nil
	}
	return 0, fmt.Errorf("unknown transport '%s'", s)
}

// Next returns the transport a camera demotes to, and false when
// there is nothing worse left.
func (k TransportKind) Next() (TransportKind, bool) {
	switch k {
	case TransportWebRTC:
		return TransportMJPEG, true
	case TransportMJPEG:
		return TransportHTTPPoll, true
	}
	return k, false
}

// ConnectionState is the per-(camera, transport) connection state.
type ConnectionState int

// Connection states.
const (
	StateIdle ConnectionState = iota
	StateNegotiating
	StateConnected
	StateDegraded
	StateFailed
)

// String implements fmt.Stringer.
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}
