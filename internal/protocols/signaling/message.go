// Package signaling implements the client side of the device's
// per-camera signaling websocket.
package signaling

// Message types exchanged on the signaling socket.
const (
	MessageTypeOffer     = "offer"
	MessageTypeAnswer    = "answer"
	MessageTypeCandidate = "ice-candidate"
	MessageTypeError     = "error"
)

// Message is one signaling frame.
type Message struct {
	Type string `json:"type"`

	// offer / answer
	SDP string `json:"sdp,omitempty"`

	// ice-candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}
