// Package sdputil builds and repairs SDP payloads for negotiation with
// the onboard device, whose signaling server is known to omit mandatory
// fields. Everything works on the parsed SDP model, never on raw lines.
package sdputil

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// RepairAnswer parses a remote answer and fixes the malformations the
// device is known to produce: media sections without a mid, and BUNDLE
// groups referencing mids that don't exist.
//
// It fails with ErrMalformedSDP when no session-level block can be
// located or when there is no media section at all, since there is
// nothing to attach a mid to.
func RepairAnswer(raw string) (*webrtc.SessionDescription, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSDP, err)
	}

	if len(desc.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("%w: no media sections", ErrMalformedSDP)
	}

	ensureMids(&desc)
	normalizeBundle(&desc)

	out, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSDP, err)
	}

	return &webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  string(out),
	}, nil
}

// ensureMids gives every media section a mid, using the section's
// ordinal index for missing ones.
func ensureMids(desc *sdp.SessionDescription) {
	for i, media := range desc.MediaDescriptions {
		if _, ok := media.Attribute("mid"); !ok {
			media.Attributes = append(media.Attributes, sdp.Attribute{
				Key:   "mid",
				Value: strconv.Itoa(i),
			})
		}
	}
}

// normalizeBundle rewrites the session-level BUNDLE group so that it
// references only mids that exist. When none of the referenced mids is
// valid, the group is rebuilt over all known mids; when no media section
// carries a mid at all, the group is removed.
func normalizeBundle(desc *sdp.SessionDescription) {
	known := make(map[string]struct{})
	var order []string
	for _, media := range desc.MediaDescriptions {
		if mid, ok := media.Attribute("mid"); ok {
			known[mid] = struct{}{}
			order = append(order, mid)
		}
	}

	var attrs []sdp.Attribute
	for _, attr := range desc.Attributes {
		if attr.Key != "group" || !strings.HasPrefix(attr.Value, "BUNDLE") {
			attrs = append(attrs, attr)
			continue
		}

		if len(known) == 0 {
			continue
		}

		var valid []string
		for _, mid := range strings.Fields(attr.Value)[1:] {
			if _, ok := known[mid]; ok {
				valid = append(valid, mid)
			}
		}
		if len(valid) == 0 {
			valid = order
		}

		attrs = append(attrs, sdp.Attribute{
			Key:   "group",
			Value: "BUNDLE " + strings.Join(valid, " "),
		})
	}
	desc.Attributes = attrs
}

// StripSessionExtras is the minimal fallback applied when the repaired
// answer is still rejected by the negotiation engine: it removes every
// BUNDLE and msid-semantic line before the failure is declared
// unrecoverable.
func StripSessionExtras(answer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(answer.SDP)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSDP, err)
	}

	desc.Attributes = dropExtras(desc.Attributes)
	for _, media := range desc.MediaDescriptions {
		media.Attributes = dropExtras(media.Attributes)
	}

	out, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSDP, err)
	}

	return &webrtc.SessionDescription{
		Type: answer.Type,
		SDP:  string(out),
	}, nil
}

func dropExtras(attrs []sdp.Attribute) []sdp.Attribute {
	var out []sdp.Attribute
	for _, attr := range attrs {
		if attr.Key == "msid-semantic" {
			continue
		}
		if attr.Key == "group" && strings.HasPrefix(attr.Value, "BUNDLE") {
			continue
		}
		out = append(out, attr)
	}
	return out
}
