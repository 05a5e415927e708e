package sdputil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

func randCredential(n int) string {
	buf := make([]byte, n)
	rand.Read(buf) //nolint:errcheck
	return hex.EncodeToString(buf)
}

// EnsureOfferMedia checks a locally generated offer and, when the
// negotiation engine produced one without any media section, synthesizes
// a deterministic receive-only H264 video section after the
// session-level lines. The returned bool reports whether synthesis was
// needed.
//
// The outbound invariant is that any description sent to the device has
// at least one media section.
func EnsureOfferMedia(offer webrtc.SessionDescription) (webrtc.SessionDescription, bool, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offer.SDP)); err != nil {
		return offer, false, fmt.Errorf("%w: %v", ErrMalformedSDP, err)
	}

	if len(desc.MediaDescriptions) > 0 {
		return offer, false, nil
	}

	desc.MediaDescriptions = append(desc.MediaDescriptions, synthesizedVideoSection())

	// BUNDLE must cover the synthesized section.
	desc.Attributes = append(dropExtras(desc.Attributes), sdp.Attribute{
		Key:   "group",
		Value: "BUNDLE 0",
	})

	out, err := desc.Marshal()
	if err != nil {
		return offer, false, fmt.Errorf("%w: %v", ErrMalformedSDP, err)
	}

	return webrtc.SessionDescription{
		Type: offer.Type,
		SDP:  string(out),
	}, true, nil
}

// synthesizedVideoSection builds the fixed receive-only H264 media
// section used when the engine yields an empty offer: fresh random ICE
// credentials, rtcp-mux, mid 0.
func synthesizedVideoSection() *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "video",
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
			Formats: []string{"102"},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		Attributes: []sdp.Attribute{
			{Key: "mid", Value: "0"},
			{Key: "recvonly"},
			{Key: "rtcp-mux"},
			{Key: "ice-ufrag", Value: randCredential(4)},
			{Key: "ice-pwd", Value: randCredential(12)},
			{Key: "setup", Value: "actpass"},
			{Key: "rtpmap", Value: "102 H264/90000"},
			{Key: "fmtp", Value: "102 level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"},
		},
	}
}
