package sdputil

import (
	"errors"
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

const sessionHeader = "v=0\r\n" +
	"o=- 1 1 IN IP4 0.0.0.0\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n"

const videoSection = "m=video 9 UDP/TLS/RTP/SAVPF 102\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:102 H264/90000\r\n" +
	"a=sendonly\r\n"

func parse(t *testing.T, raw string) *sdp.SessionDescription {
	t.Helper()
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	return &desc
}

func mids(desc *sdp.SessionDescription) []string {
	var out []string
	for _, media := range desc.MediaDescriptions {
		if mid, ok := media.Attribute("mid"); ok {
			out = append(out, mid)
		}
	}
	return out
}

func bundle(desc *sdp.SessionDescription) (string, bool) {
	for _, attr := range desc.Attributes {
		if attr.Key == "group" && strings.HasPrefix(attr.Value, "BUNDLE") {
			return attr.Value, true
		}
	}
	return "", false
}

func TestRepairAnswer(t *testing.T) {
	t.Run("missing mid is synthesized from ordinal", func(t *testing.T) {
		raw := sessionHeader + videoSection

		out, err := RepairAnswer(raw)
		if err != nil {
			t.Fatalf("RepairAnswer() error = %v", err)
		}

		desc := parse(t, out.SDP)
		got := mids(desc)
		if len(got) != 1 || got[0] != "0" {
			t.Errorf("mids = %v, want [0]", got)
		}
	})

	t.Run("existing mid is preserved", func(t *testing.T) {
		raw := sessionHeader + videoSection + "a=mid:video0\r\n"

		out, err := RepairAnswer(raw)
		if err != nil {
			t.Fatalf("RepairAnswer() error = %v", err)
		}

		got := mids(parse(t, out.SDP))
		if len(got) != 1 || got[0] != "video0" {
			t.Errorf("mids = %v, want [video0]", got)
		}
	})

	t.Run("bundle drops unknown mids", func(t *testing.T) {
		raw := sessionHeader +
			"a=group:BUNDLE 0 ghost\r\n" +
			videoSection + "a=mid:0\r\n"

		out, err := RepairAnswer(raw)
		if err != nil {
			t.Fatalf("RepairAnswer() error = %v", err)
		}

		b, ok := bundle(parse(t, out.SDP))
		if !ok {
			t.Fatal("BUNDLE group missing")
		}
		if b != "BUNDLE 0" {
			t.Errorf("bundle = %q, want %q", b, "BUNDLE 0")
		}
	})

	t.Run("bundle with no valid mid is rebuilt over all mids", func(t *testing.T) {
		raw := sessionHeader +
			"a=group:BUNDLE ghost phantom\r\n" +
			videoSection + "a=mid:v\r\n" +
			videoSection + "a=mid:w\r\n"

		out, err := RepairAnswer(raw)
		if err != nil {
			t.Fatalf("RepairAnswer() error = %v", err)
		}

		b, ok := bundle(parse(t, out.SDP))
		if !ok {
			t.Fatal("BUNDLE group missing")
		}
		if b != "BUNDLE v w" {
			t.Errorf("bundle = %q, want %q", b, "BUNDLE v w")
		}
	})

	t.Run("bundle rewritten against synthesized mids", func(t *testing.T) {
		raw := sessionHeader +
			"a=group:BUNDLE audio\r\n" +
			videoSection

		out, err := RepairAnswer(raw)
		if err != nil {
			t.Fatalf("RepairAnswer() error = %v", err)
		}

		desc := parse(t, out.SDP)
		got := mids(desc)
		if len(got) != 1 || got[0] != "0" {
			t.Fatalf("mids = %v, want [0]", got)
		}
		b, ok := bundle(desc)
		if !ok || b != "BUNDLE 0" {
			t.Errorf("bundle = %q (present=%v), want %q", b, ok, "BUNDLE 0")
		}
	})

	t.Run("no media section is malformed", func(t *testing.T) {
		raw := "v=0\r\no=- 1 1 IN IP4 0\r\ns=-\r\nt=0 0\r\n"

		_, err := RepairAnswer(raw)
		if !errors.Is(err, ErrMalformedSDP) {
			t.Errorf("RepairAnswer() error = %v, want ErrMalformedSDP", err)
		}
	})

	t.Run("garbage is malformed", func(t *testing.T) {
		_, err := RepairAnswer("this is not sdp")
		if !errors.Is(err, ErrMalformedSDP) {
			t.Errorf("RepairAnswer() error = %v, want ErrMalformedSDP", err)
		}
	})

	t.Run("postcondition on mixed fixture", func(t *testing.T) {
		raw := sessionHeader +
			"a=group:BUNDLE 0 1 zz\r\n" +
			videoSection + "a=mid:0\r\n" +
			videoSection

		out, err := RepairAnswer(raw)
		if err != nil {
			t.Fatalf("RepairAnswer() error = %v", err)
		}

		desc := parse(t, out.SDP)
		known := make(map[string]struct{})
		for _, mid := range mids(desc) {
			known[mid] = struct{}{}
		}
		if len(known) != len(desc.MediaDescriptions) {
			t.Fatalf("%d media sections, %d mids", len(desc.MediaDescriptions), len(known))
		}
		if b, ok := bundle(desc); ok {
			for _, mid := range strings.Fields(b)[1:] {
				if _, exists := known[mid]; !exists {
					t.Errorf("BUNDLE references unknown mid %q", mid)
				}
			}
		}
	})
}

func TestStripSessionExtras(t *testing.T) {
	raw := sessionHeader +
		"a=group:BUNDLE 0\r\n" +
		"a=msid-semantic: WMS *\r\n" +
		videoSection + "a=mid:0\r\n"

	in := &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: raw}
	out, err := StripSessionExtras(in)
	if err != nil {
		t.Fatalf("StripSessionExtras() error = %v", err)
	}

	if strings.Contains(out.SDP, "BUNDLE") {
		t.Error("BUNDLE line survived stripping")
	}
	if strings.Contains(out.SDP, "msid-semantic") {
		t.Error("msid-semantic line survived stripping")
	}
	if !strings.Contains(out.SDP, "m=video") {
		t.Error("media section lost during stripping")
	}
}

func TestEnsureOfferMedia(t *testing.T) {
	t.Run("offer with media passes through", func(t *testing.T) {
		in := webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  sessionHeader + videoSection + "a=mid:0\r\n",
		}

		out, synthesized, err := EnsureOfferMedia(in)
		if err != nil {
			t.Fatalf("EnsureOfferMedia() error = %v", err)
		}
		if synthesized {
			t.Error("synthesized = true, want false")
		}
		if out.SDP != in.SDP {
			t.Error("offer was modified")
		}
	})

	t.Run("empty offer gets a synthesized section", func(t *testing.T) {
		in := webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  sessionHeader,
		}

		out, synthesized, err := EnsureOfferMedia(in)
		if err != nil {
			t.Fatalf("EnsureOfferMedia() error = %v", err)
		}
		if !synthesized {
			t.Fatal("synthesized = false, want true")
		}

		desc := parse(t, out.SDP)
		if len(desc.MediaDescriptions) != 1 {
			t.Fatalf("media sections = %d, want 1", len(desc.MediaDescriptions))
		}

		media := desc.MediaDescriptions[0]
		if media.MediaName.Media != "video" {
			t.Errorf("media = %s, want video", media.MediaName.Media)
		}
		for _, key := range []string{"mid", "recvonly", "rtcp-mux", "ice-ufrag", "ice-pwd"} {
			if _, ok := media.Attribute(key); !ok {
				t.Errorf("synthesized section lacks %s", key)
			}
		}
		if rtpmap, _ := media.Attribute("rtpmap"); rtpmap != "102 H264/90000" {
			t.Errorf("rtpmap = %q, want H264", rtpmap)
		}
	})

	t.Run("fresh credentials per synthesis", func(t *testing.T) {
		in := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sessionHeader}

		a, _, err := EnsureOfferMedia(in)
		if err != nil {
			t.Fatalf("EnsureOfferMedia() error = %v", err)
		}
		b, _, err := EnsureOfferMedia(in)
		if err != nil {
			t.Fatalf("EnsureOfferMedia() error = %v", err)
		}

		ufragA, _ := parse(t, a.SDP).MediaDescriptions[0].Attribute("ice-ufrag")
		ufragB, _ := parse(t, b.SDP).MediaDescriptions[0].Attribute("ice-ufrag")
		if ufragA == ufragB {
			t.Error("ice-ufrag repeated across syntheses")
		}
	})
}
