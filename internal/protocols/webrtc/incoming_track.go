package webrtc

import (
	"context"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/elblogbruno/dashcam-v2-sub001/internal/logger"
)

const keyFrameInterval = 2 * time.Second

// IncomingTrack reads the remote video track, counts completed frames
// and requests key frames until the first one arrives.
type IncomingTrack struct {
	track     *webrtc.TrackRemote
	receiver  *webrtc.RTPReceiver
	writeRTCP func([]rtcp.Packet) error
	onFrame   func()
	log       logger.Writer

	keyFrameOnce sync.Once
	keyFrame     chan struct{}
}

// isH264Keyframe reports whether the packet starts an IDR access unit.
func isH264Keyframe(pkt *rtp.Packet) bool {
	if len(pkt.Payload) == 0 {
		return false
	}

	switch pkt.Payload[0] & 0x1F {
	case 5, 7: // IDR slice or SPS
		return true

	case 24: // STAP-A, first aggregated NAL
		if len(pkt.Payload) >= 4 {
			return pkt.Payload[3]&0x1F == 5 || pkt.Payload[3]&0x1F == 7
		}

	case 28: // FU-A start fragment
		if len(pkt.Payload) >= 2 && pkt.Payload[1]&0x80 != 0 {
			return pkt.Payload[1]&0x1F == 5
		}
	}
	return false
}

func (t *IncomingTrack) start(ctx context.Context) {
	t.keyFrame = make(chan struct{})

	// read incoming RTCP packets.
	// incoming RTCP packets must always be read to make interceptors work.
	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := t.receiver.Read(buf)
			if err != nil {
				return
			}

			if _, err = rtcp.Unmarshal(buf[:n]); err != nil {
				t.log.Log(logger.Debug, "invalid RTCP packet: %v", err)
			}
		}
	}()

	// request key frames until the decoder has one to start from
	go func() {
		keyframeTicker := time.NewTicker(keyFrameInterval)
		defer keyframeTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.keyFrame:
				return
			case <-keyframeTicker.C:
			}

			err := t.writeRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{
					MediaSSRC: uint32(t.track.SSRC()),
				},
			})
			if err != nil {
				return
			}
		}
	}()

	// read incoming RTP packets.
	go func() {
		var lastSeqNum uint16
		haveSeq := false
		var lost uint64

		for {
			pkt, _, err := t.track.ReadRTP()
			if err != nil {
				return
			}

			if haveSeq {
				gap := pkt.SequenceNumber - lastSeqNum
				if gap > 1 && gap < 3000 {
					lost += uint64(gap - 1)
					if lost%100 < uint64(gap-1) {
						t.log.Log(logger.Warn, "%d RTP packets lost so far", lost)
					}
				}
			}
			lastSeqNum = pkt.SequenceNumber
			haveSeq = true

			// sometimes senders emit empty RTP packets. ignore them.
			if len(pkt.Payload) == 0 {
				continue
			}

			if isH264Keyframe(pkt) {
				t.keyFrameOnce.Do(func() {
					t.log.Log(logger.Debug, "first key frame received")
					close(t.keyFrame)
				})
			}

			// the marker bit closes an access unit
			if pkt.Marker {
				t.onFrame()
			}
		}
	}()
}
