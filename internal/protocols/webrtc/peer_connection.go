// Package webrtc contains WebRTC utilities.
package webrtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/elblogbruno/dashcam-v2-sub001/internal/logger"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/protocols/sdputil"
)

// incomingVideoCodecs are the codecs accepted from the device, in
// preference order. The device firmware always negotiates H264.
var incomingVideoCodecs = []webrtc.RTPCodecParameters{
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: []webrtc.RTCPFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
				{Type: "goog-remb"},
			},
		},
		PayloadType: 102,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	},
}

// * skip ConfigureRTCPReports
func registerInterceptors(
	mediaEngine *webrtc.MediaEngine,
	interceptorRegistry *interceptor.Registry,
) error {
	err := webrtc.ConfigureNack(mediaEngine, interceptorRegistry)
	if err != nil {
		return err
	}

	err = webrtc.ConfigureSimulcastExtensionHeaders(mediaEngine)
	if err != nil {
		return err
	}

	return webrtc.ConfigureTWCCSender(mediaEngine, interceptorRegistry)
}

// PeerConnection is a receive-only wrapper around webrtc.PeerConnection
// for one camera feed.
type PeerConnection struct {
	ICEServers []webrtc.ICEServer
	Log        logger.Writer

	wr             *webrtc.PeerConnection
	ctx            context.Context
	ctxCancel      context.CancelFunc
	framesReceived *uint64

	mutex sync.Mutex
	track *IncomingTrack

	newLocalCandidate chan *webrtc.ICECandidateInit
	frameActivity     chan struct{}
	connected         chan struct{}
	failed            chan struct{}
	closed            chan struct{}
	done              chan struct{}
}

// Start starts the peer connection.
func (co *PeerConnection) Start() error {
	mediaEngine := &webrtc.MediaEngine{}

	for _, codec := range incomingVideoCodecs {
		if err := mediaEngine.RegisterCodec(codec, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}

	interceptorRegistry := &interceptor.Registry{}

	err := registerInterceptors(mediaEngine, interceptorRegistry)
	if err != nil {
		return err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry))

	co.wr, err = api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   co.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return err
	}

	co.ctx, co.ctxCancel = context.WithCancel(context.Background())
	co.framesReceived = new(uint64)
	co.newLocalCandidate = make(chan *webrtc.ICECandidateInit)
	co.frameActivity = make(chan struct{}, 1)
	co.connected = make(chan struct{})
	co.failed = make(chan struct{})
	co.closed = make(chan struct{})
	co.done = make(chan struct{})

	_, err = co.wr.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		co.wr.GracefulClose() //nolint:errcheck
		return err
	}

	co.wr.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		co.Log.Log(logger.Debug, "track received: %s %s",
			track.Kind(), track.Codec().MimeType)

		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}

		t := &IncomingTrack{
			track:     track,
			receiver:  receiver,
			writeRTCP: co.writeRTCP,
			onFrame:   co.onFrame,
			log:       co.Log,
		}

		co.mutex.Lock()
		co.track = t
		co.mutex.Unlock()

		t.start(co.ctx)
	})

	var stateChangeMutex sync.Mutex

	co.wr.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		stateChangeMutex.Lock()
		defer stateChangeMutex.Unlock()

		select {
		case <-co.closed:
			return
		default:
		}

		co.Log.Log(logger.Debug, "peer connection state: %s", state.String())

		switch state {
		case webrtc.PeerConnectionStateConnected:
			select {
			case <-co.connected:
				return
			default:
			}

			co.Log.Log(logger.Info, "peer connection established, local candidate: %v, remote candidate: %v",
				co.LocalCandidate(), co.RemoteCandidate())

			close(co.connected)

		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			select {
			case <-co.failed:
			default:
				close(co.failed)
			}

		case webrtc.PeerConnectionStateClosed:
			select {
			case <-co.failed:
			default:
				close(co.failed)
			}

			close(co.closed)
		}
	})

	co.wr.OnICECandidate(func(i *webrtc.ICECandidate) {
		if i == nil {
			return
		}
		v := i.ToJSON()
		select {
		case co.newLocalCandidate <- &v:
		case <-co.connected:
		case <-co.ctx.Done():
		}
	})

	go co.run()

	return nil
}

// Close closes the connection and waits for every owned resource to be
// released.
func (co *PeerConnection) Close() {
	co.ctxCancel()
	<-co.done
}

func (co *PeerConnection) run() {
	defer close(co.done)

	<-co.ctx.Done()

	co.wr.GracefulClose() //nolint:errcheck

	// even if GracefulClose() waits for its own goroutines, we have to
	// wait for OnConnectionStateChange to return anyway, since it is
	// executed in an uncontrolled goroutine.
	<-co.closed
}

// CreateOffer builds the local receive-only offer. When the engine
// yields an SDP without a media section, a deterministic H264 section
// is synthesized before the offer goes on the wire.
func (co *PeerConnection) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := co.wr.CreateOffer(nil)
	if err != nil {
		return nil, err
	}

	err = co.wr.SetLocalDescription(offer)
	if err != nil {
		return nil, err
	}

	out, synthesized, err := sdputil.EnsureOfferMedia(offer)
	if err != nil {
		return nil, err
	}
	if synthesized {
		co.Log.Log(logger.Warn, "offer had no media sections, synthesized a video section")
	}

	return &out, nil
}

// SetAnswer applies a remote answer. The caller is responsible for
// repairing the answer beforehand.
func (co *PeerConnection) SetAnswer(desc *webrtc.SessionDescription) error {
	return co.wr.SetRemoteDescription(*desc)
}

// AddRemoteCandidate adds a remote ICE candidate.
func (co *PeerConnection) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	return co.wr.AddICECandidate(candidate)
}

// NewLocalCandidate returns the channel of local candidates to relay to
// the device.
func (co *PeerConnection) NewLocalCandidate() <-chan *webrtc.ICECandidateInit {
	return co.newLocalCandidate
}

// Connected is closed once the connection is established.
func (co *PeerConnection) Connected() <-chan struct{} {
	return co.connected
}

// Failed is closed when the connection fails, disconnects or closes.
func (co *PeerConnection) Failed() <-chan struct{} {
	return co.failed
}

// FrameActivity signals, coalesced, that at least one new video frame
// arrived since the last receive.
func (co *PeerConnection) FrameActivity() <-chan struct{} {
	return co.frameActivity
}

// FramesReceived returns the number of completed video frames so far.
func (co *PeerConnection) FramesReceived() uint64 {
	return atomic.LoadUint64(co.framesReceived)
}

func (co *PeerConnection) onFrame() {
	atomic.AddUint64(co.framesReceived, 1)
	select {
	case co.frameActivity <- struct{}{}:
	default:
	}
}

func (co *PeerConnection) writeRTCP(pkts []rtcp.Packet) error {
	return co.wr.WriteRTCP(pkts)
}

func (co *PeerConnection) selectedCandidate(local bool) string {
	stats := co.wr.GetStats()
	for _, s := range stats {
		cs, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || !cs.Nominated {
			continue
		}
		id := cs.RemoteCandidateID
		if local {
			id = cs.LocalCandidateID
		}
		if c, ok2 := stats[id].(webrtc.ICECandidateStats); ok2 {
			return c.CandidateType.String() + "/" + c.Protocol + "/" +
				c.IP + "/" + fmt.Sprint(c.Port)
		}
	}
	return ""
}

// LocalCandidate returns the local candidate of the selected pair.
func (co *PeerConnection) LocalCandidate() string {
	return co.selectedCandidate(true)
}

// RemoteCandidate returns the remote candidate of the selected pair.
func (co *PeerConnection) RemoteCandidate() string {
	return co.selectedCandidate(false)
}

// WaitUntilConnected waits for the connection or a failure, whichever
// comes first.
func (co *PeerConnection) WaitUntilConnected(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-co.connected:
		return nil
	case <-co.failed:
		return fmt.Errorf("peer connection failed")
	case <-t.C:
		return fmt.Errorf("deadline exceeded while waiting connection")
	case <-ctx.Done():
		return fmt.Errorf("terminated")
	}
}
