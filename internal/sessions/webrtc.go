package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pwebrtc "github.com/pion/webrtc/v4"

	"github.com/elblogbruno/dashcam-v2-sub001/internal/health"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/logger"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/protocols/sdputil"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/protocols/signaling"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/protocols/webrtc"
)

// webRTCSession negotiates a receive-only peer connection through the
// device's signaling socket.
type webRTCSession struct {
	params Params

	log       logger.Writer
	ctx       context.Context
	ctxCancel context.CancelFunc
	done      chan struct{}
	lostOnce  sync.Once
}

func (s *webRTCSession) initialize() error {
	s.log = &sessionLogger{parent: s.params.Parent,
		prefix: fmt.Sprintf("[%s webrtc] ", s.params.Camera)}
	s.ctx, s.ctxCancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	return nil
}

func (s *webRTCSession) Start() error {
	go s.run()
	return nil
}

func (s *webRTCSession) SetVisible(bool) {}

func (s *webRTCSession) Close() {
	s.ctxCancel()
	<-s.done
}

func (s *webRTCSession) emitLost(err error) {
	s.lostOnce.Do(func() {
		s.params.OnEvent(Event{Kind: EventLost, Epoch: s.params.Epoch, Err: err})
	})
}

func (s *webRTCSession) run() {
	defer close(s.done)

	err := s.runInner()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Log(logger.Warn, "session closed: %v", err)
		s.emitLost(err)
	}
}

func (s *webRTCSession) runInner() error {
	cnf := s.params.Conf

	sc, err := signaling.Dial(s.ctx, cnf.SignalingURL(s.params.Camera), time.Duration(cnf.SignalingTimeout))
	if err != nil {
		return err
	}
	defer sc.Close()

	pc := &webrtc.PeerConnection{Log: s.log}
	if err = pc.Start(); err != nil {
		return err
	}
	defer pc.Close()

	offer, err := pc.CreateOffer()
	if err != nil {
		return err
	}

	err = sc.Send(signaling.Message{Type: signaling.MessageTypeOffer, SDP: offer.SDP})
	if err != nil {
		return err
	}

	answerc := make(chan string, 1)
	remoteCandidates := make(chan pwebrtc.ICECandidateInit)
	readErr := make(chan error, 1)

	go func() {
		for {
			msg, err2 := sc.Read()
			if err2 != nil {
				readErr <- err2
				return
			}

			switch msg.Type {
			case signaling.MessageTypeAnswer:
				select {
				case answerc <- msg.SDP:
				default:
				}

			case signaling.MessageTypeCandidate:
				c := pwebrtc.ICECandidateInit{
					Candidate:     msg.Candidate,
					SDPMid:        msg.SDPMid,
					SDPMLineIndex: msg.SDPMLineIndex,
				}
				select {
				case remoteCandidates <- c:
				case <-s.ctx.Done():
					return
				}

			case signaling.MessageTypeError:
				readErr <- fmt.Errorf("remote error: %s", msg.Message)
				return
			}
		}
	}()

	// negotiation phase. the device may send candidates ahead of the
	// answer; they cannot be applied before the remote description, so
	// they are queued.
	var raw string
	var early []pwebrtc.ICECandidateInit

negotiation:
	for {
		select {
		case raw = <-answerc:
			break negotiation
		case c := <-remoteCandidates:
			early = append(early, c)
		case err = <-readErr:
			return err
		case <-pc.Failed():
			return ErrPeerConnectionFailed
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}

	if err = s.applyAnswer(pc, raw); err != nil {
		return err
	}

	for _, c := range early {
		if err = pc.AddRemoteCandidate(c); err != nil {
			s.log.Log(logger.Warn, "discarding remote candidate: %v", err)
		}
	}

	// candidate exchange until connected
	for {
		select {
		case c := <-pc.NewLocalCandidate():
			err = sc.Send(signaling.Message{
				Type:          signaling.MessageTypeCandidate,
				Candidate:     c.Candidate,
				SDPMid:        c.SDPMid,
				SDPMLineIndex: c.SDPMLineIndex,
			})
			if err != nil {
				return err
			}
			continue

		case c := <-remoteCandidates:
			if err = pc.AddRemoteCandidate(c); err != nil {
				s.log.Log(logger.Warn, "discarding remote candidate: %v", err)
			}
			continue

		case err = <-readErr:
			// the device may drop the socket once negotiation is over
			s.log.Log(logger.Debug, "signaling socket closed: %v", err)

		case <-pc.Connected():

		case <-pc.Failed():
			return ErrPeerConnectionFailed

		case <-s.ctx.Done():
			return s.ctx.Err()
		}
		break
	}

	if err = pc.WaitUntilConnected(s.ctx, time.Duration(cnf.SignalingTimeout)); err != nil {
		return ErrPeerConnectionFailed
	}

	s.params.OnEvent(Event{Kind: EventConnected, Epoch: s.params.Epoch})

	// the transport must prove itself with a first frame
	firstFrame := time.NewTimer(time.Duration(cnf.NoFrameTimeout))
	defer firstFrame.Stop()

	select {
	case <-pc.FrameActivity():
		s.params.OnFrame(health.Frame{At: time.Now()})
	case <-firstFrame.C:
		return ErrNoSignal
	case <-pc.Failed():
		return ErrPeerConnectionFailed
	case <-s.ctx.Done():
		return s.ctx.Err()
	}

	for {
		select {
		case <-pc.FrameActivity():
			s.params.OnFrame(health.Frame{At: time.Now()})

		case <-pc.Failed():
			return ErrPeerConnectionFailed

		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

// applyAnswer repairs the device's answer and applies it, falling back
// to a stripped variant when the engine rejects the repaired one.
func (s *webRTCSession) applyAnswer(pc *webrtc.PeerConnection, raw string) error {
	answer, err := sdputil.RepairAnswer(raw)
	if err != nil {
		return err
	}

	if err = pc.SetAnswer(answer); err != nil {
		s.log.Log(logger.Warn, "answer rejected (%v), retrying without session extras", err)

		stripped, err2 := sdputil.StripSessionExtras(answer)
		if err2 != nil {
			return sdputil.ErrMalformedSDP
		}
		if err2 = pc.SetAnswer(stripped); err2 != nil {
			return fmt.Errorf("%w: %s", sdputil.ErrMalformedSDP, err2)
		}
	}
	return nil
}
