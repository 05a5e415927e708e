package supervisor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/elblogbruno/dashcam-v2-sub001/internal/conf"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/defs"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/logger"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/sessions"
)

type nilLogger struct{}

func (nilLogger) Log(logger.Level, string, ...interface{}) {}

func testConf() *conf.Conf {
	return &conf.Conf{
		HealthNoFrameTimeout: conf.Duration(time.Hour),
		WebRTCMaxAttempts:    3,
		RetryBaseDelay:       conf.Duration(time.Millisecond),
		RetryMultiplier:      2,
		RetryMaxDelay:        conf.Duration(5 * time.Millisecond),
	}
}

type fakeSession struct {
	kind   defs.TransportKind
	params sessions.Params

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *fakeSession) Start() error    { return nil }
func (s *fakeSession) SetVisible(bool) {}

func (s *fakeSession) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *fakeSession) connect() {
	s.params.OnEvent(sessions.Event{Kind: sessions.EventConnected, Epoch: s.params.Epoch})
}

func (s *fakeSession) lose(err error) {
	s.params.OnEvent(sessions.Event{Kind: sessions.EventLost, Epoch: s.params.Epoch, Err: err})
}

type harness struct {
	made        chan *fakeSession
	transitions chan Transition
}

func newHarness() *harness {
	return &harness{
		made:        make(chan *fakeSession, 32),
		transitions: make(chan Transition, 64),
	}
}

func (h *harness) factory(kind defs.TransportKind, params sessions.Params) (sessions.Session, error) {
	fs := &fakeSession{kind: kind, params: params, closed: make(chan struct{})}
	h.made <- fs
	return fs, nil
}

func (h *harness) nextSession(t *testing.T) *fakeSession {
	t.Helper()
	select {
	case fs := <-h.made:
		return fs
	case <-time.After(3 * time.Second):
		t.Fatal("no session created")
		return nil
	}
}

func (h *harness) waitState(t *testing.T, state defs.ConnectionState) Transition {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case tr := <-h.transitions:
			if tr.State == state {
				return tr
			}
		case <-deadline:
			t.Fatalf("state %v never reached", state)
		}
	}
}

func TestConnectResetsCounters(t *testing.T) {
	h := newHarness()
	s := New(Params{
		Camera:       defs.CameraFront,
		Conf:         testConf(),
		Parent:       nilLogger{},
		Factory:      h.factory,
		OnTransition: func(tr Transition) { h.transitions <- tr },
	})
	defer s.Close()

	// one loss, then success
	h.nextSession(t).lose(errors.New("boom"))
	h.waitState(t, defs.StateFailed)

	h.nextSession(t).connect()

	tr := h.waitState(t, defs.StateConnected)
	if tr.Attempt != 0 {
		t.Errorf("attempt = %d, want 0", tr.Attempt)
	}
	if tr.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d, want 0", tr.ConsecutiveFailures)
	}
	if tr.Transport != defs.TransportWebRTC {
		t.Errorf("transport = %v, want webrtc", tr.Transport)
	}
}

func TestDemotionChain(t *testing.T) {
	h := newHarness()
	s := New(Params{
		Camera:       defs.CameraFront,
		Conf:         testConf(),
		Parent:       nilLogger{},
		Factory:      h.factory,
		OnTransition: func(tr Transition) { h.transitions <- tr },
	})
	defer s.Close()

	var kinds []defs.TransportKind
	for {
		fs := h.nextSession(t)
		kinds = append(kinds, fs.kind)

		if fs.kind == defs.TransportHTTPPoll {
			fs.connect()
			break
		}
		fs.lose(errors.New("boom"))
	}

	tr := h.waitState(t, defs.StateConnected)
	if tr.Transport != defs.TransportHTTPPoll {
		t.Errorf("transport = %v, want http_poll", tr.Transport)
	}

	want := []defs.TransportKind{
		defs.TransportWebRTC, defs.TransportWebRTC, defs.TransportWebRTC,
		defs.TransportMJPEG, defs.TransportMJPEG, defs.TransportMJPEG,
		defs.TransportHTTPPoll,
	}
	if len(kinds) != len(want) {
		t.Fatalf("session kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("session kinds = %v, want %v", kinds, want)
		}
	}

	// no further demotion once connected
	select {
	case fs := <-h.made:
		t.Errorf("unexpected session on %v", fs.kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHealthRestart(t *testing.T) {
	cnf := testConf()
	cnf.HealthNoFrameTimeout = conf.Duration(20 * time.Millisecond)

	h := newHarness()
	s := New(Params{
		Camera:       defs.CameraInterior,
		Conf:         cnf,
		Parent:       nilLogger{},
		Factory:      h.factory,
		OnTransition: func(tr Transition) { h.transitions <- tr },
	})
	defer s.Close()

	first := h.nextSession(t)
	first.connect()
	h.waitState(t, defs.StateConnected)

	// no frames ever arrive; the monitor declares no-signal on its
	// first sample and the supervisor replaces the session
	second := h.nextSession(t)
	if second == first {
		t.Fatal("session was not replaced")
	}

	select {
	case <-first.closed:
	default:
		t.Error("stale session left open")
	}
}

func TestRefreshBypassesBackoff(t *testing.T) {
	cnf := testConf()
	cnf.RetryBaseDelay = conf.Duration(time.Hour)
	cnf.RetryMaxDelay = conf.Duration(time.Hour)

	h := newHarness()
	s := New(Params{
		Camera:       defs.CameraFront,
		Conf:         cnf,
		Parent:       nilLogger{},
		Factory:      h.factory,
		OnTransition: func(tr Transition) { h.transitions <- tr },
	})
	defer s.Close()

	h.nextSession(t).lose(errors.New("boom"))
	h.waitState(t, defs.StateFailed)

	// without a refresh the next session is an hour away
	s.Refresh()

	fs := h.nextSession(t)
	if fs.params.Epoch < 2 {
		t.Errorf("epoch = %d, want >= 2", fs.params.Epoch)
	}
}

func TestSwitchTransport(t *testing.T) {
	h := newHarness()
	s := New(Params{
		Camera:       defs.CameraFront,
		Conf:         testConf(),
		Parent:       nilLogger{},
		Factory:      h.factory,
		OnTransition: func(tr Transition) { h.transitions <- tr },
	})
	defer s.Close()

	first := h.nextSession(t)
	first.connect()
	h.waitState(t, defs.StateConnected)

	s.SwitchTransport(defs.TransportMJPEG)

	second := h.nextSession(t)
	if second.kind != defs.TransportMJPEG {
		t.Errorf("kind = %v, want mjpeg", second.kind)
	}
	if second.params.Epoch == first.params.Epoch {
		t.Error("epoch not advanced on switch")
	}

	select {
	case <-first.closed:
	default:
		t.Error("previous session left open")
	}
}

func TestUnavailableAfterLastTransport(t *testing.T) {
	h := newHarness()
	s := New(Params{
		Camera:       defs.CameraFront,
		Conf:         testConf(),
		Parent:       nilLogger{},
		Factory:      h.factory,
		OnTransition: func(tr Transition) { h.transitions <- tr },
	})
	defer s.Close()

	// jump straight to the transport of last resort
	s.SwitchTransport(defs.TransportHTTPPoll)

	var fs *fakeSession
	for fs = h.nextSession(t); fs.kind != defs.TransportHTTPPoll; fs = h.nextSession(t) {
		fs.lose(errors.New("boom"))
	}
	fs.lose(sessions.ErrTransportUnavailable)

	deadline := time.After(3 * time.Second)
	for {
		var tr Transition
		select {
		case tr = <-h.transitions:
		case <-deadline:
			t.Fatal("camera never became unavailable")
		}
		if tr.Unavailable {
			if tr.State != defs.StateFailed {
				t.Errorf("state = %v, want failed", tr.State)
			}
			break
		}
	}

	// no automatic retry; only a manual refresh restarts it
	select {
	case <-h.made:
		t.Fatal("unexpected automatic retry")
	case <-time.After(50 * time.Millisecond):
	}

	s.Refresh()
	h.nextSession(t)
}

func TestStaleEventDiscarded(t *testing.T) {
	h := newHarness()
	s := New(Params{
		Camera:       defs.CameraFront,
		Conf:         testConf(),
		Parent:       nilLogger{},
		Factory:      h.factory,
		OnTransition: func(tr Transition) { h.transitions <- tr },
	})
	defer s.Close()

	first := h.nextSession(t)
	first.connect()
	h.waitState(t, defs.StateConnected)

	first.lose(errors.New("boom"))
	tr := h.waitState(t, defs.StateFailed)
	failures := tr.ConsecutiveFailures

	// a duplicate loss report from the dead session changes nothing
	first.lose(errors.New("boom again"))

	second := h.nextSession(t)
	if second.params.Epoch == first.params.Epoch {
		t.Fatal("epoch not advanced")
	}
	second.connect()

	tr = h.waitState(t, defs.StateConnected)
	if tr.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d, want 0", tr.ConsecutiveFailures)
	}
	if failures != 1 {
		t.Errorf("failures after first loss = %d, want 1", failures)
	}
}
