package viewmodel

import (
	"errors"
	"testing"
	"time"

	"github.com/elblogbruno/dashcam-v2-sub001/internal/defs"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/sessions"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/supervisor"
)

func TestBannerAccumulation(t *testing.T) {
	vm := New(Params{})

	fail := func(n int) supervisor.Transition {
		return supervisor.Transition{
			Camera:              defs.CameraFront,
			State:               defs.StateFailed,
			Transport:           defs.TransportWebRTC,
			ConsecutiveFailures: n,
			Err:                 errors.New("boom"),
		}
	}

	// two failures stay silent
	vm.ApplyTransition(fail(1))
	vm.ApplyTransition(fail(2))

	cv, _ := vm.Camera(defs.CameraFront)
	if cv.ErrorBanner {
		t.Error("banner shown too early")
	}

	vm.ApplyTransition(fail(3))
	cv, _ = vm.Camera(defs.CameraFront)
	if !cv.ErrorBanner {
		t.Error("banner missing after 3 failures")
	}
	if cv.Reason != "boom" {
		t.Errorf("reason = %q", cv.Reason)
	}

	// a connect clears everything
	vm.ApplyTransition(supervisor.Transition{
		Camera:    defs.CameraFront,
		State:     defs.StateConnected,
		Transport: defs.TransportWebRTC,
	})
	cv, _ = vm.Camera(defs.CameraFront)
	if cv.ErrorBanner || cv.Reason != "" {
		t.Errorf("banner/reason not cleared: %+v", cv)
	}
}

func TestUnavailableFlag(t *testing.T) {
	vm := New(Params{})

	vm.ApplyTransition(supervisor.Transition{
		Camera:      defs.CameraInterior,
		State:       defs.StateFailed,
		Transport:   defs.TransportHTTPPoll,
		Unavailable: true,
		Err:         sessions.ErrTransportUnavailable,
	})

	cv, ok := vm.Camera(defs.CameraInterior)
	if !ok || !cv.Unavailable {
		t.Errorf("view = %+v", cv)
	}
	if cv.Transport != "http_poll" {
		t.Errorf("transport = %q", cv.Transport)
	}
}

func TestOnChangeFanout(t *testing.T) {
	changes := make(chan CameraView, 4)
	vm := New(Params{OnChange: func(cv CameraView) { changes <- cv }})

	vm.ApplyTransition(supervisor.Transition{
		Camera:    defs.CameraFront,
		State:     defs.StateNegotiating,
		Transport: defs.TransportMJPEG,
	})

	select {
	case cv := <-changes:
		if cv.State != "negotiating" || cv.Transport != "mjpeg" {
			t.Errorf("change = %+v", cv)
		}
	default:
		t.Fatal("no change emitted")
	}
}

func TestLastFrameTime(t *testing.T) {
	fs := &sessions.FrameStore{}
	vm := New(Params{Frames: map[defs.Camera]*sessions.FrameStore{
		defs.CameraFront: fs,
	}})

	cv, _ := vm.Camera(defs.CameraFront)
	if cv.LastFrameAt != nil {
		t.Error("frame time before any frame")
	}

	at := time.Now()
	fs.Set([]byte{0xff}, at)

	cv, _ = vm.Camera(defs.CameraFront)
	if cv.LastFrameAt == nil || !cv.LastFrameAt.Equal(at) {
		t.Errorf("LastFrameAt = %v, want %v", cv.LastFrameAt, at)
	}

	all := vm.Cameras()
	if len(all) != len(defs.AllCameras) {
		t.Errorf("cameras = %d", len(all))
	}
}
