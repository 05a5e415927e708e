// Package viewmodel folds supervisor transitions, health outcomes and
// telemetry into the per-camera display state the dashboard serves.
package viewmodel

import (
	"sync"
	"time"

	"github.com/elblogbruno/dashcam-v2-sub001/internal/defs"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/sessions"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/status"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/supervisor"
)

// consecutive failures without a connect before the error banner shows
const bannerThreshold = 3

// CameraView is the display state of one camera.
type CameraView struct {
	Camera      defs.Camera `json:"camera"`
	State       string      `json:"state"`
	Transport   string      `json:"transport"`
	Attempt     int         `json:"attempt"`
	Reason      string      `json:"reason,omitempty"`
	Unavailable bool        `json:"unavailable"`
	ErrorBanner bool        `json:"error_banner"`
	LastFrameAt *time.Time  `json:"last_frame_at,omitempty"`
}

// Snapshot is the whole dashboard state.
type Snapshot struct {
	Cameras         []CameraView   `json:"cameras"`
	Status          *status.Update `json:"status,omitempty"`
	StatusConnected bool           `json:"status_connected"`
}

// Params configure a ViewModel.
type Params struct {
	// Frames maps each camera to its latest-frame store.
	Frames map[defs.Camera]*sessions.FrameStore

	// OnChange, when set, is called after every camera state change with
	// the new view. Used to fan out to dashboard websocket clients.
	OnChange func(CameraView)
}

// ViewModel accumulates state. Safe for concurrent use.
type ViewModel struct {
	params Params

	mutex   sync.RWMutex
	cameras map[defs.Camera]*CameraView
	order   []defs.Camera
}

// New creates a ViewModel with one idle entry per known camera.
func New(params Params) *ViewModel {
	vm := &ViewModel{
		params:  params,
		cameras: make(map[defs.Camera]*CameraView),
	}
	for _, cam := range defs.AllCameras {
		vm.cameras[cam] = &CameraView{
			Camera:    cam,
			State:     defs.StateIdle.String(),
			Transport: defs.TransportWebRTC.String(),
		}
		vm.order = append(vm.order, cam)
	}
	return vm
}

// ApplyTransition folds a supervisor transition into the view. Transient
// retries stay silent; the banner only shows once failures accumulate.
func (vm *ViewModel) ApplyTransition(tr supervisor.Transition) {
	vm.mutex.Lock()

	cv, ok := vm.cameras[tr.Camera]
	if !ok {
		vm.mutex.Unlock()
		return
	}

	cv.State = tr.State.String()
	cv.Transport = tr.Transport.String()
	cv.Attempt = tr.Attempt
	cv.Unavailable = tr.Unavailable

	if tr.Err != nil {
		cv.Reason = tr.Err.Error()
	} else if tr.State == defs.StateConnected {
		cv.Reason = ""
	}

	switch {
	case tr.State == defs.StateConnected:
		cv.ErrorBanner = false
	case tr.ConsecutiveFailures >= bannerThreshold:
		cv.ErrorBanner = true
	}

	out := *cv
	vm.mutex.Unlock()

	if vm.params.OnChange != nil {
		vm.params.OnChange(out)
	}
}

// Camera returns the view of one camera.
func (vm *ViewModel) Camera(cam defs.Camera) (CameraView, bool) {
	vm.mutex.RLock()
	defer vm.mutex.RUnlock()

	cv, ok := vm.cameras[cam]
	if !ok {
		return CameraView{}, false
	}
	out := *cv
	vm.fillFrameTime(&out)
	return out, true
}

// Cameras returns all camera views in a stable order.
func (vm *ViewModel) Cameras() []CameraView {
	vm.mutex.RLock()
	defer vm.mutex.RUnlock()

	out := make([]CameraView, 0, len(vm.order))
	for _, cam := range vm.order {
		cv := *vm.cameras[cam]
		vm.fillFrameTime(&cv)
		out = append(out, cv)
	}
	return out
}

func (vm *ViewModel) fillFrameTime(cv *CameraView) {
	fs, ok := vm.params.Frames[cv.Camera]
	if !ok {
		return
	}
	if _, at, seq := fs.Latest(); seq > 0 {
		t := at
		cv.LastFrameAt = &t
	}
}
