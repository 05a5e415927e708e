// Package core contains the main struct of the program.
package core

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/elblogbruno/dashcam-v2-sub001/internal/conf"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/defs"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/governor"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/logger"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/servers/dashboard"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/sessions"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/status"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/supervisor"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/uplink"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/viewmodel"
)

var version = "v2.0.0"

// Core is the main struct of the program.
type Core struct {
	conf   *conf.Conf
	logger *logger.Logger

	gov         *governor.Governor
	supervisors map[defs.Camera]*supervisor.Supervisor
	vm          *viewmodel.ViewModel
	statusCh    *status.Channel

	// supervisors and the status channel start emitting before the
	// outputs below exist; sinkMutex covers the window
	sinkMutex sync.RWMutex
	up        *uplink.Uplink
	dash      *dashboard.Server

	interrupted chan os.Signal
	done        chan struct{}
}

// New allocates a Core.
func New(args []string) (*Core, bool) {
	for _, a := range args {
		if a == "--version" {
			fmt.Println(version)
			return nil, false
		}
	}

	cnf, err := conf.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERR: %v\n", err)
		return nil, false
	}

	p := &Core{
		conf:        cnf,
		interrupted: make(chan os.Signal, 1),
		done:        make(chan struct{}),
	}

	if err = p.initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "ERR: %v\n", err)
		p.close()
		return nil, false
	}

	signal.Notify(p.interrupted, os.Interrupt, syscall.SIGTERM)
	go p.run()

	return p, true
}

// Wait blocks until the program terminates.
func (p *Core) Wait() {
	<-p.done
}

// Log implements logger.Writer.
func (p *Core) Log(level logger.Level, format string, args ...interface{}) {
	p.logger.Log(level, format, args...)
}

func (p *Core) initialize() error {
	level, _ := logger.ParseLevel(p.conf.LogLevel)

	var err error
	p.logger, err = logger.New(level, p.conf.LogFile)
	if err != nil {
		return err
	}

	p.Log(logger.Info, "dashcam dashboard %s", version)
	p.Log(logger.Info, "device server: %s", p.conf.DeviceAddress)

	p.gov = governor.New(p.conf.MaxConcurrentRequests)

	p.supervisors = make(map[defs.Camera]*supervisor.Supervisor)
	frames := make(map[defs.Camera]*sessions.FrameStore)

	for _, cam := range defs.AllCameras {
		sup := supervisor.New(supervisor.Params{
			Camera:       cam,
			Conf:         p.conf,
			Parent:       p,
			Gov:          p.gov,
			OnTransition: p.onTransition,
		})
		p.supervisors[cam] = sup
		frames[cam] = sup.Frames()
	}

	p.vm = viewmodel.New(viewmodel.Params{
		Frames:   frames,
		OnChange: p.onViewChange,
	})

	p.statusCh = status.New(status.Params{
		Conf:     p.conf,
		Parent:   p,
		OnUpdate: p.onStatusUpdate,
	})

	if p.conf.MQTTBroker != "" {
		up, err2 := uplink.New(uplink.Params{
			BrokerURL:   p.conf.MQTTBroker,
			TopicPrefix: p.conf.MQTTTopicPrefix,
			Parent:      p,
		})
		if err2 != nil {
			// the uplink is telemetry only; the streaming core runs
			// without it
			p.Log(logger.Warn, "uplink disabled: %v", err2)
		} else {
			p.sinkMutex.Lock()
			p.up = up
			p.sinkMutex.Unlock()
		}
	}

	cameras := make(map[defs.Camera]dashboard.CameraController, len(p.supervisors))
	for cam, sup := range p.supervisors {
		cameras[cam] = sup
	}

	dash, err := dashboard.New(dashboard.Params{
		Address: p.conf.DashboardAddress,
		Conf:    p.conf,
		Parent:  p,
		VM:      p.vm,
		Cameras: cameras,
		Status:  p.statusCh,
		Gov:     p.gov,
	})
	if err != nil {
		return err
	}

	p.sinkMutex.Lock()
	p.dash = dash
	p.sinkMutex.Unlock()

	return nil
}

func (p *Core) onTransition(tr supervisor.Transition) {
	p.vm.ApplyTransition(tr)

	p.sinkMutex.RLock()
	up := p.up
	p.sinkMutex.RUnlock()

	if up != nil {
		if cv, ok := p.vm.Camera(tr.Camera); ok {
			up.PublishTransition(tr, cv)
		}
	}
}

func (p *Core) onViewChange(cv viewmodel.CameraView) {
	p.sinkMutex.RLock()
	dash := p.dash
	p.sinkMutex.RUnlock()

	if dash != nil {
		dash.BroadcastView(cv)
	}
}

func (p *Core) onStatusUpdate(u status.Update) {
	p.sinkMutex.RLock()
	dash, up := p.dash, p.up
	p.sinkMutex.RUnlock()

	if dash != nil {
		dash.BroadcastStatus(u)
	}
	if up != nil {
		up.PublishStatus(u)
	}
}

func (p *Core) run() {
	defer close(p.done)

	<-p.interrupted
	p.Log(logger.Info, "shutting down")
	p.close()
}

func (p *Core) close() {
	if p.dash != nil {
		p.dash.Close()
	}
	if p.up != nil {
		p.up.Close()
	}
	if p.statusCh != nil {
		p.statusCh.Close()
	}
	for _, sup := range p.supervisors {
		sup.Close()
	}
	if p.gov != nil {
		p.gov.ClearQueue()
	}
	if p.logger != nil {
		p.logger.Close()
	}
}
