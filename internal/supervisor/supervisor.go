// Package supervisor drives one camera's connection lifecycle: it picks
// a transport, reacts to losses with backoff, demotes to a worse
// transport when a better one keeps failing, and restarts sessions that
// the health monitor declares dead.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/elblogbruno/dashcam-v2-sub001/internal/conf"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/defs"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/governor"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/health"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/logger"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/sessions"
)

// Transition is a state change notification for one camera.
type Transition struct {
	Camera    defs.Camera
	State     defs.ConnectionState
	Transport defs.TransportKind
	Attempt   int

	// ConsecutiveFailures counts losses since the last successful
	// connection, across transports.
	ConsecutiveFailures int

	// Unavailable is set when every transport has been exhausted and
	// only a manual refresh restarts the camera.
	Unavailable bool

	// Err carries the cause on failure transitions.
	Err error
}

// Params configure a Supervisor.
type Params struct {
	Camera  defs.Camera
	Conf    *conf.Conf
	Parent  logger.Writer
	Gov     *governor.Governor
	Factory sessions.Factory

	// OnTransition is called from the supervisor goroutine on every
	// state change.
	OnTransition func(Transition)
}

// Supervisor owns all connection state of one camera. A single
// goroutine mutates it; the exported methods only pass messages.
type Supervisor struct {
	params Params
	log    logger.Writer
	frames *sessions.FrameStore

	ctx       context.Context
	ctxCancel context.CancelFunc
	done      chan struct{}

	chRefresh chan struct{}
	chSwitch  chan defs.TransportKind
	chVisible chan bool
	chEvent   chan sessions.Event
	chHealth  chan uint64

	// monitor is written by the supervisor goroutine and read by
	// session frame callbacks.
	monitorMutex sync.Mutex
	monitor      *health.Monitor
	monitorEpoch uint64

	// state owned by the run goroutine
	transport   defs.TransportKind
	state       defs.ConnectionState
	attempt     int
	failures    int
	unavailable bool
	visible     bool
	epoch       uint64
	sess        sessions.Session
	retryTimer  *time.Timer
}

// New creates a Supervisor and starts connecting immediately.
func New(params Params) *Supervisor {
	s := &Supervisor{
		params:    params,
		frames:    &sessions.FrameStore{},
		chRefresh: make(chan struct{}),
		chSwitch:  make(chan defs.TransportKind),
		chVisible: make(chan bool),
		chEvent:   make(chan sessions.Event, 8),
		chHealth:  make(chan uint64, 8),
		transport: defs.TransportWebRTC,
		state:     defs.StateIdle,
		visible:   true,
	}
	s.log = &supervisorLogger{parent: params.Parent,
		prefix: fmt.Sprintf("[%s] ", params.Camera)}
	s.ctx, s.ctxCancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})

	if s.params.Factory == nil {
		s.params.Factory = sessions.New
	}

	go s.run()
	return s
}

// Close tears everything down and waits.
func (s *Supervisor) Close() {
	s.ctxCancel()
	<-s.done
}

// Frames exposes the camera's latest-frame store. It outlives
// individual sessions so a snapshot survives a reconnect.
func (s *Supervisor) Frames() *sessions.FrameStore {
	return s.frames
}

// Refresh force-clears error state and recreates the current session
// immediately, bypassing any pending backoff.
func (s *Supervisor) Refresh() {
	select {
	case s.chRefresh <- struct{}{}:
	case <-s.ctx.Done():
	}
}

// SwitchTransport destroys the current session and starts one on the
// requested transport at attempt zero.
func (s *Supervisor) SwitchTransport(kind defs.TransportKind) {
	select {
	case s.chSwitch <- kind:
	case <-s.ctx.Done():
	}
}

// SetVisible reports whether the camera is on screen. Hidden cameras
// pause polling and health sampling.
func (s *Supervisor) SetVisible(v bool) {
	select {
	case s.chVisible <- v:
	case <-s.ctx.Done():
	}
}

func (s *Supervisor) run() {
	defer close(s.done)

	s.startSession()

	for {
		var retryC <-chan time.Time
		if s.retryTimer != nil {
			retryC = s.retryTimer.C
		}

		select {
		case ev := <-s.chEvent:
			// s.sess goes nil on teardown; a queued event from the torn
			// down session must not double-count the loss
			if ev.Epoch != s.epoch || s.sess == nil {
				s.log.Log(logger.Debug, "discarding event from epoch %d (current %d)", ev.Epoch, s.epoch)
				continue
			}
			s.handleEvent(ev)

		case epoch := <-s.chHealth:
			if epoch != s.epoch || s.sess == nil {
				s.log.Log(logger.Debug, "discarding health report from epoch %d", epoch)
				continue
			}
			s.log.Log(logger.Warn, "health monitor reported no signal")
			s.handleLoss(sessions.ErrNoSignal)

		case <-retryC:
			s.retryTimer = nil
			s.startSession()

		case <-s.chRefresh:
			s.log.Log(logger.Info, "manual refresh")
			s.cancelRetry()
			s.teardown()
			s.attempt = 0
			s.failures = 0
			s.unavailable = false
			s.startSession()

		case kind := <-s.chSwitch:
			s.log.Log(logger.Info, "switching transport to %s", kind)
			s.cancelRetry()
			s.teardown()
			s.transport = kind
			s.attempt = 0
			s.unavailable = false
			s.startSession()

		case v := <-s.chVisible:
			s.setVisible(v)

		case <-s.ctx.Done():
			s.cancelRetry()
			s.teardown()
			return
		}
	}
}

func (s *Supervisor) startSession() {
	s.epoch++
	s.state = defs.StateNegotiating
	s.emit(nil)

	s.log.Log(logger.Info, "connecting via %s (attempt %d, epoch %d)",
		s.transport, s.attempt, s.epoch)

	epoch := s.epoch
	sess, err := s.params.Factory(s.transport, sessions.Params{
		Camera:  s.params.Camera,
		Conf:    s.params.Conf,
		Epoch:   epoch,
		Parent:  s.log,
		Gov:     s.params.Gov,
		Frames:  s.frames,
		OnFrame: func(f health.Frame) { s.observeFrame(epoch, f) },
		OnEvent: func(ev sessions.Event) {
			select {
			case s.chEvent <- ev:
			case <-s.ctx.Done():
			}
		},
	})
	if err != nil {
		s.log.Log(logger.Error, "session setup failed: %v", err)
		s.handleLoss(err)
		return
	}

	s.sess = sess
	sess.SetVisible(s.visible)

	if err = sess.Start(); err != nil {
		s.log.Log(logger.Error, "session start failed: %v", err)
		s.handleLoss(err)
	}
}

func (s *Supervisor) handleEvent(ev sessions.Event) {
	switch ev.Kind {
	case sessions.EventConnected:
		s.log.Log(logger.Info, "connected via %s", s.transport)
		s.state = defs.StateConnected
		s.attempt = 0
		s.failures = 0
		s.unavailable = false
		if s.visible {
			s.startMonitor()
		}
		s.emit(nil)

	case sessions.EventLost:
		s.handleLoss(ev.Err)
	}
}

// handleLoss tears the session down and decides between retry,
// demotion and giving up.
func (s *Supervisor) handleLoss(cause error) {
	s.teardown()
	s.failures++

	next, hasNext := s.transport.Next()

	if errors.Is(cause, sessions.ErrTransportUnavailable) && !hasNext {
		s.log.Log(logger.Error, "transport of last resort gave up, camera unavailable")
		s.state = defs.StateFailed
		s.unavailable = true
		s.emit(cause)
		return
	}

	s.attempt++
	s.state = defs.StateFailed

	if hasNext && s.attempt >= s.params.Conf.WebRTCMaxAttempts {
		s.log.Log(logger.Warn, "%s failed %d times, demoting to %s",
			s.transport, s.attempt, next)
		s.transport = next
		s.attempt = 0
		s.state = defs.StateDegraded
	}

	delay := s.retryPolicy().Delay(s.attempt)
	s.log.Log(logger.Warn, "connection lost (%v), retrying in %s", cause, delay)
	s.emit(cause)

	s.cancelRetry()
	s.retryTimer = time.NewTimer(delay)
}

func (s *Supervisor) retryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:       time.Duration(s.params.Conf.RetryBaseDelay),
		Multiplier: s.params.Conf.RetryMultiplier,
		Max:        time.Duration(s.params.Conf.RetryMaxDelay),
	}
}

func (s *Supervisor) setVisible(v bool) {
	if v == s.visible {
		return
	}
	s.visible = v

	if s.sess != nil {
		s.sess.SetVisible(v)
	}

	// health sampling only makes sense while the feed is on screen
	if !v {
		s.stopMonitor()
	} else if s.state == defs.StateConnected {
		s.startMonitor()
	}
}

func (s *Supervisor) startMonitor() {
	s.monitorMutex.Lock()
	defer s.monitorMutex.Unlock()

	if s.monitor != nil {
		s.monitor.Close()
	}

	epoch := s.epoch
	s.monitorEpoch = epoch
	s.monitor = health.NewMonitor(health.MonitorParams{
		NoFrameTimeout: time.Duration(s.params.Conf.HealthNoFrameTimeout),
		Epoch:          epoch,
		OnNoSignal: func(ep uint64) {
			select {
			case s.chHealth <- ep:
			case <-s.ctx.Done():
			}
		},
	})
}

func (s *Supervisor) stopMonitor() {
	s.monitorMutex.Lock()
	defer s.monitorMutex.Unlock()

	if s.monitor != nil {
		s.monitor.Close()
		s.monitor = nil
	}
}

func (s *Supervisor) observeFrame(epoch uint64, f health.Frame) {
	s.monitorMutex.Lock()
	defer s.monitorMutex.Unlock()

	if s.monitor != nil && s.monitorEpoch == epoch {
		s.monitor.Observe(f)
	}
}

func (s *Supervisor) teardown() {
	s.stopMonitor()

	if s.sess != nil {
		s.sess.Close()
		s.sess = nil
	}
}

func (s *Supervisor) cancelRetry() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Supervisor) emit(cause error) {
	if s.params.OnTransition == nil {
		return
	}
	s.params.OnTransition(Transition{
		Camera:              s.params.Camera,
		State:               s.state,
		Transport:           s.transport,
		Attempt:             s.attempt,
		ConsecutiveFailures: s.failures,
		Unavailable:         s.unavailable,
		Err:                 cause,
	})
}

type supervisorLogger struct {
	parent logger.Writer
	prefix string
}

func (l *supervisorLogger) Log(level logger.Level, format string, args ...interface{}) {
	l.parent.Log(level, l.prefix+format, args...)
}
