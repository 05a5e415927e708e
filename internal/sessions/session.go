// Package sessions implements the three transport sessions a camera
// feed can run on: WebRTC, MJPEG and single-frame HTTP polling.
package sessions

import (
	"fmt"
	"sync"
	"time"

	"github.com/elblogbruno/dashcam-v2-sub001/internal/conf"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/defs"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/governor"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/health"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/logger"
)

// EventKind classifies session lifecycle events.
type EventKind int

// Session lifecycle events.
const (
	// EventConnected is emitted once, when the transport is up.
	EventConnected EventKind = iota + 1

	// EventLost is emitted once, when the transport goes down. Err
	// carries the cause.
	EventLost
)

// Event is an asynchronous session lifecycle notification. Epoch tags
// the session generation so that a report from a torn-down session can
// be discarded.
type Event struct {
	Kind  EventKind
	Epoch uint64
	Err   error
}

// Params groups the inputs common to every session variant.
type Params struct {
	Camera defs.Camera
	Conf   *conf.Conf
	Epoch  uint64
	Parent logger.Writer

	// Gov bounds concurrent requests to the device. Used by the polling
	// variant.
	Gov *governor.Governor

	// Frames receives the most recent encoded frame, when the transport
	// carries decodable ones.
	Frames *FrameStore

	// OnFrame feeds the health monitor.
	OnFrame func(health.Frame)

	// OnEvent delivers lifecycle events. Called from session goroutines.
	OnEvent func(Event)
}

// A Session owns one camera's live connection on one transport.
type Session interface {
	// Start begins connecting. Progress is reported through OnEvent.
	Start() error

	// SetVisible gates work that only matters while the feed is on
	// screen. Transports that stream regardless ignore it.
	SetVisible(v bool)

	// Close tears the session down and waits for its goroutines.
	Close()
}

// Factory builds a session for a transport kind. It exists so the
// supervisor can be tested without touching the network.
type Factory func(kind defs.TransportKind, params Params) (Session, error)

// New is the default Factory.
func New(kind defs.TransportKind, params Params) (Session, error) {
	switch kind {
	case defs.TransportWebRTC:
		s := &webRTCSession{params: params}
		return s, s.initialize()

	case defs.TransportMJPEG:
		s := &mjpegSession{params: params}
		return s, s.initialize()

	case defs.TransportHTTPPoll:
		s := &httpPollSession{params: params}
		return s, s.initialize()
	}
	return nil, fmt.Errorf("unsupported transport: %v", kind)
}

type sessionLogger struct {
	parent logger.Writer
	prefix string
}

func (l *sessionLogger) Log(level logger.Level, format string, args ...interface{}) {
	l.parent.Log(level, l.prefix+format, args...)
}

// FrameStore holds the latest encoded frame of one camera for consumers
// that want a snapshot, like the dashboard API.
type FrameStore struct {
	mutex sync.RWMutex
	data  []byte
	at    time.Time
	seq   uint64
}

// Set stores a new frame. The buffer is not copied; callers hand over
// ownership.
func (fs *FrameStore) Set(data []byte, at time.Time) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	fs.data = data
	fs.at = at
	fs.seq++
}

// Latest returns the stored frame, its arrival time and a sequence
// number that increments on every Set.
func (fs *FrameStore) Latest() ([]byte, time.Time, uint64) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()
	return fs.data, fs.at, fs.seq
}
