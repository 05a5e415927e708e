// Package status maintains the dashboard-wide status websocket: a
// read-only feed of device telemetry, reconnected forever with
// exponential backoff.
package status

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/elblogbruno/dashcam-v2-sub001/internal/conf"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/logger"
)

// Location is a GPS fix pushed by the device.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed,omitempty"`
}

// SystemStats is the device's self-reported load.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskFreeMB    float64 `json:"disk_free_mb"`
}

// Update is one status frame. Every field is optional; the device sends
// whatever changed. Legacy firmware omits the type tag.
type Update struct {
	Type         string            `json:"type,omitempty"`
	Location     *Location         `json:"location,omitempty"`
	Landmark     string            `json:"landmark,omitempty"`
	Recording    *bool             `json:"recording,omitempty"`
	CameraStatus map[string]string `json:"camera_status,omitempty"`
	SystemStats  *SystemStats      `json:"system_stats,omitempty"`
}

// Params configure a Channel.
type Params struct {
	Conf   *conf.Conf
	Parent logger.Writer

	// OnUpdate is called from the channel goroutine for every accepted
	// frame.
	OnUpdate func(Update)
}

// Channel is the status websocket client. It never sends data after the
// handshake and never gives up reconnecting.
type Channel struct {
	params Params

	ctx       context.Context
	ctxCancel context.CancelFunc
	done      chan struct{}

	mutex     sync.RWMutex
	latest    Update
	hasLatest bool
	connected bool
}

// New creates a Channel and starts connecting.
func New(params Params) *Channel {
	c := &Channel{params: params}
	c.ctx, c.ctxCancel = context.WithCancel(context.Background())
	c.done = make(chan struct{})
	go c.run()
	return c
}

// Close stops the channel and waits.
func (c *Channel) Close() {
	c.ctxCancel()
	<-c.done
}

// Latest returns the most recent accepted update, if any, and whether
// the socket is currently up.
func (c *Channel) Latest() (Update, bool, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.latest, c.hasLatest, c.connected
}

func (c *Channel) run() {
	defer close(c.done)

	cnf := c.params.Conf
	attempt := 0

	for {
		err := c.runConn(&attempt)
		if c.ctx.Err() != nil {
			return
		}

		delay := time.Duration(float64(cnf.RetryBaseDelay) *
			math.Pow(cnf.RetryMultiplier, float64(attempt)))
		if delay > time.Duration(cnf.RetryMaxDelay) || delay < 0 {
			delay = time.Duration(cnf.RetryMaxDelay)
		}
		attempt++

		c.params.Parent.Log(logger.Warn, "status socket lost (%v), reconnecting in %s", err, delay)

		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Channel) runConn(attempt *int) error {
	cnf := c.params.Conf

	dialCtx, cancel := context.WithTimeout(c.ctx, time.Duration(cnf.SignalingTimeout))
	dialer := websocket.Dialer{HandshakeTimeout: time.Duration(cnf.SignalingTimeout)}
	ws, _, err := dialer.DialContext(dialCtx, cnf.StatusURL(), nil)
	cancel()
	if err != nil {
		return err
	}
	defer ws.Close()

	c.params.Parent.Log(logger.Info, "status socket connected")
	*attempt = 0
	c.setConnected(true)
	defer c.setConnected(false)

	// unblock the read loop on teardown
	closer := make(chan struct{})
	defer close(closer)
	go func() {
		select {
		case <-c.ctx.Done():
			ws.Close() //nolint:errcheck
		case <-closer:
		}
	}()

	for {
		_, data, err2 := ws.ReadMessage()
		if err2 != nil {
			return err2
		}

		var u Update
		if err2 = json.Unmarshal(data, &u); err2 != nil {
			c.params.Parent.Log(logger.Debug, "discarding malformed status frame: %v", err2)
			continue
		}

		// legacy frames carry no type tag but the same fields
		if u.Type != "" && u.Type != "status_update" {
			c.params.Parent.Log(logger.Debug, "discarding status frame of type '%s'", u.Type)
			continue
		}

		c.mutex.Lock()
		c.latest = merge(c.latest, u)
		c.hasLatest = true
		u = c.latest
		c.mutex.Unlock()

		if c.params.OnUpdate != nil {
			c.params.OnUpdate(u)
		}
	}
}

func (c *Channel) setConnected(v bool) {
	c.mutex.Lock()
	c.connected = v
	c.mutex.Unlock()
}

// merge overlays the fields present in an incoming frame on the
// accumulated state.
func merge(base, in Update) Update {
	out := base
	out.Type = "status_update"
	if in.Location != nil {
		out.Location = in.Location
	}
	if in.Landmark != "" {
		out.Landmark = in.Landmark
	}
	if in.Recording != nil {
		out.Recording = in.Recording
	}
	if in.CameraStatus != nil {
		out.CameraStatus = in.CameraStatus
	}
	if in.SystemStats != nil {
		out.SystemStats = in.SystemStats
	}
	return out
}
