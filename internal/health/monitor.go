// Package health detects "connected but not actually live" streams: a
// feed whose negotiation succeeded but that delivers a black picture, a
// frozen picture, or no frames at all.
package health

import (
	"sync"
	"time"
)

const (
	samplePeriod = time.Second

	// below this mean luminance a frame counts as black
	blackThreshold = 16.0

	// below this mean delta a frame counts as frozen
	frozenThreshold = 2.0

	// consecutive bad samples before no-signal
	staleLimit = 10
)

// MonitorParams configures a Monitor.
type MonitorParams struct {
	// NoFrameTimeout declares no-signal when zero frames arrive for this
	// long after the monitor starts.
	NoFrameTimeout time.Duration

	// OnNoSignal is called exactly once, from the sampling goroutine,
	// with the epoch the monitor was started with.
	OnNoSignal func(epoch uint64)

	// Epoch tags the session generation this monitor belongs to.
	Epoch uint64

	// now and tick are test hooks.
	now  func() time.Time
	tick func() <-chan time.Time
}

// Monitor samples the most recent frame of one transport session at
// 1 Hz. It lives exactly as long as the session: started on Connected,
// closed on teardown, never reused.
type Monitor struct {
	params MonitorParams

	mutex      sync.Mutex
	latest     Frame
	hasFrame   bool
	frameCount uint64

	done chan struct{}
	once sync.Once
}

// NewMonitor allocates a Monitor and starts sampling.
func NewMonitor(params MonitorParams) *Monitor {
	if params.now == nil {
		params.now = time.Now
	}

	m := &Monitor{params: params, done: make(chan struct{})}

	if m.params.tick == nil {
		t := time.NewTicker(samplePeriod)
		m.params.tick = func() <-chan time.Time { return t.C }
		go func() {
			defer t.Stop()
			m.run()
		}()
	} else {
		go m.run()
	}

	return m
}

// Close stops sampling. Safe to call more than once.
func (m *Monitor) Close() {
	m.once.Do(func() { close(m.done) })
}

// Observe records a decoded frame from the session.
func (m *Monitor) Observe(f Frame) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.latest = f
	m.hasFrame = true
	m.frameCount++
}

func (m *Monitor) run() {
	startedAt := m.params.now()

	var prev Frame
	var prevCount uint64
	havePrev := false
	staleCount := 0

	for {
		select {
		case <-m.done:
			return
		case <-m.params.tick():
		}

		m.mutex.Lock()
		cur := m.latest
		hasFrame := m.hasFrame
		count := m.frameCount
		m.mutex.Unlock()

		if !hasFrame {
			if m.params.now().Sub(startedAt) >= m.params.NoFrameTimeout {
				m.emit()
				return
			}
			continue
		}

		if !havePrev {
			prev = cur
			prevCount = count
			havePrev = true
			continue
		}

		stale := false
		switch {
		case count == prevCount:
			// no new frame since the previous sample
			stale = true
		case len(cur.Luma) > 0 && cur.meanLuminance() < blackThreshold:
			stale = true
		case len(cur.Luma) > 0 && cur.delta(prev) < frozenThreshold:
			stale = true
		}

		if stale {
			staleCount++
			if staleCount >= staleLimit {
				m.emit()
				return
			}
		} else {
			staleCount = 0
		}

		prev = cur
		prevCount = count
	}
}

// emit fires OnNoSignal once and stops sampling.
func (m *Monitor) emit() {
	if h := m.params.OnNoSignal; h != nil {
		h(m.params.Epoch)
	}
}
