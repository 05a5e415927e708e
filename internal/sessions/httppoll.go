package sessions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elblogbruno/dashcam-v2-sub001/internal/health"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/logger"
)

const (
	// consecutive fetch failures before the transport gives up
	maxPollFailures = 5

	// starting point for the per-failure retry backoff
	pollRetryBase = 250 * time.Millisecond
)

// httpPollSession fetches one frame per cycle through the request
// governor. It is the transport of last resort.
type httpPollSession struct {
	params Params

	log       logger.Writer
	ctx       context.Context
	ctxCancel context.CancelFunc
	done      chan struct{}
	lostOnce  sync.Once
	visible   int32
}

func (s *httpPollSession) initialize() error {
	s.log = &sessionLogger{parent: s.params.Parent,
		prefix: fmt.Sprintf("[%s poll] ", s.params.Camera)}
	s.ctx, s.ctxCancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	s.visible = 1
	return nil
}

func (s *httpPollSession) Start() error {
	go s.run()
	return nil
}

// SetVisible pauses fetching while the feed is off screen.
func (s *httpPollSession) SetVisible(v bool) {
	var n int32
	if v {
		n = 1
	}
	atomic.StoreInt32(&s.visible, n)
}

func (s *httpPollSession) Close() {
	s.ctxCancel()
	<-s.done
}

func (s *httpPollSession) emitLost(err error) {
	s.lostOnce.Do(func() {
		s.params.OnEvent(Event{Kind: EventLost, Epoch: s.params.Epoch, Err: err})
	})
}

func (s *httpPollSession) run() {
	defer close(s.done)

	err := s.runInner()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Log(logger.Warn, "session closed: %v", err)
		s.emitLost(err)
	}
}

func (s *httpPollSession) runInner() error {
	cnf := s.params.Conf

	connected := false
	failures := 0

	wait := time.NewTimer(0)
	defer wait.Stop()

	for {
		select {
		case <-wait.C:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}

		if atomic.LoadInt32(&s.visible) == 0 {
			wait.Reset(time.Duration(cnf.PollInterval))
			continue
		}

		err := s.fetchFrame()
		if err != nil {
			if s.ctx.Err() != nil {
				return s.ctx.Err()
			}

			failures++
			s.log.Log(logger.Warn, "fetch failed (%d/%d): %v", failures, maxPollFailures, err)

			if failures >= maxPollFailures {
				return ErrTransportUnavailable
			}

			wait.Reset(s.retryDelay(failures))
			continue
		}

		failures = 0

		if !connected {
			connected = true
			s.params.OnEvent(Event{Kind: EventConnected, Epoch: s.params.Epoch})
		}

		wait.Reset(time.Duration(cnf.PollInterval))
	}
}

// retryDelay grows exponentially with consecutive failures, capped.
func (s *httpPollSession) retryDelay(failures int) time.Duration {
	d := pollRetryBase
	for i := 1; i < failures; i++ {
		d *= 2
	}
	if limit := time.Duration(s.params.Conf.PollBackoffCap); d > limit {
		d = limit
	}
	return d
}

func (s *httpPollSession) fetchFrame() error {
	return s.params.Gov.Execute(s.ctx, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(s.params.Conf.PollInterval))
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
			s.params.Conf.FrameURL(s.params.Camera), nil)
		if err != nil {
			return err
		}

		res, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("bad status code: %d", res.StatusCode)
		}

		data, err := io.ReadAll(res.Body)
		if err != nil {
			return err
		}

		at := time.Now()
		s.params.Frames.Set(data, at)

		f := health.Frame{At: at}
		if img, err2 := jpeg.Decode(bytes.NewReader(data)); err2 == nil {
			f = health.FrameFromImage(img, at)
		}
		s.params.OnFrame(f)

		return nil
	})
}
