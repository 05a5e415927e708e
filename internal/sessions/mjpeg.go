package sessions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elblogbruno/dashcam-v2-sub001/internal/health"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/logger"
)

// mjpegSession streams a camera over one long-lived multipart HTTP
// response and watches it for staleness.
type mjpegSession struct {
	params Params

	log       logger.Writer
	ctx       context.Context
	ctxCancel context.CancelFunc
	done      chan struct{}
	lostOnce  sync.Once
}

func (s *mjpegSession) initialize() error {
	s.log = &sessionLogger{parent: s.params.Parent,
		prefix: fmt.Sprintf("[%s mjpeg] ", s.params.Camera)}
	s.ctx, s.ctxCancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	return nil
}

func (s *mjpegSession) Start() error {
	go s.run()
	return nil
}

func (s *mjpegSession) SetVisible(bool) {}

func (s *mjpegSession) Close() {
	s.ctxCancel()
	<-s.done
}

func (s *mjpegSession) emitLost(err error) {
	s.lostOnce.Do(func() {
		s.params.OnEvent(Event{Kind: EventLost, Epoch: s.params.Epoch, Err: err})
	})
}

func (s *mjpegSession) run() {
	defer close(s.done)

	err := s.runInner()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Log(logger.Warn, "session closed: %v", err)
		s.emitLost(err)
	}
}

type mjpegPart struct {
	data []byte
	at   time.Time
}

func (s *mjpegSession) runInner() error {
	cnf := s.params.Conf

	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, cnf.MJPEGURL(s.params.Camera), nil)
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

	boundary, err := multipartBoundary(res.Header.Get("Content-Type"))
	if err != nil {
		return err
	}

	parts := make(chan mjpegPart)
	readErr := make(chan error, 1)

	go func() {
		mr := multipart.NewReader(res.Body, boundary)
		for {
			p, err2 := mr.NextPart()
			if err2 != nil {
				readErr <- err2
				return
			}

			buf, err2 := io.ReadAll(p)
			p.Close() //nolint:errcheck
			if err2 != nil {
				readErr <- err2
				return
			}

			select {
			case parts <- mjpegPart{data: buf, at: time.Now()}:
			case <-s.ctx.Done():
				return
			}
		}
	}()

	stale := time.NewTimer(time.Duration(cnf.MJPEGStaleness))
	defer stale.Stop()

	connected := false
	var lastDecode time.Time

	for {
		select {
		case p := <-parts:
			if !connected {
				connected = true
				s.log.Log(logger.Info, "stream opened")
				s.params.OnEvent(Event{Kind: EventConnected, Epoch: s.params.Epoch})
			}

			s.params.Frames.Set(p.data, p.at)

			f := health.Frame{At: p.at}
			if p.at.Sub(lastDecode) >= time.Second {
				if img, err2 := jpeg.Decode(bytes.NewReader(p.data)); err2 == nil {
					f = health.FrameFromImage(img, p.at)
					lastDecode = p.at
				}
			}
			s.params.OnFrame(f)

			if !stale.Stop() {
				<-stale.C
			}
			stale.Reset(time.Duration(cnf.MJPEGStaleness))

		case <-stale.C:
			return ErrNoSignal

		case err = <-readErr:
			if !connected {
				return fmt.Errorf("stream never opened: %w", err)
			}
			return fmt.Errorf("stream interrupted: %w", err)

		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

func multipartBoundary(contentType string) (string, error) {
	mediaType, attrs, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("invalid content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("unexpected content type: %s", mediaType)
	}
	boundary := attrs["boundary"]
	if boundary == "" {
		return "", fmt.Errorf("missing multipart boundary")
	}
	return boundary, nil
}
