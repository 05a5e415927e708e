// Package dashboard serves the local HTTP API the display layer reads:
// camera snapshots, latest frames, manual controls and an event
// websocket.
package dashboard

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/elblogbruno/dashcam-v2-sub001/internal/conf"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/defs"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/governor"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/logger"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/protocols/httpp"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/sessions"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/status"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/viewmodel"
)

const serverWriteTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// CameraController is the per-camera control surface the API exposes.
// *supervisor.Supervisor implements it.
type CameraController interface {
	Refresh()
	SwitchTransport(defs.TransportKind)
	SetVisible(bool)
	Frames() *sessions.FrameStore
}

// StatusSource provides the latest device telemetry.
type StatusSource interface {
	Latest() (status.Update, bool, bool)
}

// Params configure a Server.
type Params struct {
	Address string
	Conf    *conf.Conf
	Parent  logger.Writer

	VM      *viewmodel.ViewModel
	Cameras map[defs.Camera]CameraController
	Status  StatusSource
	Gov     *governor.Governor
}

// Server is the dashboard HTTP server.
type Server struct {
	params Params
	log    logger.Writer
	relay  *eventRelay

	ln  net.Listener
	srv *http.Server
}

// New creates the server and starts listening.
func New(params Params) (*Server, error) {
	s := &Server{
		params: params,
		log:    &prefixLogger{parent: params.Parent, prefix: "[dashboard] "},
	}
	s.relay = newEventRelay(s.log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.SetTrustedProxies(nil) //nolint:errcheck

	v1 := router.Group("/v1")
	v1.GET("/cameras", s.onCameras)
	v1.GET("/cameras/:name/frame", s.onFrame)
	v1.POST("/cameras/:name/refresh", s.onRefresh)
	v1.POST("/cameras/:name/transport", s.onTransport)
	v1.POST("/cameras/:name/visible", s.onVisible)
	v1.GET("/events", s.onEvents)
	v1.POST("/control/*path", s.onControl)

	ln, err := net.Listen("tcp", params.Address)
	if err != nil {
		return nil, err
	}
	s.ln = ln

	s.srv = &http.Server{
		Handler: &httpp.HandlerWriteTimeout{
			Handler: router,
			Timeout: serverWriteTimeout,
		},
	}

	s.log.Log(logger.Info, "listener opened on %s", ln.Addr())
	go s.srv.Serve(ln) //nolint:errcheck

	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close shuts the server down.
func (s *Server) Close() {
	s.relay.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.srv.Shutdown(ctx) //nolint:errcheck
}

// BroadcastView pushes a camera state change to event clients.
func (s *Server) BroadcastView(cv viewmodel.CameraView) {
	s.relay.broadcast(gin.H{"type": "camera", "data": cv})
}

// BroadcastStatus pushes a telemetry update to event clients.
func (s *Server) BroadcastStatus(u status.Update) {
	s.relay.broadcast(gin.H{"type": "status", "data": u})
}

func (s *Server) camera(ctx *gin.Context) (defs.Camera, CameraController, bool) {
	cam, err := defs.ParseCamera(ctx.Param("name"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return "", nil, false
	}
	ctrl, ok := s.params.Cameras[cam]
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "camera not managed"})
		return "", nil, false
	}
	return cam, ctrl, true
}

func (s *Server) onCameras(ctx *gin.Context) {
	snap := viewmodel.Snapshot{Cameras: s.params.VM.Cameras()}

	if s.params.Status != nil {
		if u, ok, connected := s.params.Status.Latest(); ok {
			snap.Status = &u
			snap.StatusConnected = connected
		} else {
			snap.StatusConnected = connected
		}
	}

	ctx.JSON(http.StatusOK, snap)
}

func (s *Server) onFrame(ctx *gin.Context) {
	_, ctrl, ok := s.camera(ctx)
	if !ok {
		return
	}

	data, at, seq := ctrl.Frames().Latest()
	if seq == 0 {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "no frame yet"})
		return
	}

	ctx.Header("X-Frame-Time", at.UTC().Format(time.RFC3339Nano))
	ctx.Data(http.StatusOK, "image/jpeg", data)
}

func (s *Server) onRefresh(ctx *gin.Context) {
	_, ctrl, ok := s.camera(ctx)
	if !ok {
		return
	}
	ctrl.Refresh()
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) onTransport(ctx *gin.Context) {
	_, ctrl, ok := s.camera(ctx)
	if !ok {
		return
	}

	var req struct {
		Kind string `json:"kind"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind, err := defs.ParseTransportKind(req.Kind)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctrl.SwitchTransport(kind)
	ctx.JSON(http.StatusOK, gin.H{"status": "ok", "kind": kind.String()})
}

func (s *Server) onVisible(ctx *gin.Context) {
	_, ctrl, ok := s.camera(ctx)
	if !ok {
		return
	}

	var req struct {
		Visible *bool `json:"visible"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil || req.Visible == nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "missing 'visible'"})
		return
	}

	ctrl.SetVisible(*req.Visible)
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// onControl forwards a device control call through the request governor
// so manual actions obey the same concurrency bound as polling.
func (s *Server) onControl(ctx *gin.Context) {
	body, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var devStatus int
	err = s.params.Gov.Execute(ctx.Request.Context(), func(reqCtx context.Context) error {
		callCtx, cancel := context.WithTimeout(reqCtx, 10*time.Second)
		defer cancel()

		url := s.params.Conf.ControlURL(ctx.Param("path"))
		req, err2 := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
		if err2 != nil {
			return err2
		}
		if ct := ctx.ContentType(); ct != "" {
			req.Header.Set("Content-Type", ct)
		}

		res, err2 := http.DefaultClient.Do(req)
		if err2 != nil {
			return err2
		}
		defer res.Body.Close()
		io.Copy(io.Discard, res.Body) //nolint:errcheck

		devStatus = res.StatusCode
		return nil
	})
	if err != nil {
		ctx.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"status": "forwarded", "device_status": devStatus})
}

func (s *Server) onEvents(ctx *gin.Context) {
	ws, err := wsUpgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		s.log.Log(logger.Warn, "websocket upgrade failed: %v", err)
		return
	}

	s.relay.addClient(ws)

	// the read loop only detects disconnection; clients never send data
	go func() {
		defer s.relay.removeClient(ws)
		for {
			if _, _, err2 := ws.ReadMessage(); err2 != nil {
				return
			}
		}
	}()
}

type prefixLogger struct {
	parent logger.Writer
	prefix string
}

func (l *prefixLogger) Log(level logger.Level, format string, args ...interface{}) {
	l.parent.Log(level, l.prefix+format, args...)
}
