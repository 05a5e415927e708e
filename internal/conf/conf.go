// Package conf contains the configuration.
package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/elblogbruno/dashcam-v2-sub001/internal/defs"
)

// Conf is the daemon configuration. Values come from environment
// variables (prefix DASHCAM_); unset values take the documented default.
type Conf struct {
	// LogLevel is the minimum level of logged messages (default: info).
	LogLevel string
	// LogFile is an optional file that receives a copy of the log.
	LogFile string

	// DeviceAddress is the host:port of the onboard device server
	// (default: 192.168.4.1:8080).
	DeviceAddress string

	// DashboardAddress is the listen address of the local dashboard API
	// (default: 127.0.0.1:8870).
	DashboardAddress string

	// SignalingTimeout is the signaling websocket handshake timeout
	// (default: 10s).
	SignalingTimeout Duration
	// NoFrameTimeout fails a WebRTC session that stays frameless after
	// connecting (default: 6s).
	NoFrameTimeout Duration
	// HealthNoFrameTimeout is the health monitor zero-frame window
	// (default: 5s).
	HealthNoFrameTimeout Duration
	// MJPEGStaleness fails an MJPEG session with no new frame
	// (default: 5s).
	MJPEGStaleness Duration
	// PollInterval is the HTTP single-frame fetch period (default: 3s).
	PollInterval Duration
	// PollBackoffCap bounds the per-failure fetch backoff (default: 2s).
	PollBackoffCap Duration

	// WebRTCMaxAttempts bounds WebRTC retries before demotion
	// (default: 3).
	WebRTCMaxAttempts int
	// RetryBaseDelay is the first reconnection delay (default: 500ms).
	RetryBaseDelay Duration
	// RetryMultiplier grows the reconnection delay (default: 2).
	RetryMultiplier float64
	// RetryMaxDelay caps the reconnection delay (default: 10s).
	RetryMaxDelay Duration

	// MaxConcurrentRequests bounds in-flight HTTP requests to the device
	// (default: 2).
	MaxConcurrentRequests int

	// MQTTBroker enables the fleet uplink when set (default: disabled).
	MQTTBroker string
	// MQTTTopicPrefix is the uplink topic prefix (default: dashcam).
	MQTTTopicPrefix string
}

func defaults() *Conf {
	return &Conf{
		LogLevel:              "info",
		DeviceAddress:         "192.168.4.1:8080",
		DashboardAddress:      "127.0.0.1:8870",
		SignalingTimeout:      Duration(10 * time.Second),
		NoFrameTimeout:        Duration(6 * time.Second),
		HealthNoFrameTimeout:  Duration(5 * time.Second),
		MJPEGStaleness:        Duration(5 * time.Second),
		PollInterval:          Duration(3 * time.Second),
		PollBackoffCap:        Duration(2 * time.Second),
		WebRTCMaxAttempts:     3,
		RetryBaseDelay:        Duration(500 * time.Millisecond),
		RetryMultiplier:       2,
		RetryMaxDelay:         Duration(10 * time.Second),
		MaxConcurrentRequests: 2,
		MQTTTopicPrefix:       "dashcam",
	}
}

// Load builds a Conf from the environment.
func Load() (*Conf, error) {
	c := defaults()

	if err := c.loadEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Conf) loadEnv(getenv func(string) string) error {
	strVars := map[string]*string{
		"DASHCAM_LOG_LEVEL":         &c.LogLevel,
		"DASHCAM_LOG_FILE":          &c.LogFile,
		"DASHCAM_DEVICE_ADDRESS":    &c.DeviceAddress,
		"DASHCAM_DASHBOARD_ADDRESS": &c.DashboardAddress,
		"DASHCAM_MQTT_BROKER":       &c.MQTTBroker,
		"DASHCAM_MQTT_TOPIC_PREFIX": &c.MQTTTopicPrefix,
	}
	for name, dest := range strVars {
		if v := getenv(name); v != "" {
			*dest = v
		}
	}

	durVars := map[string]*Duration{
		"DASHCAM_SIGNALING_TIMEOUT": &c.SignalingTimeout,
		"DASHCAM_NO_FRAME_TIMEOUT":  &c.NoFrameTimeout,
		"DASHCAM_HEALTH_NO_FRAME":   &c.HealthNoFrameTimeout,
		"DASHCAM_MJPEG_STALENESS":   &c.MJPEGStaleness,
		"DASHCAM_POLL_INTERVAL":     &c.PollInterval,
		"DASHCAM_POLL_BACKOFF_CAP":  &c.PollBackoffCap,
		"DASHCAM_RETRY_BASE_DELAY":  &c.RetryBaseDelay,
		"DASHCAM_RETRY_MAX_DELAY":   &c.RetryMaxDelay,
	}
	for name, dest := range durVars {
		if v := getenv(name); v != "" {
			if err := dest.UnmarshalEnv(v); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	intVars := map[string]*int{
		"DASHCAM_WEBRTC_MAX_ATTEMPTS": &c.WebRTCMaxAttempts,
		"DASHCAM_MAX_CONCURRENT":      &c.MaxConcurrentRequests,
	}
	for name, dest := range intVars {
		if v := getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: invalid integer '%s'", name, v)
			}
			*dest = n
		}
	}

	if v := getenv("DASHCAM_RETRY_MULTIPLIER"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("DASHCAM_RETRY_MULTIPLIER: invalid number '%s'", v)
		}
		c.RetryMultiplier = f
	}

	return nil
}

func (c *Conf) validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if !strings.Contains(c.DeviceAddress, ":") {
		return fmt.Errorf("DASHCAM_DEVICE_ADDRESS must be host:port, got '%s'", c.DeviceAddress)
	}
	if c.MaxConcurrentRequests < 1 {
		return fmt.Errorf("DASHCAM_MAX_CONCURRENT must be >= 1")
	}
	if c.WebRTCMaxAttempts < 1 {
		return fmt.Errorf("DASHCAM_WEBRTC_MAX_ATTEMPTS must be >= 1")
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("DASHCAM_RETRY_MULTIPLIER must be >= 1")
	}
	return nil
}

// ParseLogLevel checks a log level string.
func ParseLogLevel(s string) (string, error) {
	switch s {
	case "debug", "info", "warn", "error":
		return s, nil
	}
	return "", fmt.Errorf("invalid log level '%s'", s)
}

// SignalingURL returns the per-camera signaling websocket URL.
func (c *Conf) SignalingURL(camera defs.Camera) string {
	return "ws://" + c.DeviceAddress + "/ws/signaling/" + string(camera)
}

// StatusURL returns the dashboard-wide status websocket URL.
func (c *Conf) StatusURL() string {
	return "ws://" + c.DeviceAddress + "/ws/status"
}

// MJPEGURL returns the per-camera MJPEG stream URL.
func (c *Conf) MJPEGURL(camera defs.Camera) string {
	return "http://" + c.DeviceAddress + "/video/" + string(camera) + "/mjpeg"
}

// FrameURL returns the per-camera single-frame URL.
func (c *Conf) FrameURL(camera defs.Camera) string {
	return "http://" + c.DeviceAddress + "/video/" + string(camera) + "/frame"
}

// ControlURL returns a device control endpoint URL.
func (c *Conf) ControlURL(path string) string {
	return "http://" + c.DeviceAddress + "/api/" + strings.TrimPrefix(path, "/")
}
