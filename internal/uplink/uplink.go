// Package uplink publishes dashboard state to a fleet MQTT broker.
// It is optional and never feeds back into the streaming core.
package uplink

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/elblogbruno/dashcam-v2-sub001/internal/logger"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/status"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/supervisor"
	"github.com/elblogbruno/dashcam-v2-sub001/internal/viewmodel"
)

const connectTimeout = 10 * time.Second

// Params configure an Uplink.
type Params struct {
	BrokerURL   string
	TopicPrefix string
	Parent      logger.Writer
}

// Uplink is the MQTT publisher. Delivery is best-effort at QoS 0;
// paho's auto-reconnect keeps the link alive across broker restarts.
type Uplink struct {
	params Params
	cli    mqtt.Client
}

// New connects to the broker.
func New(params Params) (*Uplink, error) {
	u := &Uplink{params: params}

	opts := mqtt.NewClientOptions().
		AddBroker(params.BrokerURL).
		SetClientID("dashcam-dashboard-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(connectTimeout)

	opts.OnConnect = func(mqtt.Client) {
		params.Parent.Log(logger.Info, "uplink connected to %s", params.BrokerURL)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		params.Parent.Log(logger.Warn, "uplink connection lost: %v", err)
	}

	u.cli = mqtt.NewClient(opts)

	tok := u.cli.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("broker unreachable at %s", params.BrokerURL)
	}
	if tok.Error() != nil {
		return nil, tok.Error()
	}

	return u, nil
}

// Close disconnects from the broker.
func (u *Uplink) Close() {
	u.cli.Disconnect(250)
}

// PublishStatus forwards a device status update to <prefix>/status.
func (u *Uplink) PublishStatus(up status.Update) {
	u.publish(u.params.TopicPrefix+"/status", up)
}

// PublishTransition forwards a camera state change to
// <prefix>/camera/<name>.
func (u *Uplink) PublishTransition(tr supervisor.Transition, view viewmodel.CameraView) {
	u.publish(u.params.TopicPrefix+"/camera/"+string(tr.Camera), view)
}

func (u *Uplink) publish(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		u.params.Parent.Log(logger.Error, "uplink marshal failed: %v", err)
		return
	}
	u.cli.Publish(topic, 0, false, data)
}
