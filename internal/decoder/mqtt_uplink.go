package decoder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/charmbracelet/log"
)

// MqttUplink republishes one rig's decode events as retained MQTT messages.
// It stands in for the genuinely-external PSKReporter/APRS-IS uplinks named
// in spec.md §1: same decode broadcast, a concrete in-repo consumer
// (SPEC_FULL.md A5). Errors here are logged and never propagate back to the
// controller (spec.md §7 "Errors in the decode fan-out are logged and do not
// disturb the controller").
type MqttUplink struct {
	client mqtt.Client
	topic  string
	logger *log.Logger
}

// NewMqttUplink connects to broker (e.g. "tcp://localhost:1883") with a
// random client id, grounded on the teacher's generateClientID/NewMQTTPublisher.
func NewMqttUplink(broker, rigID string, logger *log.Logger) (*MqttUplink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("trx-rs-%s-%d", rigID, time.Now().UnixNano()))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		return nil, fmt.Errorf("decoder: mqtt connect to %s: %w", broker, token.Error())
	}

	return &MqttUplink{
		client: client,
		topic:  fmt.Sprintf("trx-rs/%s/decode", rigID),
		logger: logger,
	}, nil
}

// Run subscribes to fan.Subscribe() and republishes every event until ctx is
// cancelled.
func (u *MqttUplink) Run(ctx context.Context, fan *FanOut) {
	events, cancel := fan.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			u.client.Disconnect(250)
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			u.publish(e)
		}
	}
}

func (u *MqttUplink) publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		if u.logger != nil {
			u.logger.Warn("mqtt uplink: marshal failed", "err", err)
		}
		return
	}
	topic := fmt.Sprintf("%s/%s", u.topic, e.Mode)
	token := u.client.Publish(topic, 0, true, payload)
	go func() {
		if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
			if u.logger != nil {
				u.logger.Warn("mqtt uplink: publish failed", "topic", topic, "err", token.Error())
			}
		}
	}()
}
