package docent

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Bridge mirrors the event feed onto MQTT and accepts show-control commands.
// Events go to <prefix>/events/<name> at QoS 1; the exhibit snapshot is kept
// retained on <prefix>/status so consoles see state on subscribe.
type Bridge struct {
	client      mqtt.Client
	coordinator *Coordinator
	logger      *logrus.Logger
	prefix      string
	cancel      func()
	done        chan struct{}
}

// NewBridge connects to the broker, subscribes to the command topics and
// starts publishing events.
func NewBridge(cfg MQTTSettings, coordinator *Coordinator, logger *logrus.Logger) (*Bridge, error) {
	b := &Bridge{
		coordinator: coordinator,
		logger:      logger,
		prefix:      cfg.TopicPrefix,
		done:        make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(10 * time.Second).
		SetCleanSession(true)

	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)

	b.client = mqtt.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, errors.Wrapf(token.Error(), "connect to broker %s", cfg.Broker)
	}

	ch, cancel := coordinator.Events().Subscribe()
	b.cancel = cancel
	go b.publishLoop(ch)
	return b, nil
}

// Close stops publishing and disconnects from the broker.
func (b *Bridge) Close() {
	b.cancel()
	<-b.done
	if b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	b.logger.Info("MQTT bridge disconnected")
}

// onConnect fires on every (re)connect, so subscriptions survive broker
// restarts.
func (b *Bridge) onConnect(client mqtt.Client) {
	b.logger.Infof("Connected to MQTT broker, subscribing under %s", b.prefix)
	b.subscribe(b.topic("cmd", "stage"), b.handleStageCommand)
	b.subscribe(b.topic("cmd", "preset"), b.handlePresetCommand)
	b.subscribe(b.topic("cmd", "stop"), b.handleStopCommand)
	b.subscribe(b.topic("cmd", "track"), b.handleTrackCommand)
	b.publishStatus()
}

func (b *Bridge) onConnectionLost(client mqtt.Client, err error) {
	b.logger.Warnf("MQTT connection lost: %v", err)
}

func (b *Bridge) subscribe(topic string, handler mqtt.MessageHandler) {
	if token := b.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		b.logger.Errorf("Failed to subscribe to %s: %v", topic, token.Error())
	}
}

func (b *Bridge) topic(parts ...string) string {
	return strings.Join(append([]string{b.prefix}, parts...), "/")
}

func (b *Bridge) publishLoop(ch <-chan Event) {
	defer close(b.done)
	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			b.logger.Warnf("Failed to marshal event %s: %v", ev.Name, err)
			continue
		}
		token := b.client.Publish(b.topic("events", string(ev.Name)), 1, false, data)
		if token.Wait() && token.Error() != nil {
			b.logger.Warnf("Failed to publish %s: %v", ev.Name, token.Error())
		}

		if ev.Name == EventStatusChanged {
			b.publishStatus()
		}
	}
}

func (b *Bridge) publishStatus() {
	data, err := json.Marshal(b.coordinator.Status())
	if err != nil {
		b.logger.Warnf("Failed to marshal status: %v", err)
		return
	}
	token := b.client.Publish(b.topic("status"), 1, true, data)
	if token.Wait() && token.Error() != nil {
		b.logger.Warnf("Failed to publish status: %v", token.Error())
	}
}

// handleStageCommand accepts a bare stage name or {"stage": ..., "data": {...}}.
func (b *Bridge) handleStageCommand(_ mqtt.Client, msg mqtt.Message) {
	payload := bytes.TrimSpace(msg.Payload())
	name := string(payload)
	var data map[string]any

	if len(payload) > 0 && payload[0] == '{' {
		var req struct {
			Stage string         `json:"stage"`
			Data  map[string]any `json:"data"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			b.logger.Warnf("Bad stage command payload: %v", err)
			return
		}
		name = req.Stage
		data = req.Data
	}

	go func() {
		if err := b.coordinator.ChangeStage(context.Background(), name, data); err != nil {
			b.logger.Warnf("MQTT stage command %q failed: %v", name, err)
		}
	}()
}

func (b *Bridge) handlePresetCommand(_ mqtt.Client, msg mqtt.Message) {
	name := string(bytes.TrimSpace(msg.Payload()))
	go func() {
		if err := b.coordinator.MoveToPreset(context.Background(), name, 0, 0); err != nil {
			b.logger.Warnf("MQTT preset command %q failed: %v", name, err)
		}
	}()
}

// handleStopCommand runs inline: stop must not queue behind other work.
func (b *Bridge) handleStopCommand(_ mqtt.Client, msg mqtt.Message) {
	if err := b.coordinator.EmergencyStop(context.Background()); err != nil {
		b.logger.Warnf("MQTT stop command failed: %v", err)
	}
}

func (b *Bridge) handleTrackCommand(_ mqtt.Client, msg mqtt.Message) {
	var req struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	}
	if err := json.Unmarshal(msg.Payload(), &req); err != nil || req.X == nil || req.Y == nil {
		b.logger.Warnf("Bad track command payload: %s", msg.Payload())
		return
	}

	go func() {
		if err := b.coordinator.TrackOffset(context.Background(), *req.X, *req.Y); err != nil {
			b.logger.Warnf("MQTT track command failed: %v", err)
		}
	}()
}
