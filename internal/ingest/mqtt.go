// Package ingest connects the engine to the MQTT bus: it subscribes to
// data-change and alarm topics and turns messages into scheduler events,
// and it publishes outbound messages for the publish and alarm actions.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/enpowerstack/rulesrv/internal/engine"
)

// EventSink receives decoded trigger events, typically the scheduler.
type EventSink interface {
	HandleEvent(ctx context.Context, ev engine.Event)
}

// dataMessage is the payload on the data-change topic.
type dataMessage struct {
	SourceKey     string   `json:"source_key"`
	ChangedFields []string `json:"changed_fields"`
}

// alarmMessage is the payload on the alarm topic.
type alarmMessage struct {
	AlarmID   string `json:"alarm_id"`
	Triggered bool   `json:"triggered"`
}

// Client wraps a paho MQTT connection.
type Client struct {
	client paho.Client
	log    *slog.Logger
}

// Connect dials the broker and blocks until the connection is up or the
// context expires. Reconnects are handled by paho.
func Connect(ctx context.Context, broker, clientID string, log *slog.Logger) (*Client, error) {
	c := &Client{log: log}

	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn("mqtt connection lost", "error", err)
	})
	c.client = paho.NewClient(opts)

	for {
		if token := c.client.Connect(); token.Wait() && token.Error() != nil {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("mqtt connect: %w", token.Error())
			case <-time.After(2 * time.Second):
			}
		} else {
			break
		}
	}
	return c, nil
}

// Publish sends a message at QoS 1. Implements the publish/alarm action
// transport.
func (c *Client) Publish(topic string, payload []byte) error {
	if token := c.client.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// SubscribeData routes data-change messages to the sink. Malformed
// payloads are logged and dropped.
func (c *Client) SubscribeData(topic string, sink EventSink) error {
	handler := func(_ paho.Client, msg paho.Message) {
		var dm dataMessage
		if err := json.Unmarshal(msg.Payload(), &dm); err != nil || dm.SourceKey == "" {
			c.log.Warn("dropping malformed data message", "topic", msg.Topic(), "error", err)
			return
		}
		sink.HandleEvent(context.Background(), engine.Event{
			Kind:          engine.EventData,
			SourceKey:     dm.SourceKey,
			ChangedFields: dm.ChangedFields,
			Time:          time.Now(),
		})
	}
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// SubscribeAlarms routes alarm state changes to the sink.
func (c *Client) SubscribeAlarms(topic string, sink EventSink) error {
	handler := func(_ paho.Client, msg paho.Message) {
		var am alarmMessage
		if err := json.Unmarshal(msg.Payload(), &am); err != nil || am.AlarmID == "" {
			c.log.Warn("dropping malformed alarm message", "topic", msg.Topic(), "error", err)
			return
		}
		sink.HandleEvent(context.Background(), engine.Event{
			Kind:           engine.EventAlarm,
			AlarmID:        am.AlarmID,
			AlarmTriggered: am.Triggered,
			Time:           time.Now(),
		})
	}
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Close disconnects, allowing in-flight messages a short grace period.
func (c *Client) Close() {
	c.client.Disconnect(250)
}
