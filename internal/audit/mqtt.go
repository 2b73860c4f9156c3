package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/martinsuchenak/netprov/internal/model"
)

// MQTTConfig configures the event fan-out connection
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
}

// MQTTPublisher publishes each event as JSON to <topic>/<kind>
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
}

// NewMQTTPublisher connects to the broker
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("MQTT connection lost", "broker", cfg.Broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Info("Connected to MQTT broker", "broker", cfg.Broker, "topic", cfg.Topic)
	return &MQTTPublisher{client: client, topic: strings.TrimSuffix(cfg.Topic, "/")}, nil
}

// Publish sends one event with QoS 1. The wait is bounded by ctx.
func (p *MQTTPublisher) Publish(ctx context.Context, event model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	topic := p.Topic(event.Kind)
	token := p.client.Publish(topic, 1, false, payload)

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publishing to %s: timed out", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Topic returns the topic an event kind is published to
func (p *MQTTPublisher) Topic(kind string) string {
	return p.topic + "/" + kind
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
