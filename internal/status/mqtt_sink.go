package status

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// MQTTOptions configures the MQTT sink.
type MQTTOptions struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	PublishTimeout time.Duration
}

// MQTTSink publishes events as JSON on <prefix>/<devEUI>/status.
type MQTTSink struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
}

// NewMQTTSink connects to the broker. The client reconnects on its own once
// connected.
func NewMQTTSink(opt MQTTOptions) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(opt.Broker)
	opts.SetClientID(opt.ClientID)

	if opt.Username != "" {
		opts.SetUsername(opt.Username)
		opts.SetPassword(opt.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", opt.Broker).Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", opt.Broker).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect %s: timeout", opt.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", opt.Broker, err)
	}

	timeout := opt.PublishTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &MQTTSink{
		client:  client,
		prefix:  opt.TopicPrefix,
		qos:     opt.QoS,
		timeout: timeout,
	}, nil
}

// Topic returns the topic events for the device are published on.
func (s *MQTTSink) Topic(ev Event) string {
	return fmt.Sprintf("%s/%s/status", s.prefix, ev.DevEUI)
}

func (s *MQTTSink) Write(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	token := s.client.Publish(s.Topic(ev), s.qos, false, data)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("publish %s: timeout", s.Topic(ev))
	}
	return token.Error()
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
