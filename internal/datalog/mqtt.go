package datalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig holds the MQTT sink settings.
type MQTTConfig struct {
	Broker   string `yaml:"broker" json:"broker"` // e.g. tcp://localhost:1883
	ClientID string `yaml:"client_id" json:"clientId"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// MQTT publishes decoded values to <prefix>/<parameter> and failures to
// <prefix>/errors. <prefix>/status carries a retained online/offline flag.
type MQTT struct {
	client paho.Client
	prefix string
}

func NewMQTT(ctx context.Context, cfg MQTTConfig) (*MQTT, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "obddash"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "obddash"
	}
	statusTopic := cfg.Prefix + "/status"

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWill(statusTopic, "offline", 1, true)
	opts.SetOnConnectHandler(func(c paho.Client) {
		log.Infof("mqtt sink connected to %s", cfg.Broker)
		if token := c.Publish(statusTopic, 1, true, "online"); token.Wait() && token.Error() != nil {
			log.Warnf("mqtt: publishing online status: %v", token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warnf("mqtt sink disconnected: %v", err)
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if err := waitToken(ctx, token); err != nil {
		return nil, fmt.Errorf("mqtt %s: %w", cfg.Broker, err)
	}
	return &MQTT{client: client, prefix: cfg.Prefix}, nil
}

func waitToken(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// topicFor maps an entry to its topic and payload; ok is false for entries
// that carry nothing worth publishing.
func topicFor(prefix string, e Entry) (topic string, payload []byte, ok bool) {
	if e.Error != "" {
		data, err := json.Marshal(e)
		if err != nil {
			return "", nil, false
		}
		return prefix + "/errors", data, true
	}
	if e.Value == nil {
		return "", nil, false
	}
	return prefix + "/" + strings.ToLower(e.Parameter.String()),
		[]byte(strconv.FormatFloat(*e.Value, 'f', -1, 64)), true
}

func (m *MQTT) Write(ctx context.Context, e Entry) error {
	topic, payload, ok := topicFor(m.prefix, e)
	if !ok {
		return nil
	}
	return waitToken(ctx, m.client.Publish(topic, 0, false, payload))
}

func (m *MQTT) Close() error {
	token := m.client.Publish(m.prefix+"/status", 1, true, "offline")
	token.WaitTimeout(time.Second)
	m.client.Disconnect(250)
	return nil
}
