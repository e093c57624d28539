package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/opyter/cromqc/internal/domain/entities"
	"github.com/opyter/cromqc/internal/domain/providers"
	"github.com/opyter/cromqc/pkg/config"
	apperrors "github.com/opyter/cromqc/pkg/errors"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

// MQTTPublisher implements ResultPublisher on an MQTT topic
type MQTTPublisher struct {
	cfg    config.MQTTConfig
	topic  string
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewMQTTPublisher creates a publisher for topic; call Connect before Publish
func NewMQTTPublisher(cfg config.MQTTConfig, topic string) *MQTTPublisher {
	return &MQTTPublisher{cfg: cfg, topic: topic}
}

var _ providers.ResultPublisher = (*MQTTPublisher)(nil)

// Connect establishes the broker connection with automatic reconnect
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", p.cfg.Broker))
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		p.setConnected(true)
		log.Info().Str("broker", p.cfg.Broker).Str("client_id", p.cfg.ClientID).Msg("MQTT connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.setConnected(false)
		log.Warn().Err(err).Str("broker", p.cfg.Broker).Msg("MQTT connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()

	timeout := mqttConnectTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return apperrors.NewConnectionError(fmt.Sprintf("mqtt connection to %s timed out", p.cfg.Broker), nil)
	}
	if err := token.Error(); err != nil {
		return apperrors.NewConnectionError(fmt.Sprintf("mqtt connection to %s failed", p.cfg.Broker), err)
	}

	p.useClient(client)
	return nil
}

func (p *MQTTPublisher) useClient(client mqtt.Client) {
	p.mu.Lock()
	p.client = client
	p.connected = client.IsConnected()
	p.mu.Unlock()
}

// Publish sends the enriched record to the topic
func (p *MQTTPublisher) Publish(ctx context.Context, msg *entities.OutboundMessage) error {
	if !p.isConnected() {
		p.countError()
		return apperrors.NewConnectionError("mqtt not connected", nil)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		p.countError()
		return apperrors.NewInternalError("failed to marshal outbound message", err)
	}

	token := p.client.Publish(p.topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		p.countError()
		return apperrors.NewConnectionError(fmt.Sprintf("mqtt publish to %s timed out", p.topic), nil)
	}
	if err := token.Error(); err != nil {
		p.countError()
		return apperrors.NewConnectionError(fmt.Sprintf("mqtt publish to %s failed", p.topic), err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()

	log.Debug().Str("topic", p.topic).Uint8("qos", p.cfg.QoS).Int("size", len(payload)).Msg("Published enriched record")
	return nil
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		log.Info().Str("broker", p.cfg.Broker).Msg("MQTT disconnected")
	}
	p.connected = false
	return nil
}

// Stats returns the published and failed message counts
func (p *MQTTPublisher) Stats() (published, failed uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.published, p.errors
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected && p.client != nil
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}
