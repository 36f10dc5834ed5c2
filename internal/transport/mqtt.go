package transport

import (
	"context"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient is the subset of the paho client the mechanism needs,
// extracted so tests can stub the broker.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// MQTT is an alternative durable mechanism for deployments that route
// telemetry through a broker: a QoS-1 publish hands the payload to the
// broker, which owns redelivery from there. Configured via a broker URL,
// it takes the durable slot in the mechanism chain.
type MQTT struct {
	client MQTTClient
	topic  string
	mu     sync.Mutex
}

// NewMQTT creates the mechanism from a broker URL, client id, and topic.
func NewMQTT(brokerURL, clientID, topic string) *MQTT {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(false)
	return &MQTT{
		client: mqtt.NewClient(opts),
		topic:  topic,
	}
}

// NewMQTTWithClient wires a pre-built client, used by tests.
func NewMQTTWithClient(client MQTTClient, topic string) *MQTT {
	return &MQTT{client: client, topic: topic}
}

func (m *MQTT) Name() string { return MechanismMQTT }

// Send publishes the payload at QoS 1, connecting lazily on first use.
func (m *MQTT) Send(ctx context.Context, payload []byte) error {
	m.mu.Lock()
	if !m.client.IsConnected() {
		token := m.client.Connect()
		if !waitToken(ctx, token) {
			m.mu.Unlock()
			return ctx.Err()
		}
		if err := token.Error(); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("transport: mqtt connect: %w", err)
		}
	}
	m.mu.Unlock()

	token := m.client.Publish(m.topic, 1, false, payload)
	if !waitToken(ctx, token) {
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("transport: mqtt publish: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}

// waitToken waits for the token or the context, whichever ends first.
func waitToken(ctx context.Context, token mqtt.Token) bool {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
