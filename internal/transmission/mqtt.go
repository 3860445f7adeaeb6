package transmission

import (
	"context"
	"fmt"

	"github.com/jkaberg/evse-sim/internal/domain"
	"github.com/sirupsen/logrus"
)

// MQTTPublisher is the part of *mqtt.Client the transmitter needs.
type MQTTPublisher interface {
	Publish(topic string, payload []byte, retained bool) error
	IsConnected() bool
	ConnectorStateTopic(connectorID int) string
	PublishAvailability(online bool) error
	Close()
}

// MQTTTransmitter publishes retained per-connector state documents.
type MQTTTransmitter struct {
	client    MQTTPublisher
	logger    *logrus.Logger
	announced bool
}

func NewMQTTTransmitter(client MQTTPublisher, logger *logrus.Logger) *MQTTTransmitter {
	return &MQTTTransmitter{client: client, logger: logger}
}

func (t *MQTTTransmitter) Name() string { return "MQTT" }

func (t *MQTTTransmitter) Transmit(ctx context.Context, snap *domain.Snapshot) error {
	if !t.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := buildStatePayload(snap)
	if err != nil {
		return err
	}
	topic := t.client.ConnectorStateTopic(snap.Connector.ConnectorID)
	if err := t.client.Publish(topic, payload, true); err != nil {
		return fmt.Errorf("failed to publish connector state to %s: %w", topic, err)
	}

	if !t.announced {
		if err := t.client.PublishAvailability(true); err != nil {
			return fmt.Errorf("failed to publish availability: %w", err)
		}
		t.announced = true
	}

	t.logger.WithFields(logrus.Fields{
		"topic":        topic,
		"connector_id": snap.Connector.ConnectorID,
		"status":       snap.Connector.Status,
	}).Debug("Published connector state")
	return nil
}

func (t *MQTTTransmitter) IsConnected() bool {
	return t.client.IsConnected()
}

func (t *MQTTTransmitter) Close() {
	t.client.Close()
}
