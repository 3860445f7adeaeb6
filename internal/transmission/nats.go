package transmission

import (
	"context"
	"fmt"
	"strings"

	"github.com/jkaberg/evse-sim/internal/config"
	"github.com/jkaberg/evse-sim/internal/domain"
	"github.com/jkaberg/evse-sim/internal/netutil"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSConn is the part of *nats.Conn the transmitter needs.
type NATSConn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Close()
}

// ConnectNATS dials the server with unlimited reconnects.
func ConnectNATS(url, chargeBoxID string, logger *logrus.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("evse-sim-"+chargeBoxID),
		nats.Timeout(config.NATSTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("NATS connection lost")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.WithField("server", c.ConnectedUrlRedacted()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.WithField("server", netutil.CleanURL(url)).Info("NATS client connected")
	return nc, nil
}

// NATSTransmitter publishes state documents on
// evse_sim.<chargeBoxId>.connector.<n>.
type NATSTransmitter struct {
	conn        NATSConn
	chargeBoxID string
	logger      *logrus.Logger
}

func NewNATSTransmitter(conn NATSConn, chargeBoxID string, logger *logrus.Logger) *NATSTransmitter {
	return &NATSTransmitter{conn: conn, chargeBoxID: chargeBoxID, logger: logger}
}

func (t *NATSTransmitter) Name() string { return "NATS" }

// Subject returns the subject for a connector. Tokens are sanitised so the
// charge box id cannot introduce extra levels or wildcards.
func (t *NATSTransmitter) Subject(connectorID int) string {
	id := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(t.chargeBoxID)
	return fmt.Sprintf("evse_sim.%s.connector.%d", id, connectorID)
}

func (t *NATSTransmitter) Transmit(ctx context.Context, snap *domain.Snapshot) error {
	if !t.conn.IsConnected() {
		return fmt.Errorf("NATS connection not established")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := buildStatePayload(snap)
	if err != nil {
		return err
	}
	subject := t.Subject(snap.Connector.ConnectorID)
	if err := t.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	t.logger.WithFields(logrus.Fields{
		"subject":      subject,
		"connector_id": snap.Connector.ConnectorID,
	}).Debug("Published connector state")
	return nil
}

func (t *NATSTransmitter) IsConnected() bool {
	return t.conn.IsConnected()
}

func (t *NATSTransmitter) Close() {
	t.conn.Close()
}
