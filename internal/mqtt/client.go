package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaberg/evse-sim/internal/config"
	"github.com/jkaberg/evse-sim/internal/netutil"
	"github.com/sirupsen/logrus"
)

const (
	topicRoot = "evse_sim"
	qos       = byte(1)

	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// Client is a paho client bound to one charge box's topic tree.
type Client struct {
	client      mqtt.Client
	chargeBoxID string
	logger      *logrus.Logger
}

// BrokerURL maps the accepted URL schemes onto paho's broker notation.
func BrokerURL(raw string) (string, *url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("invalid MQTT URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return raw, u, nil
	case "mqtt":
		return strings.Replace(raw, "mqtt://", "tcp://", 1), u, nil
	case "mqtts":
		return strings.Replace(raw, "mqtts://", "ssl://", 1), u, nil
	default:
		return "", nil, fmt.Errorf("unsupported protocol scheme: %s (supported: ws, wss, mqtt, mqtts)", u.Scheme)
	}
}

// NewClient connects to the broker. The availability topic carries a
// retained "offline" will so consumers notice a crashed simulator.
func NewClient(mqttURL, chargeBoxID string, logger *logrus.Logger) (*Client, error) {
	broker, u, err := BrokerURL(mqttURL)
	if err != nil {
		return nil, err
	}

	c := &Client{chargeBoxID: chargeBoxID, logger: logger}
	clientID := "evse-sim-" + chargeBoxID

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(time.Second)
	opts.SetConnectTimeout(config.MQTTTimeout)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetWill(c.AvailabilityTopic(), availabilityOffline, qos, true)

	if u.Scheme == "wss" || u.Scheme == "mqtts" {
		// brokers on a LAN commonly use self-signed certificates
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	if u.User != nil {
		password, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(password)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Debug("MQTT reconnecting...")
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		// the will is only published on an unclean drop, so announce presence
		// after every (re)connect
		go func() {
			if err := c.PublishAvailability(true); err != nil {
				logger.WithError(err).Warn("Failed to publish availability")
			}
		}()
	})

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); !token.WaitTimeout(config.MQTTTimeout) {
		return nil, fmt.Errorf("connect to MQTT broker timed out after %s", config.MQTTTimeout)
	} else if token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.WithFields(logrus.Fields{
		"broker":    netutil.CleanURL(mqttURL),
		"protocol":  u.Scheme,
		"client_id": clientID,
	}).Info("MQTT client connected")
	return c, nil
}

// Publish sends with QoS 1 and waits at most config.MQTTTimeout.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(config.MQTTTimeout) {
		return fmt.Errorf("publish to topic %s timed out after %s", topic, config.MQTTTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	c.logger.WithFields(logrus.Fields{
		"topic":    topic,
		"size":     len(payload),
		"retained": retained,
	}).Debug("Published MQTT message")
	return nil
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close marks the simulator offline and disconnects.
func (c *Client) Close() {
	if c.client.IsConnected() {
		if err := c.PublishAvailability(false); err != nil {
			c.logger.WithError(err).Debug("Failed to publish offline availability")
		}
	}
	c.client.Disconnect(250)
	c.logger.Debug("MQTT client disconnected")
}

func (c *Client) BaseTopic() string {
	return BuildTopic(topicRoot, c.chargeBoxID)
}

// ConnectorStateTopic is evse_sim/<chargeBoxId>/connector/<n>/state.
func (c *Client) ConnectorStateTopic(connectorID int) string {
	return BuildTopic(topicRoot, c.chargeBoxID, "connector", fmt.Sprint(connectorID), "state")
}

func (c *Client) AvailabilityTopic() string {
	return BuildTopic(topicRoot, c.chargeBoxID, "availability")
}

func (c *Client) PublishAvailability(online bool) error {
	status := availabilityOffline
	if online {
		status = availabilityOnline
	}
	return c.Publish(c.AvailabilityTopic(), []byte(status), true)
}

// BuildTopic joins levels, replacing characters MQTT reserves.
func BuildTopic(levels ...string) string {
	clean := make([]string, len(levels))
	for i, level := range levels {
		level = strings.ReplaceAll(level, " ", "_")
		level = strings.ReplaceAll(level, "+", "plus")
		level = strings.ReplaceAll(level, "#", "hash")
		level = strings.ReplaceAll(level, "/", "_")
		clean[i] = strings.ToLower(level)
	}
	return strings.Join(clean, "/")
}
