package supervisor

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/jkaberg/evse-sim/internal/config"
	"github.com/jkaberg/evse-sim/internal/netutil"
	"github.com/jkaberg/evse-sim/internal/transport"
)

// Subprotocol is advertised on every connection attempt.
const Subprotocol = "ocpp1.6"

// ConnectionConfig is the operator-supplied credential set. An empty
// BackendURL means no connection is wanted; an empty AuthKey means the
// backend is reached unauthenticated.
type ConnectionConfig struct {
	BackendURL  string `json:"backendUrl"`
	ChargeBoxID string `json:"chargeBoxId"`
	AuthKey     string `json:"authorizationKey"`
	CACert      string `json:"caCert"` // PEM
}

// Generation counts credential changes. Connections started under an older
// generation are never adopted.
type Generation uint64

// TargetURL joins the backend URL and the charge box id.
func (c ConnectionConfig) TargetURL() string {
	if c.BackendURL == "" {
		return ""
	}
	if c.ChargeBoxID == "" {
		return c.BackendURL
	}
	base := c.BackendURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + url.PathEscape(c.ChargeBoxID)
}

// AuthToken is the HTTP Basic credential "id:secret", or "" without a secret.
func (c ConnectionConfig) AuthToken() string {
	if c.AuthKey == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.ChargeBoxID+":"+c.AuthKey))
}

// deriveTarget turns credentials into a dialable target. A zero Target
// with nil error means nothing should be dialled.
func deriveTarget(c ConnectionConfig) (transport.Target, error) {
	if c.BackendURL == "" {
		return transport.Target{}, nil
	}
	if err := config.CheckBackendURL(c.BackendURL); err != nil {
		return transport.Target{}, &ConfigError{Field: "backendUrl", Err: err}
	}

	t := transport.Target{
		URL:          c.TargetURL(),
		Header:       http.Header{},
		Subprotocols: []string{Subprotocol},
	}
	if token := c.AuthToken(); token != "" {
		t.Header.Set("Authorization", token)
	}
	if strings.HasPrefix(t.URL, "wss://") {
		tlsCfg, err := netutil.TLSConfig(c.CACert)
		if err != nil {
			return transport.Target{}, &ConfigError{Field: "caCert", Err: err}
		}
		t.TLS = tlsCfg
	}
	return t, nil
}
