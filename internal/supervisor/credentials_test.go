package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetURL(t *testing.T) {
	tests := []struct {
		cfg  ConnectionConfig
		want string
	}{
		{ConnectionConfig{}, ""},
		{ConnectionConfig{BackendURL: "ws://csms/ocpp"}, "ws://csms/ocpp"},
		{ConnectionConfig{BackendURL: "ws://csms/ocpp", ChargeBoxID: "cp1"}, "ws://csms/ocpp/cp1"},
		{ConnectionConfig{BackendURL: "ws://csms/ocpp/", ChargeBoxID: "cp1"}, "ws://csms/ocpp/cp1"},
		{ConnectionConfig{BackendURL: "ws://csms/ocpp", ChargeBoxID: "bay 1"}, "ws://csms/ocpp/bay%201"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.cfg.TargetURL())
	}
}

func TestAuthToken(t *testing.T) {
	assert.Empty(t, ConnectionConfig{ChargeBoxID: "cp1"}.AuthToken())
	assert.Equal(t, "Basic Y3AxOnNlY3JldA==", ConnectionConfig{ChargeBoxID: "cp1", AuthKey: "secret"}.AuthToken())
}

func TestDeriveTarget(t *testing.T) {
	target, err := deriveTarget(testCreds)
	require.NoError(t, err)
	assert.Equal(t, "ws://csms.example.com/ocpp/cp1", target.URL)
	assert.Equal(t, "Basic Y3AxOnNlY3JldA==", target.Header.Get("Authorization"))
	assert.Equal(t, []string{"ocpp1.6"}, target.Subprotocols)
	assert.Nil(t, target.TLS)

	secure := testCreds
	secure.BackendURL = "wss://csms.example.com/ocpp"
	target, err = deriveTarget(secure)
	require.NoError(t, err)
	require.NotNil(t, target.TLS)

	secure.CACert = "not a certificate"
	_, err = deriveTarget(secure)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "caCert", ce.Field)

	target, err = deriveTarget(ConnectionConfig{})
	require.NoError(t, err)
	assert.Empty(t, target.URL)
}
