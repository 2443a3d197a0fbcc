package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodi-agent/agent/internal/ota"
)

func TestDecodeUpdateCommand(t *testing.T) {
	c := &Codec{DeviceID: "dev-1"}
	raw := []byte(`{
		"action": "ota_update",
		"package": "nodi-edge",
		"version": "1.2.3",
		"url": "https://packages.example.com/nodi-edge-1.2.3.tar.gz",
		"checksum": "sha256:abc",
		"force": true,
		"correlation_id": "c-42"
	}`)

	cmd, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "nodi-edge", cmd.Package)
	assert.Equal(t, "1.2.3", cmd.Version)
	assert.True(t, cmd.Force)

	uc := c.ToUpdateCommand(cmd)
	assert.Equal(t, "c-42", uc.CorrelationID)
	assert.Equal(t, "sha256:abc", uc.Checksum)
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	c := &Codec{DeviceID: "dev-1"}
	cases := []struct {
		name string
		raw  string
	}{
		{"no action", `{"package":"p"}`},
		{"unknown action", `{"action":"reboot"}`},
		{"update without url", `{"action":"ota_update","package":"p","version":"1.0.0","checksum":"x"}`},
		{"update without checksum", `{"action":"ota_update","package":"p","version":"1.0.0","url":"http://x"}`},
		{"not json", `{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Decode([]byte(tc.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ota.ErrValidation))
		})
	}
}

func TestDecodeKeepsEnvelopeOnRejection(t *testing.T) {
	c := &Codec{DeviceID: "dev-1"}

	// the sender must be able to match the rejection to its command
	cmd, err := c.Decode([]byte(`{"action":"ota_update","correlation_id":"c-7"}`))
	require.Error(t, err)
	assert.Equal(t, ActionUpdate, cmd.Action)
	assert.Equal(t, "c-7", cmd.CorrelationID)

	cmd, err = c.Decode([]byte(`{"action":"reboot","correlation_id":"c-8"}`))
	require.Error(t, err)
	assert.Equal(t, "reboot", cmd.Action)
	assert.Equal(t, "c-8", cmd.CorrelationID)
}

func TestDecodeStatusAndRollbackNeedNoPayload(t *testing.T) {
	c := &Codec{DeviceID: "dev-1"}
	for _, action := range []string{ActionStatus, ActionRollback} {
		_, err := c.Decode([]byte(`{"action":"` + action + `"}`))
		assert.NoError(t, err, action)
	}
}

func TestAuthRequiredWhenSecretConfigured(t *testing.T) {
	secret := []byte("shared-secret")
	c := &Codec{DeviceID: "dev-1", Secret: secret}

	// no token
	_, err := c.Decode([]byte(`{"action":"ota_status"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ota.ErrValidation))

	// valid token
	token, err := SignCommand(secret, "dev-1", ActionStatus)
	require.NoError(t, err)
	_, err = c.Decode([]byte(`{"action":"ota_status","auth":"` + token + `"}`))
	assert.NoError(t, err)

	// token for another device
	token, err = SignCommand(secret, "dev-2", ActionStatus)
	require.NoError(t, err)
	_, err = c.Decode([]byte(`{"action":"ota_status","auth":"` + token + `"}`))
	assert.True(t, errors.Is(err, ota.ErrValidation))

	// token for another action
	token, err = SignCommand(secret, "dev-1", ActionRollback)
	require.NoError(t, err)
	_, err = c.Decode([]byte(`{"action":"ota_status","auth":"` + token + `"}`))
	assert.True(t, errors.Is(err, ota.ErrValidation))

	// wrong secret
	token, err = SignCommand([]byte("other"), "dev-1", ActionStatus)
	require.NoError(t, err)
	_, err = c.Decode([]byte(`{"action":"ota_status","auth":"` + token + `"}`))
	assert.True(t, errors.Is(err, ota.ErrValidation))
}

func TestEncodeReportShape(t *testing.T) {
	data := EncodeReport(ota.UpdateReport{
		Action:          "ota_update",
		Status:          ota.StatusFailed,
		Version:         "1.3.0",
		PreviousVersion: "1.2.0",
		Error:           "health check failed: unhealthy after 3 attempts",
		RolledBack:      true,
		CorrelationID:   "c-42",
		Timestamp:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "failed", out["status"])
	assert.Equal(t, "1.2.0", out["previous_version"])
	assert.Equal(t, true, out["rolled_back"])
	assert.Equal(t, "2026-01-02T03:04:05Z", out["timestamp"])
	_, hasDegraded := out["degraded"]
	assert.False(t, hasDegraded, "zero flags stay off the wire")
}

func TestEncodeRejection(t *testing.T) {
	data := EncodeRejection("ota_update", "c-9", ota.ErrBusy)
	var out Report
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, ota.StatusFailed, out.Status)
	assert.Equal(t, "c-9", out.CorrelationID)
	assert.Contains(t, out.Error, "already in progress")
}

func TestEncodeStatus(t *testing.T) {
	data := EncodeStatus(ota.StatusSnapshot{
		State:          ota.StateInstalling,
		CurrentVersion: "1.2.0",
		TargetVersion:  "1.3.0",
		Backups: []ota.VersionBackup{
			{Package: "nodi-edge", Version: "1.1.0", Size: 42, CreatedAt: time.Now()},
		},
	})
	var out StatusResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "installing", out.State)
	assert.Equal(t, "1.3.0", out.TargetVersion)
	require.Len(t, out.Backups, 1)
	assert.Equal(t, "1.1.0", out.Backups[0].Version)
}
