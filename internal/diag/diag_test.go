package diag

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homevolt-local/internal/config"
	"homevolt-local/internal/poller"
	"homevolt-local/internal/snapshot"
)

func TestNewReportRedactsIdentity(t *testing.T) {
	soc := 80.0
	snap := &snapshot.Snapshot{
		Status: &snapshot.Status{
			DeviceID:        "serial-1234",
			DeviceName:      "Garage Battery",
			FirmwareVersion: "1.4.2",
			WifiSSID:        "home-net",
		},
		Ems: []snapshot.EmsReading{
			{EcuID: "ecu01", EcuHost: "homevolt-b.local", Soc: &soc},
		},
		FetchedAt: time.Now().UTC(),
	}
	cfg := config.Config{
		Device: config.DeviceConfig{Host: "homevolt-abc.local", Username: "admin", Password: "hunter2"},
		Poll:   config.PollConfig{Interval: 10 * time.Second},
	}

	report := NewReport(cfg, poller.Health{State: poller.StateIdle}, snap)

	assert.NotEmpty(t, report.ID)
	assert.False(t, report.CreatedAt.IsZero())
	assert.Equal(t, "**REDACTED**", report.Config.Host)
	assert.Equal(t, "**REDACTED**", report.Config.Username)
	assert.Equal(t, "**REDACTED**", report.Config.Password)
	assert.Equal(t, "10s", report.Config.PollInterval)

	require.NotNil(t, report.Snapshot)
	assert.Equal(t, "**REDACTED**", report.Snapshot.Status.DeviceID)
	assert.Equal(t, "**REDACTED**", report.Snapshot.Status.WifiSSID)
	assert.Equal(t, "**REDACTED**", report.Snapshot.Ems[0].EcuID)
	assert.Equal(t, "**REDACTED**", report.Snapshot.Ems[0].EcuHost)

	// Telemetry survives redaction.
	assert.Equal(t, "Garage Battery", report.Snapshot.Status.DeviceName)
	require.NotNil(t, report.Snapshot.Ems[0].Soc)
	assert.InDelta(t, 80, *report.Snapshot.Ems[0].Soc, 1e-9)

	// The original snapshot is untouched.
	assert.Equal(t, "serial-1234", snap.Status.DeviceID)
	assert.Equal(t, "ecu01", snap.Ems[0].EcuID)
}

func TestNewReportRedactsDerivedDeviceName(t *testing.T) {
	snap := &snapshot.Snapshot{
		Status: &snapshot.Status{
			DeviceID:   "serial9f",
			DeviceName: "Homevolt serial9f",
		},
	}

	report := NewReport(config.Config{}, poller.Health{}, snap)

	assert.Equal(t, "Homevolt **REDACTED**", report.Snapshot.Status.DeviceName)
	assert.Equal(t, "Homevolt serial9f", snap.Status.DeviceName)

	b, err := json.Marshal(report)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(b), "serial9f"))
}

func TestNewReportSerializesWithoutSecrets(t *testing.T) {
	snap := &snapshot.Snapshot{
		Status: &snapshot.Status{DeviceID: "serial-1234", DeviceName: "Homevolt serial-1234"},
	}
	cfg := config.Config{
		Device: config.DeviceConfig{Host: "10.0.0.5", Password: "hunter2"},
		Poll:   config.PollConfig{Interval: 10 * time.Second},
	}

	report := NewReport(cfg, poller.Health{}, snap)
	b, err := json.Marshal(report)
	require.NoError(t, err)

	body := string(b)
	assert.False(t, strings.Contains(body, "hunter2"))
	assert.False(t, strings.Contains(body, "10.0.0.5"))
	assert.False(t, strings.Contains(body, "serial-1234"))
}

func TestNewReportNilSnapshot(t *testing.T) {
	report := NewReport(config.Config{}, poller.Health{State: poller.StateDegraded}, nil)
	assert.Nil(t, report.Snapshot)
	assert.Equal(t, poller.StateDegraded, report.Health.State)
}
