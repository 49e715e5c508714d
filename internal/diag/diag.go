// Package diag builds serializable diagnostics dumps with credentials and
// device identifiers replaced by redaction markers.
package diag

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"homevolt-local/internal/config"
	"homevolt-local/internal/poller"
	"homevolt-local/internal/snapshot"
)

const redacted = "**REDACTED**"

// Report is a point-in-time diagnostics dump, safe to share.
type Report struct {
	ID        string             `json:"id"`
	CreatedAt time.Time          `json:"created_at"`
	Config    ReportConfig       `json:"config"`
	Health    poller.Health      `json:"health"`
	Snapshot  *snapshot.Snapshot `json:"snapshot,omitempty"`
}

// ReportConfig mirrors the agent configuration with secrets removed.
type ReportConfig struct {
	Host         string `json:"host"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	PollInterval string `json:"poll_interval"`
	StorageOn    bool   `json:"storage_enabled"`
	MetricsOn    bool   `json:"metrics_enabled"`
}

// NewReport assembles a redacted report from the running configuration,
// poll health and current snapshot. The snapshot argument may be nil.
func NewReport(cfg config.Config, health poller.Health, snap *snapshot.Snapshot) Report {
	r := Report{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Config: ReportConfig{
			Host:         redacted,
			Username:     redacted,
			Password:     redacted,
			PollInterval: cfg.Poll.Interval.String(),
			StorageOn:    cfg.Storage.Enabled,
			MetricsOn:    cfg.Metrics.Enabled,
		},
		Health: health,
	}
	if snap != nil {
		r.Snapshot = redactSnapshot(snap)
	}
	return r
}

// redactSnapshot deep-copies the parts of the snapshot that carry device
// identifiers and blanks them, leaving telemetry intact. The original is
// never mutated.
func redactSnapshot(snap *snapshot.Snapshot) *snapshot.Snapshot {
	out := *snap

	if snap.Status != nil {
		st := *snap.Status
		if st.DeviceID != "" {
			// The fallback device name embeds the device ID.
			st.DeviceName = strings.ReplaceAll(st.DeviceName, st.DeviceID, redacted)
		}
		st.DeviceID = redacted
		st.WifiSSID = redacted
		out.Status = &st
	}

	if len(snap.Ems) > 0 {
		out.Ems = make([]snapshot.EmsReading, len(snap.Ems))
		copy(out.Ems, snap.Ems)
		for i := range out.Ems {
			if out.Ems[i].EcuID != "" {
				out.Ems[i].EcuID = redacted
			}
			if out.Ems[i].EcuHost != "" {
				out.Ems[i].EcuHost = redacted
			}
		}
	}

	if snap.Aggregated != nil {
		agg := *snap.Aggregated
		if agg.EcuID != "" {
			agg.EcuID = redacted
		}
		if agg.EcuHost != "" {
			agg.EcuHost = redacted
		}
		out.Aggregated = &agg
	}

	return &out
}
