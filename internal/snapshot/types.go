// Package snapshot defines the canonical, unit-converted representation of
// all polled device state and the pure normalizer that builds it from raw
// endpoint documents.
package snapshot

import "time"

// Document keys used in the raw-document map handed to Normalize. They name
// the logical endpoint, not its URL path.
const (
	DocStatus      = "status"
	DocEms         = "ems"
	DocMains       = "mains"
	DocParams      = "params"
	DocSchedule    = "schedule"
	DocOTAManifest = "ota_manifest"
)

// Snapshot is the canonical in-memory state of one device for one poll
// cycle. All numeric fields are in display units. Optional fields are
// pointers and stay nil when the source document omits them; a snapshot is
// immutable once published and replaced wholesale by the next cycle.
type Snapshot struct {
	Status   *Status         `json:"status,omitempty"`
	Ems      []EmsReading    `json:"ems,omitempty"`
	Mains    *Mains          `json:"mains,omitempty"`
	Schedule *Schedule       `json:"schedule,omitempty"`
	Sensors  []SensorReading `json:"sensors,omitempty"`
	Params   []Param         `json:"params,omitempty"`

	// Aggregated is the cluster-wide reading a leader reports alongside the
	// per-unit list.
	Aggregated *EmsReading `json:"aggregated,omitempty"`

	// ClusterRole is "leader" when the ems list holds more than one unit,
	// else "follower".
	ClusterRole string `json:"cluster_role,omitempty"`

	// FetchedAt is when the snapshot was assembled. Stale is true when any
	// constituent document was served from the response cache.
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale"`
}

// Status carries device identity, firmware and link diagnostics.
type Status struct {
	DeviceID        string   `json:"device_id,omitempty"`
	DeviceName      string   `json:"device_name,omitempty"`
	FirmwareVersion string   `json:"firmware_version,omitempty"`
	OTAVersion      string   `json:"ota_version,omitempty"`
	UptimeDays      *float64 `json:"uptime_days,omitempty"`
	WifiConnected   *bool    `json:"wifi_connected,omitempty"`
	WifiSSID        string   `json:"wifi_ssid,omitempty"`
	WifiRSSI        *float64 `json:"wifi_rssi,omitempty"`
	LTEOperator     string   `json:"lte_operator,omitempty"`
	LTERSSI         *float64 `json:"lte_rssi,omitempty"`
}

// EmsReading is one energy-management unit's telemetry.
type EmsReading struct {
	EcuID   string `json:"ecu_id,omitempty"`
	EcuHost string `json:"ecu_host,omitempty"`

	Soc                 *float64 `json:"soc,omitempty"`
	PowerW              *float64 `json:"power_w,omitempty"`
	FrequencyHz         *float64 `json:"frequency_hz,omitempty"`
	SysTempC            *float64 `json:"sys_temp_c,omitempty"`
	AvailableCapacityWh *float64 `json:"available_capacity_wh,omitempty"`
	EnergyProducedKWh   *float64 `json:"energy_produced_kwh,omitempty"`
	EnergyConsumedKWh   *float64 `json:"energy_consumed_kwh,omitempty"`
	RatedPowerW         *float64 `json:"rated_power_w,omitempty"`

	OpState         string `json:"op_state,omitempty"`
	BatteryState    string `json:"battery_state,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`

	AlarmCount   *int     `json:"alarm_count,omitempty"`
	WarningCount *int     `json:"warning_count,omitempty"`
	InfoCount    *int     `json:"info_count,omitempty"`
	Alarms       []string `json:"alarms,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	Infos        []string `json:"infos,omitempty"`

	Prediction *Prediction `json:"prediction,omitempty"`
}

// Prediction is the EMS's view of available power and energy headroom.
type Prediction struct {
	AvailChargePowerW            *float64 `json:"avail_charge_power_w,omitempty"`
	AvailDischargePowerW         *float64 `json:"avail_discharge_power_w,omitempty"`
	AvailChargeEnergyWh          *float64 `json:"avail_charge_energy_wh,omitempty"`
	AvailDischargeEnergyWh       *float64 `json:"avail_discharge_energy_wh,omitempty"`
	AvailInverterChargePowerW    *float64 `json:"avail_inverter_charge_power_w,omitempty"`
	AvailInverterDischargePowerW *float64 `json:"avail_inverter_discharge_power_w,omitempty"`
}

// Mains holds grid-side measurements. Absent on non-ECU devices.
type Mains struct {
	VoltageV    *float64 `json:"voltage_v,omitempty"`
	FrequencyHz *float64 `json:"frequency_hz,omitempty"`
}

// Schedule is the device scheduler state.
type Schedule struct {
	// Mode is "local" when the device accepts local control, else "remote".
	Mode       string          `json:"mode"`
	ScheduleID *int            `json:"schedule_id,omitempty"`
	Entries    []ScheduleEntry `json:"entries,omitempty"`
}

// ScheduleEntry is one scheduler entry, ordered as the device returned it.
type ScheduleEntry struct {
	Type     int    `json:"type"`
	TypeName string `json:"type_name"`

	From    *int64 `json:"from,omitempty"` // unix seconds
	To      *int64 `json:"to,omitempty"`
	FromUTC string `json:"from_utc,omitempty"` // ISO 8601, UTC
	ToUTC   string `json:"to_utc,omitempty"`

	MinSoc       *int `json:"min_soc,omitempty"`
	MaxSoc       *int `json:"max_soc,omitempty"`
	Setpoint     *int `json:"setpoint,omitempty"`
	MaxCharge    *int `json:"max_charge,omitempty"`
	MaxDischarge *int `json:"max_discharge,omitempty"`
	ImportLimit  *int `json:"import_limit,omitempty"`
	ExportLimit  *int `json:"export_limit,omitempty"`
}

// SensorReading is one externally attached CT sensor (grid, solar or load).
// Entries exist only for kinds the device actually reports.
type SensorReading struct {
	Kind              string   `json:"kind"`
	TotalPowerW       *float64 `json:"total_power_w,omitempty"`
	EnergyImportedKWh *float64 `json:"energy_imported_kwh,omitempty"`
	EnergyExportedKWh *float64 `json:"energy_exported_kwh,omitempty"`
	RSSI              *float64 `json:"rssi,omitempty"`
}

// Param is a device configuration value, unwrapped from the wire format's
// single-element array container where applicable.
type Param struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// ParamValue returns the named parameter's unwrapped value.
func (s *Snapshot) ParamValue(name string) (any, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// ParamString returns the named parameter when it is a string.
func (s *Snapshot) ParamString(name string) (string, bool) {
	v, ok := s.ParamValue(name)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// ParamBool interprets the named parameter as a boolean, accepting the
// firmware's bool, "true"/"1" and numeric 1 spellings.
func (s *Snapshot) ParamBool(name string) (bool, bool) {
	v, ok := s.ParamValue(name)
	if !ok {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		return t == "true" || t == "1", true
	case float64:
		return t == 1, true
	}
	return false, false
}

// ParamInt returns the named parameter when it is numeric.
func (s *Snapshot) ParamInt(name string) (int, bool) {
	v, ok := s.ParamValue(name)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// LocalMode reports whether local control is enabled, when known.
func (s *Snapshot) LocalMode() (bool, bool) {
	if s == nil || s.Schedule == nil {
		return false, false
	}
	return s.Schedule.Mode == ModeLocal, true
}
