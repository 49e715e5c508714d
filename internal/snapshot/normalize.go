package snapshot

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Unit conversion divisors for the device's raw scaled integers.
const (
	centiDivisor = 100      // centi-percent -> percent
	deciDivisor  = 10       // deci-degrees -> degrees
	milliDivisor = 1000     // milli-Hz -> Hz, Wh -> kWh
	msPerDay     = 86400000 // uptime milliseconds -> days
)

// MalformedDocumentError reports a required document whose structure cannot
// be decoded (wrong field types, truncated JSON). Plain absence of optional
// fields never produces it.
type MalformedDocumentError struct {
	Doc string
	Err error
}

func (e *MalformedDocumentError) Error() string {
	return fmt.Sprintf("malformed %s document: %v", e.Doc, e.Err)
}

func (e *MalformedDocumentError) Unwrap() error { return e.Err }

// Raw wire shapes. The device emits a nested document (ems[].ems_data.*)
// while the published OpenAPI description uses flat top-level keys; both are
// decoded side by side and reconciled per field.

type rawEmsDoc struct {
	Ems        []rawEmsUnit `json:"ems"`
	Aggregated *rawEmsUnit  `json:"aggregated"`
	Sensors    []rawSensor  `json:"sensors"`

	// Flat format fields.
	EcuID         string   `json:"ecu_id"`
	BatterySoc    *float64 `json:"battery_soc"`
	InverterPower *float64 `json:"inverter_power"`
	GridFrequency *float64 `json:"grid_frequency"`
	EmsState      string   `json:"ems_state"`
}

type rawEmsUnit struct {
	EcuID      string         `json:"ecu_id"`
	EcuHost    string         `json:"ecu_host"`
	OpStateStr string         `json:"op_state_str"`
	EmsData    *rawEmsData    `json:"ems_data"`
	EmsInfo    *rawEmsInfo    `json:"ems_info"`
	Prediction *rawPrediction `json:"ems_prediction"`
	BmsData    []rawBmsData   `json:"bms_data"`
}

type rawEmsData struct {
	SocAvg         *float64 `json:"soc_avg"`
	Power          *float64 `json:"power"`
	Frequency      *float64 `json:"frequency"`
	SysTemp        *float64 `json:"sys_temp"`
	AvailCap       *float64 `json:"avail_cap"`
	EnergyProduced *float64 `json:"energy_produced"`
	EnergyConsumed *float64 `json:"energy_consumed"`
	StateStr       string   `json:"state_str"`
	AlarmStr       []string `json:"alarm_str"`
	WarningStr     []string `json:"warning_str"`
	InfoStr        []string `json:"info_str"`
}

type rawEmsInfo struct {
	RatedPower *float64 `json:"rated_power"`
	FwVersion  string   `json:"fw_version"`
}

type rawBmsData struct {
	Soc *float64 `json:"soc"`
}

type rawPrediction struct {
	AvailChPwr    *float64 `json:"avail_ch_pwr"`
	AvailDiPwr    *float64 `json:"avail_di_pwr"`
	AvailChEnergy *float64 `json:"avail_ch_energy"`
	AvailDiEnergy *float64 `json:"avail_di_energy"`
	AvailInvChPwr *float64 `json:"avail_inv_ch_pwr"`
	AvailInvDiPwr *float64 `json:"avail_inv_di_pwr"`
}

type rawSensor struct {
	Type           string   `json:"type"`
	TotalPower     *float64 `json:"total_power"`
	EnergyImported *float64 `json:"energy_imported"`
	EnergyExported *float64 `json:"energy_exported"`
	Rssi           *float64 `json:"rssi"`
}

type rawStatus struct {
	UpTime   *float64 `json:"up_time"`
	Firmware *struct {
		Esp string `json:"esp"`
	} `json:"firmware"`
	WifiStatus *struct {
		Connected *bool    `json:"connected"`
		Ssid      string   `json:"ssid"`
		Rssi      *float64 `json:"rssi"`
	} `json:"wifi_status"`
	LteStatus *struct {
		OperatorName string   `json:"operator_name"`
		Rssi         *float64 `json:"rssi"`
	} `json:"lte_status"`
}

type rawMains struct {
	MainsVoltageRms *float64 `json:"mains_voltage_rms"`
	Frequency       *float64 `json:"frequency"`
}

type rawParam struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type rawSchedule struct {
	LocalMode  bool               `json:"local_mode"`
	ScheduleID *int               `json:"schedule_id"`
	Schedule   []rawScheduleEntry `json:"schedule"`
}

type rawScheduleEntry struct {
	Type         *int   `json:"type"`
	From         *int64 `json:"from"`
	To           *int64 `json:"to"`
	MinSoc       *int   `json:"min_soc"`
	MaxSoc       *int   `json:"max_soc"`
	Setpoint     *int   `json:"setpoint"`
	MaxCharge    *int   `json:"max_charge"`
	MaxDischarge *int   `json:"max_discharge"`
	ImportLimit  *int   `json:"import_limit"`
	ExportLimit  *int   `json:"export_limit"`
}

type rawOTAManifest struct {
	Version string `json:"version"`
}

// emsField resolves one canonical EMS field from whichever wire shape is
// present: nested candidates first, then the flat fallback. Adding a third
// wire format is an edit to this table, not a new code path.
type emsField struct {
	set        func(*EmsReading, *float64)
	fromNested func(*rawEmsUnit) *float64
	fromFlat   func(*rawEmsDoc) *float64
}

var emsFieldTable = []emsField{
	{
		set: func(r *EmsReading, v *float64) { r.Soc = v },
		fromNested: func(u *rawEmsUnit) *float64 {
			return firstOf(scale(emsData(u).SocAvg, centiDivisor), bmsSoc(u))
		},
		fromFlat: func(d *rawEmsDoc) *float64 { return d.BatterySoc },
	},
	{
		set:        func(r *EmsReading, v *float64) { r.PowerW = v },
		fromNested: func(u *rawEmsUnit) *float64 { return emsData(u).Power },
		fromFlat:   func(d *rawEmsDoc) *float64 { return d.InverterPower },
	},
	{
		set:        func(r *EmsReading, v *float64) { r.FrequencyHz = v },
		fromNested: func(u *rawEmsUnit) *float64 { return scale(emsData(u).Frequency, milliDivisor) },
		fromFlat:   func(d *rawEmsDoc) *float64 { return d.GridFrequency },
	},
	{
		set:        func(r *EmsReading, v *float64) { r.SysTempC = v },
		fromNested: func(u *rawEmsUnit) *float64 { return scale(emsData(u).SysTemp, deciDivisor) },
	},
	{
		set:        func(r *EmsReading, v *float64) { r.AvailableCapacityWh = v },
		fromNested: func(u *rawEmsUnit) *float64 { return emsData(u).AvailCap },
	},
	{
		set:        func(r *EmsReading, v *float64) { r.EnergyProducedKWh = v },
		fromNested: func(u *rawEmsUnit) *float64 { return scale(emsData(u).EnergyProduced, milliDivisor) },
	},
	{
		set:        func(r *EmsReading, v *float64) { r.EnergyConsumedKWh = v },
		fromNested: func(u *rawEmsUnit) *float64 { return scale(emsData(u).EnergyConsumed, milliDivisor) },
	},
	{
		set: func(r *EmsReading, v *float64) { r.RatedPowerW = v },
		fromNested: func(u *rawEmsUnit) *float64 {
			if u.EmsInfo == nil {
				return nil
			}
			return u.EmsInfo.RatedPower
		},
	},
}

// Normalize builds the canonical snapshot from the raw endpoint documents.
// Pure and deterministic: the same documents always yield the same snapshot.
// FetchedAt and Stale are stamped by the caller. Optional documents may be
// absent from the map; required documents that fail to decode produce a
// MalformedDocumentError.
func Normalize(docs map[string]json.RawMessage) (*Snapshot, error) {
	snap := &Snapshot{}

	if raw, ok := docs[DocEms]; ok {
		var doc rawEmsDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, &MalformedDocumentError{Doc: DocEms, Err: err}
		}
		normalizeEms(snap, &doc)
	}

	if raw, ok := docs[DocStatus]; ok {
		var doc rawStatus
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, &MalformedDocumentError{Doc: DocStatus, Err: err}
		}
		normalizeStatus(snap, &doc)
	}

	if raw, ok := docs[DocParams]; ok {
		params, err := normalizeParams(raw)
		if err != nil {
			return nil, err
		}
		snap.Params = params
	}

	if raw, ok := docs[DocSchedule]; ok {
		var doc rawSchedule
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, &MalformedDocumentError{Doc: DocSchedule, Err: err}
		}
		snap.Schedule = normalizeSchedule(&doc)
	}

	// Optional documents: decode failures omit the section instead of
	// failing the cycle.
	if raw, ok := docs[DocMains]; ok {
		var doc rawMains
		if err := json.Unmarshal(raw, &doc); err == nil {
			if doc.MainsVoltageRms != nil || doc.Frequency != nil {
				snap.Mains = &Mains{VoltageV: doc.MainsVoltageRms, FrequencyHz: doc.Frequency}
			}
		}
	}
	if raw, ok := docs[DocOTAManifest]; ok {
		var doc rawOTAManifest
		if err := json.Unmarshal(raw, &doc); err == nil && doc.Version != "" {
			if snap.Status == nil {
				snap.Status = &Status{}
			}
			snap.Status.OTAVersion = doc.Version
		}
	}

	finishIdentity(snap, docs)
	return snap, nil
}

func normalizeEms(snap *Snapshot, doc *rawEmsDoc) {
	if len(doc.Ems) > 0 {
		snap.Ems = make([]EmsReading, 0, len(doc.Ems))
		for i := range doc.Ems {
			// The flat fallback describes the local unit only.
			flat := doc
			if i > 0 {
				flat = nil
			}
			snap.Ems = append(snap.Ems, normalizeEmsUnit(&doc.Ems[i], flat))
		}
	} else if hasFlatEms(doc) {
		snap.Ems = []EmsReading{normalizeEmsUnit(&rawEmsUnit{EcuID: doc.EcuID}, doc)}
	}

	if doc.Aggregated != nil {
		agg := normalizeEmsUnit(doc.Aggregated, nil)
		snap.Aggregated = &agg
	}

	for _, s := range doc.Sensors {
		if s.Type == "" {
			continue
		}
		snap.Sensors = append(snap.Sensors, SensorReading{
			Kind:              s.Type,
			TotalPowerW:       s.TotalPower,
			EnergyImportedKWh: s.EnergyImported,
			EnergyExportedKWh: s.EnergyExported,
			RSSI:              s.Rssi,
		})
	}

	// A unit is a leader only when it sees other units in its ems list;
	// anything shorter, the empty list included, reports as follower.
	if len(snap.Ems) > 1 {
		snap.ClusterRole = RoleLeader
	} else {
		snap.ClusterRole = RoleFollower
	}
}

func normalizeEmsUnit(u *rawEmsUnit, flat *rawEmsDoc) EmsReading {
	r := EmsReading{
		EcuID:   u.EcuID,
		EcuHost: u.EcuHost,
		OpState: u.OpStateStr,
	}
	if r.OpState == "" && flat != nil {
		r.OpState = flat.EmsState
	}

	for _, f := range emsFieldTable {
		v := f.fromNested(u)
		if v == nil && flat != nil && f.fromFlat != nil {
			v = f.fromFlat(flat)
		}
		f.set(&r, v)
	}

	if d := u.EmsData; d != nil {
		r.BatteryState = d.StateStr
		r.AlarmCount = listLen(d.AlarmStr)
		r.WarningCount = listLen(d.WarningStr)
		r.InfoCount = listLen(d.InfoStr)
		r.Alarms = d.AlarmStr
		r.Warnings = d.WarningStr
		r.Infos = d.InfoStr
	}
	if u.EmsInfo != nil {
		r.FirmwareVersion = u.EmsInfo.FwVersion
	}
	if p := u.Prediction; p != nil {
		r.Prediction = &Prediction{
			AvailChargePowerW:            p.AvailChPwr,
			AvailDischargePowerW:         p.AvailDiPwr,
			AvailChargeEnergyWh:          p.AvailChEnergy,
			AvailDischargeEnergyWh:       p.AvailDiEnergy,
			AvailInverterChargePowerW:    p.AvailInvChPwr,
			AvailInverterDischargePowerW: p.AvailInvDiPwr,
		}
	}
	return r
}

func hasFlatEms(doc *rawEmsDoc) bool {
	return doc.BatterySoc != nil || doc.InverterPower != nil ||
		doc.GridFrequency != nil || doc.EmsState != ""
}

func normalizeStatus(snap *Snapshot, doc *rawStatus) {
	if snap.Status == nil {
		snap.Status = &Status{}
	}
	st := snap.Status
	st.UptimeDays = scale(doc.UpTime, msPerDay)
	if doc.Firmware != nil {
		st.FirmwareVersion = doc.Firmware.Esp
	}
	if w := doc.WifiStatus; w != nil {
		st.WifiConnected = w.Connected
		st.WifiSSID = w.Ssid
		st.WifiRSSI = w.Rssi
	}
	if l := doc.LteStatus; l != nil {
		st.LTEOperator = l.OperatorName
		st.LTERSSI = l.Rssi
	}
}

func normalizeParams(raw json.RawMessage) ([]Param, error) {
	var list []rawParam
	if err := json.Unmarshal(raw, &list); err != nil {
		// Some firmware wraps the list in an object.
		var wrapped struct {
			Params []rawParam `json:"params"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, &MalformedDocumentError{Doc: DocParams, Err: err}
		}
		list = wrapped.Params
	}

	params := make([]Param, 0, len(list))
	for _, p := range list {
		if p.Name == "" {
			continue
		}
		params = append(params, Param{Name: p.Name, Value: unwrapParamValue(p.Value)})
	}
	return params, nil
}

// unwrapParamValue turns the wire format's single-element array container
// into a bare scalar; already-scalar values pass through unchanged.
func unwrapParamValue(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	if list, ok := v.([]any); ok && len(list) > 0 {
		return list[0]
	}
	return v
}

func normalizeSchedule(doc *rawSchedule) *Schedule {
	mode := ModeRemote
	if doc.LocalMode {
		mode = ModeLocal
	}
	sched := &Schedule{Mode: mode, ScheduleID: doc.ScheduleID}

	for _, e := range doc.Schedule {
		entry := ScheduleEntry{
			From:         e.From,
			To:           e.To,
			MinSoc:       e.MinSoc,
			MaxSoc:       e.MaxSoc,
			Setpoint:     e.Setpoint,
			MaxCharge:    e.MaxCharge,
			MaxDischarge: e.MaxDischarge,
			ImportLimit:  e.ImportLimit,
			ExportLimit:  e.ExportLimit,
		}
		if e.Type != nil {
			entry.Type = *e.Type
			entry.TypeName = ModeName(*e.Type)
		}
		if e.From != nil {
			entry.FromUTC = isoUTC(*e.From)
		}
		if e.To != nil {
			entry.ToUTC = isoUTC(*e.To)
		}
		sched.Entries = append(sched.Entries, entry)
	}
	return sched
}

// hostnamePattern extracts a device ID from hostnames like
// "homevolt-abc123.local".
var hostnamePattern = regexp.MustCompile(`homevolt[_-]?([a-zA-Z0-9]+)`)

// DeviceIDFromHost extracts the device ID embedded in a hostname, if any.
func DeviceIDFromHost(host string) string {
	m := hostnamePattern.FindStringSubmatch(host)
	if m == nil {
		return ""
	}
	return m[1]
}

// ApplyHostIdentity falls back to the configured hostname for the device ID
// when no polled document carried one. A derived ID also upgrades the
// generic device name.
func (s *Snapshot) ApplyHostIdentity(host string) {
	if s.Status == nil || s.Status.DeviceID != "" {
		return
	}
	id := DeviceIDFromHost(host)
	if id == "" {
		return
	}
	s.Status.DeviceID = id
	if s.Status.DeviceName == "" || s.Status.DeviceName == "Homevolt Battery" {
		s.Status.DeviceName = "Homevolt " + id
	}
}

// finishIdentity fills device identity fields derived across documents.
func finishIdentity(snap *Snapshot, docs map[string]json.RawMessage) {
	if snap.Status == nil {
		if _, ok := docs[DocStatus]; !ok && len(snap.Ems) == 0 && len(snap.Params) == 0 {
			return
		}
		snap.Status = &Status{}
	}
	st := snap.Status

	if st.DeviceID == "" {
		for _, u := range snap.Ems {
			if u.EcuID != "" {
				st.DeviceID = u.EcuID
				break
			}
		}
	}

	if name, ok := paramString(snap.Params, "ecu_mdns_instance_name"); ok && name != "" {
		st.DeviceName = name
	} else if st.DeviceID != "" {
		st.DeviceName = "Homevolt " + st.DeviceID
	} else {
		st.DeviceName = "Homevolt Battery"
	}

	if st.FirmwareVersion == "" {
		for _, u := range snap.Ems {
			if u.EcuHost == "" && u.FirmwareVersion != "" {
				st.FirmwareVersion = u.FirmwareVersion
				break
			}
		}
	}
}

func paramString(params []Param, name string) (string, bool) {
	for _, p := range params {
		if p.Name == name {
			s, ok := p.Value.(string)
			return s, ok
		}
	}
	return "", false
}

func emsData(u *rawEmsUnit) *rawEmsData {
	if u.EmsData == nil {
		return &rawEmsData{}
	}
	return u.EmsData
}

func bmsSoc(u *rawEmsUnit) *float64 {
	if len(u.BmsData) == 0 {
		return nil
	}
	return u.BmsData[0].Soc
}

func scale(v *float64, divisor float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v / divisor
	return &out
}

func firstOf(candidates ...*float64) *float64 {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}

func listLen(list []string) *int {
	if list == nil {
		return nil
	}
	n := len(list)
	return &n
}
