package exporter

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homevolt-local/internal/poller"
	"homevolt-local/internal/snapshot"
)

type stubSource struct {
	snap   *snapshot.Snapshot
	health poller.Health
}

func (s *stubSource) Current() *snapshot.Snapshot { return s.snap }
func (s *stubSource) Health() poller.Health       { return s.health }

func f(v float64) *float64 { return &v }

func TestCollectorEmitsUnitMetrics(t *testing.T) {
	alarms := 2
	src := &stubSource{
		snap: &snapshot.Snapshot{
			Ems: []snapshot.EmsReading{{
				EcuID:             "ecu01",
				Soc:               f(87.5),
				PowerW:            f(-1500),
				FrequencyHz:       f(49.987),
				SysTempC:          f(21.5),
				EnergyProducedKWh: f(1234.5),
				AlarmCount:        &alarms,
			}},
			Sensors: []snapshot.SensorReading{{
				Kind:              "grid",
				TotalPowerW:       f(320),
				EnergyImportedKWh: f(1523.4),
			}},
			Mains: &snapshot.Mains{VoltageV: f(231.4), FrequencyHz: f(50.02)},
		},
	}

	expected := `
		# HELP homevolt_battery_soc_percent Battery state of charge in percent
		# TYPE homevolt_battery_soc_percent gauge
		homevolt_battery_soc_percent{ecu_id="ecu01"} 87.5
		# HELP homevolt_inverter_power_watts Inverter power in watts (negative=discharging)
		# TYPE homevolt_inverter_power_watts gauge
		homevolt_inverter_power_watts{ecu_id="ecu01"} -1500
		# HELP homevolt_alarm_count Number of active alarms on the unit
		# TYPE homevolt_alarm_count gauge
		homevolt_alarm_count{ecu_id="ecu01"} 2
		# HELP homevolt_sensor_power_watts External sensor power in watts
		# TYPE homevolt_sensor_power_watts gauge
		homevolt_sensor_power_watts{kind="grid"} 320
		# HELP homevolt_mains_voltage_volts Mains RMS voltage in volts
		# TYPE homevolt_mains_voltage_volts gauge
		homevolt_mains_voltage_volts 231.4
		# HELP homevolt_poll_success Whether a current snapshot is available (1=yes, 0=no)
		# TYPE homevolt_poll_success gauge
		homevolt_poll_success 1
		# HELP homevolt_snapshot_stale Whether the current snapshot was served from the stale cache (1=yes, 0=no)
		# TYPE homevolt_snapshot_stale gauge
		homevolt_snapshot_stale 0
	`
	err := testutil.CollectAndCompare(NewCollector(src), strings.NewReader(expected),
		"homevolt_battery_soc_percent",
		"homevolt_inverter_power_watts",
		"homevolt_alarm_count",
		"homevolt_sensor_power_watts",
		"homevolt_mains_voltage_volts",
		"homevolt_poll_success",
		"homevolt_snapshot_stale",
	)
	require.NoError(t, err)
}

func TestCollectorOmitsAbsentFields(t *testing.T) {
	src := &stubSource{
		snap: &snapshot.Snapshot{
			Ems: []snapshot.EmsReading{{EcuID: "ecu01", Soc: f(50)}},
		},
	}

	count := testutil.CollectAndCount(NewCollector(src), "homevolt_system_temperature_celsius")
	assert.Zero(t, count, "absent fields must not emit zero-valued metrics")

	count = testutil.CollectAndCount(NewCollector(src), "homevolt_battery_soc_percent")
	assert.Equal(t, 1, count)
}

func TestCollectorNoSnapshot(t *testing.T) {
	src := &stubSource{health: poller.Health{ConsecutiveFailures: 3}}

	expected := `
		# HELP homevolt_poll_success Whether a current snapshot is available (1=yes, 0=no)
		# TYPE homevolt_poll_success gauge
		homevolt_poll_success 0
		# HELP homevolt_poll_consecutive_failures Number of consecutive failed poll cycles
		# TYPE homevolt_poll_consecutive_failures gauge
		homevolt_poll_consecutive_failures 3
	`
	err := testutil.CollectAndCompare(NewCollector(src), strings.NewReader(expected),
		"homevolt_poll_success",
		"homevolt_poll_consecutive_failures",
	)
	require.NoError(t, err)
}

func TestCollectorStaleFlag(t *testing.T) {
	src := &stubSource{snap: &snapshot.Snapshot{Stale: true}}

	expected := `
		# HELP homevolt_snapshot_stale Whether the current snapshot was served from the stale cache (1=yes, 0=no)
		# TYPE homevolt_snapshot_stale gauge
		homevolt_snapshot_stale 1
	`
	err := testutil.CollectAndCompare(NewCollector(src), strings.NewReader(expected), "homevolt_snapshot_stale")
	require.NoError(t, err)
}
