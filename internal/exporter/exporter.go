// Package exporter implements prometheus.Collector over the poller's
// current snapshot. Scrapes never touch the network; they read whatever
// the poll loop last published.
package exporter

import (
	"github.com/prometheus/client_golang/prometheus"

	"homevolt-local/internal/poller"
	"homevolt-local/internal/snapshot"
)

// Source provides the current snapshot and poll health.
type Source interface {
	Current() *snapshot.Snapshot
	Health() poller.Health
}

// Collector implements prometheus.Collector for Homevolt metrics
type Collector struct {
	source Source

	// Metrics
	soc            *prometheus.Desc
	power          *prometheus.Desc
	frequency      *prometheus.Desc
	temperature    *prometheus.Desc
	availCapacity  *prometheus.Desc
	energyProduced *prometheus.Desc
	energyConsumed *prometheus.Desc
	alarmCount     *prometheus.Desc
	sensorPower    *prometheus.Desc
	sensorImported *prometheus.Desc
	sensorExported *prometheus.Desc
	mainsVoltage   *prometheus.Desc
	mainsFrequency *prometheus.Desc
	snapshotStale  *prometheus.Desc
	pollSuccess    *prometheus.Desc
	pollFailures   *prometheus.Desc
}

// NewCollector creates a new Homevolt collector
func NewCollector(source Source) *Collector {
	unitLabels := []string{"ecu_id"}
	sensorLabels := []string{"kind"}
	return &Collector{
		source: source,
		soc: prometheus.NewDesc(
			"homevolt_battery_soc_percent",
			"Battery state of charge in percent",
			unitLabels,
			nil,
		),
		power: prometheus.NewDesc(
			"homevolt_inverter_power_watts",
			"Inverter power in watts (negative=discharging)",
			unitLabels,
			nil,
		),
		frequency: prometheus.NewDesc(
			"homevolt_grid_frequency_hertz",
			"Grid frequency measured by the unit in hertz",
			unitLabels,
			nil,
		),
		temperature: prometheus.NewDesc(
			"homevolt_system_temperature_celsius",
			"System temperature in degrees Celsius",
			unitLabels,
			nil,
		),
		availCapacity: prometheus.NewDesc(
			"homevolt_available_capacity_wh",
			"Available battery capacity in watt-hours",
			unitLabels,
			nil,
		),
		energyProduced: prometheus.NewDesc(
			"homevolt_energy_produced_kwh",
			"Lifetime energy produced in kilowatt-hours",
			unitLabels,
			nil,
		),
		energyConsumed: prometheus.NewDesc(
			"homevolt_energy_consumed_kwh",
			"Lifetime energy consumed in kilowatt-hours",
			unitLabels,
			nil,
		),
		alarmCount: prometheus.NewDesc(
			"homevolt_alarm_count",
			"Number of active alarms on the unit",
			unitLabels,
			nil,
		),
		sensorPower: prometheus.NewDesc(
			"homevolt_sensor_power_watts",
			"External sensor power in watts",
			sensorLabels,
			nil,
		),
		sensorImported: prometheus.NewDesc(
			"homevolt_sensor_energy_imported_kwh",
			"External sensor lifetime imported energy in kilowatt-hours",
			sensorLabels,
			nil,
		),
		sensorExported: prometheus.NewDesc(
			"homevolt_sensor_energy_exported_kwh",
			"External sensor lifetime exported energy in kilowatt-hours",
			sensorLabels,
			nil,
		),
		mainsVoltage: prometheus.NewDesc(
			"homevolt_mains_voltage_volts",
			"Mains RMS voltage in volts",
			nil,
			nil,
		),
		mainsFrequency: prometheus.NewDesc(
			"homevolt_mains_frequency_hertz",
			"Mains frequency in hertz",
			nil,
			nil,
		),
		snapshotStale: prometheus.NewDesc(
			"homevolt_snapshot_stale",
			"Whether the current snapshot was served from the stale cache (1=yes, 0=no)",
			nil,
			nil,
		),
		pollSuccess: prometheus.NewDesc(
			"homevolt_poll_success",
			"Whether a current snapshot is available (1=yes, 0=no)",
			nil,
			nil,
		),
		pollFailures: prometheus.NewDesc(
			"homevolt_poll_consecutive_failures",
			"Number of consecutive failed poll cycles",
			nil,
			nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.soc
	ch <- c.power
	ch <- c.frequency
	ch <- c.temperature
	ch <- c.availCapacity
	ch <- c.energyProduced
	ch <- c.energyConsumed
	ch <- c.alarmCount
	ch <- c.sensorPower
	ch <- c.sensorImported
	ch <- c.sensorExported
	ch <- c.mainsVoltage
	ch <- c.mainsFrequency
	ch <- c.snapshotStale
	ch <- c.pollSuccess
	ch <- c.pollFailures
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	health := c.source.Health()
	ch <- prometheus.MustNewConstMetric(c.pollFailures, prometheus.GaugeValue, float64(health.ConsecutiveFailures))

	snap := c.source.Current()
	if snap == nil {
		ch <- prometheus.MustNewConstMetric(c.pollSuccess, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.pollSuccess, prometheus.GaugeValue, 1)

	stale := 0.0
	if snap.Stale {
		stale = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.snapshotStale, prometheus.GaugeValue, stale)

	for _, unit := range snap.Ems {
		c.collectUnit(unit, ch)
	}
	for _, sensor := range snap.Sensors {
		c.collectSensor(sensor, ch)
	}
	if snap.Mains != nil {
		emitGauge(ch, c.mainsVoltage, snap.Mains.VoltageV)
		emitGauge(ch, c.mainsFrequency, snap.Mains.FrequencyHz)
	}
}

func (c *Collector) collectUnit(unit snapshot.EmsReading, ch chan<- prometheus.Metric) {
	labels := []string{unit.EcuID}
	emitGauge(ch, c.soc, unit.Soc, labels...)
	emitGauge(ch, c.power, unit.PowerW, labels...)
	emitGauge(ch, c.frequency, unit.FrequencyHz, labels...)
	emitGauge(ch, c.temperature, unit.SysTempC, labels...)
	emitGauge(ch, c.availCapacity, unit.AvailableCapacityWh, labels...)
	emitCounter(ch, c.energyProduced, unit.EnergyProducedKWh, labels...)
	emitCounter(ch, c.energyConsumed, unit.EnergyConsumedKWh, labels...)
	if unit.AlarmCount != nil {
		ch <- prometheus.MustNewConstMetric(c.alarmCount, prometheus.GaugeValue, float64(*unit.AlarmCount), labels...)
	}
}

func (c *Collector) collectSensor(sensor snapshot.SensorReading, ch chan<- prometheus.Metric) {
	labels := []string{sensor.Kind}
	emitGauge(ch, c.sensorPower, sensor.TotalPowerW, labels...)
	emitCounter(ch, c.sensorImported, sensor.EnergyImportedKWh, labels...)
	emitCounter(ch, c.sensorExported, sensor.EnergyExportedKWh, labels...)
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v *float64, labels ...string) {
	if v == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, *v, labels...)
}

func emitCounter(ch chan<- prometheus.Metric, desc *prometheus.Desc, v *float64, labels ...string) {
	if v == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, *v, labels...)
}
