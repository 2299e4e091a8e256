package easystart

import (
  "github.com/cbird527/ha-easystart-flex/ble"
  "github.com/cbird527/ha-easystart-flex/telemetry"
)

// GATT identifiers. Only fff1, fff2 and fff4 have been seen in the wild; the other counter
// characteristics follow the same numbering and are unverified against hardware.
var (
  NotifyCharacteristic       = ble.MustParseUUID("0000fff1-0000-1000-8000-00805f9b34fb")
  EnableCharacteristic       = ble.MustParseUUID("0000fff2-0000-1000-8000-00805f9b34fb")
  FaultCodeCharacteristic    = ble.MustParseUUID("0000fff3-0000-1000-8000-00805f9b34fb")
  TotalStartsCharacteristic  = ble.MustParseUUID("0000fff4-0000-1000-8000-00805f9b34fb")
  RuntimeHoursCharacteristic = ble.MustParseUUID("0000fff5-0000-1000-8000-00805f9b34fb")
  TotalFaultsCharacteristic  = ble.MustParseUUID("0000fff6-0000-1000-8000-00805f9b34fb")
)

// EnableCommand is written to EnableCharacteristic to switch the unit into live mode.
var EnableCommand = []byte{0x01}

const (
  MetricStatus         = "status"
  MetricDiagnosticCode = "diagnostic_code"
  MetricRuntimeHours   = "runtime_hours"
  MetricLiveCurrent    = "live_current"
  MetricLineFrequency  = "line_frequency"
  MetricLastStartPeak  = "last_start_peak"
  MetricSCPTDelay      = "scpt_delay"
  MetricFaultCode      = "fault_code"
  MetricTotalStarts    = "total_starts"
  MetricTotalFaults    = "total_faults"
)

const (
  StatusIdle     = "Idle"
  StatusStarting = "Starting"
  StatusRunning  = "Running"
  StatusUnknown  = "Unknown"
)

var statusCodes = map[byte]string{
  16: StatusIdle,
  17: StatusStarting,
  18: StatusRunning,
}

// Counter is a metric read from its own characteristic on every poll.
type Counter struct {
  Metric string
  Characteristic ble.UUID
}

var Counters = []Counter{
  {MetricFaultCode, FaultCodeCharacteristic},
  {MetricRuntimeHours, RuntimeHoursCharacteristic},
  {MetricTotalStarts, TotalStartsCharacteristic},
  {MetricTotalFaults, TotalFaultsCharacteristic},
}

type MetricInfo struct {
  Name string
  Help string
  Kind telemetry.Kind
}

// Metrics lists every metric the device can report.
var Metrics = []MetricInfo{
  {MetricStatus, "Compressor state reported by the soft starter.", telemetry.KindText},
  {MetricDiagnosticCode, "Diagnostic code from the live status frame.", telemetry.KindCode},
  {MetricRuntimeHours, "Total compressor runtime in hours.", telemetry.KindCount},
  {MetricLiveCurrent, "Live compressor current in amperes.", telemetry.KindDecimal},
  {MetricLineFrequency, "Line frequency in hertz.", telemetry.KindCount},
  {MetricLastStartPeak, "Peak current of the last start in amperes.", telemetry.KindCount},
  {MetricSCPTDelay, "Short cycle protection delay in seconds.", telemetry.KindCount},
  {MetricFaultCode, "Last fault code.", telemetry.KindCode},
  {MetricTotalStarts, "Total number of compressor starts.", telemetry.KindCount},
  {MetricTotalFaults, "Total number of faults.", telemetry.KindCount},
}
