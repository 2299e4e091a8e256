package easystart

import (
  "github.com/cbird527/ha-easystart-flex/telemetry"
)

// Offsets into the live status notification frame.
const (
  offsetStatus = 0
  offsetDiagnosticCode = 1
  offsetRuntimeHours = 2 // 2 bytes, big endian
  offsetLiveCurrent = 4
  offsetLineFrequency = 5
  offsetLastStartPeak = 6
  offsetSCPTDelay = 7
)

func StatusText(code byte) string {
  if s, ok := statusCodes[code]; ok {
    return s
  }

  return StatusUnknown
}

// ParseStatus decodes a live status frame. Every field is emitted only if the frame is long
// enough to hold it, so short frames update a prefix of the fields and leave the rest alone.
// An empty frame yields no updates.
func ParseStatus(data []byte) (updates []telemetry.Update) {
  has := func(offset, width int) bool {
    return len(data) >= offset + width
  }

  if has(offsetStatus, 1) {
    updates = append(updates, telemetry.Update{
      Metric: MetricStatus,
      Value: telemetry.Text(StatusText(data[offsetStatus])),
    })
  }

  if has(offsetDiagnosticCode, 1) {
    updates = append(updates, telemetry.Update{
      Metric: MetricDiagnosticCode,
      Value: telemetry.Code(uint64(data[offsetDiagnosticCode])),
    })
  }

  if has(offsetRuntimeHours, 2) {
    runtime, _ := decodeUint(data[offsetRuntimeHours:offsetRuntimeHours + 2])

    updates = append(updates, telemetry.Update{
      Metric: MetricRuntimeHours,
      Value: telemetry.Count(runtime),
    })
  }

  if has(offsetLiveCurrent, 1) {
    updates = append(updates, telemetry.Update{
      Metric: MetricLiveCurrent,
      Value: telemetry.Decimal(float64(data[offsetLiveCurrent]) / 10.0),
    })
  }

  if has(offsetLineFrequency, 1) {
    updates = append(updates, telemetry.Update{
      Metric: MetricLineFrequency,
      Value: telemetry.Count(uint64(data[offsetLineFrequency])),
    })
  }

  if has(offsetLastStartPeak, 1) {
    updates = append(updates, telemetry.Update{
      Metric: MetricLastStartPeak,
      Value: telemetry.Count(uint64(data[offsetLastStartPeak])),
    })
  }

  if has(offsetSCPTDelay, 1) {
    updates = append(updates, telemetry.Update{
      Metric: MetricSCPTDelay,
      Value: telemetry.Count(uint64(data[offsetSCPTDelay])),
    })
  }

  return updates
}

// ParseCounter decodes a counter characteristic: a big endian unsigned integer as wide as the
// payload. Returns false for empty payloads and for payloads wider than 8 bytes.
func ParseCounter(metric string, data []byte) (u telemetry.Update, ok bool) {
  v, ok := decodeUint(data)

  if !ok {
    return u, false
  }

  u.Metric = metric

  if metric == MetricFaultCode {
    u.Value = telemetry.Code(v)
  } else {
    u.Value = telemetry.Count(v)
  }

  return u, true
}

func decodeUint(b []byte) (v uint64, ok bool) {
  if len(b) == 0 || len(b) > 8 {
    return 0, false
  }

  for _, c := range b {
    v = v << 8 | uint64(c)
  }

  return v, true
}

// Running reports whether the last known status is Running.
func Running(s telemetry.Snapshot) bool {
  v, ok := s.Get(MetricStatus)

  return ok && v.Kind == telemetry.KindText && v.Text == StatusRunning
}
