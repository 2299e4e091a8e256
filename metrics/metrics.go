package metrics

import (
  "github.com/prometheus/client_golang/prometheus"
  "github.com/cbird527/ha-easystart-flex/device/easystart"
  "github.com/cbird527/ha-easystart-flex/telemetry"
)

const namespace = "easystart"

var (
  descConnected = prometheus.NewDesc(
    "easystart_connected",
    "Whether the session to the soft starter is established.",
    []string{"name"},
    nil,
  )

  descMonitoring = prometheus.NewDesc(
    "easystart_monitoring_enabled",
    "Whether monitoring is requested.",
    []string{"name"},
    nil,
  )

  descRunning = prometheus.NewDesc(
    "easystart_compressor_running",
    "Whether the last reported status is Running.",
    []string{"name"},
    nil,
  )
)

// Session is the connectivity side of the monitor.
type Session interface {
  Connected() bool
  Monitoring() bool
}

type metricDesc struct {
  info easystart.MetricInfo
  desc *prometheus.Desc
}

type collector struct {
  name string
  store *telemetry.Store
  session Session
  descs []metricDesc
}

func newCollector(name string, store *telemetry.Store, session Session) *collector {
  c := &collector{name: name, store: store, session: session}

  for _, info := range easystart.Metrics {
    labels := []string{"name"}
    fqName := prometheus.BuildFQName(namespace, "", info.Name)

    // text values are exported info-style, as a label on a constant 1.
    if info.Kind == telemetry.KindText {
      labels = append(labels, info.Name)
      fqName += "_info"
    }

    c.descs = append(c.descs, metricDesc{
      info: info,
      desc: prometheus.NewDesc(fqName, info.Help, labels, nil),
    })
  }

  return c
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
  ch <- descConnected
  ch <- descMonitoring
  ch <- descRunning

  for _, d := range c.descs {
    ch <- d.desc
  }
}

func boolToFloat(b bool) float64 {
  if b {
    return 1
  }
  return 0
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
  snapshot := c.store.Snapshot()

  ch <- prometheus.MustNewConstMetric(descConnected, prometheus.GaugeValue, boolToFloat(c.session.Connected()), c.name)
  ch <- prometheus.MustNewConstMetric(descMonitoring, prometheus.GaugeValue, boolToFloat(c.session.Monitoring()), c.name)

  if _, ok := snapshot.Get(easystart.MetricStatus); ok {
    ch <- prometheus.MustNewConstMetric(descRunning, prometheus.GaugeValue, boolToFloat(easystart.Running(snapshot)), c.name)
  }

  for _, d := range c.descs {
    v, ok := snapshot.Get(d.info.Name)
    if !ok {
      continue
    }

    var m prometheus.Metric

    if v.Kind == telemetry.KindText {
      m = prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, 1, c.name, v.Text)
    } else {
      f, ok := v.Float64()
      if !ok {
        continue
      }

      m = prometheus.MustNewConstMetric(d.desc, prometheus.GaugeValue, f, c.name)
    }

    if ts, ok := c.store.UpdatedAt(d.info.Name); ok {
      m = prometheus.NewMetricWithTimestamp(ts, m)
    }

    ch <- m
  }
}

func RegisterCollector(name string, store *telemetry.Store, session Session, reg prometheus.Registerer) {
  reg.MustRegister(newCollector(name, store, session))
}
