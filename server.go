package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/cbird527/ha-easystart-flex/ble"
	"github.com/cbird527/ha-easystart-flex/device/easystart"
	"github.com/cbird527/ha-easystart-flex/monitor"
	"github.com/cbird527/ha-easystart-flex/telemetry"
)

// session is what the HTTP surface needs from the supervisor.
type session interface {
  Telemetry() telemetry.Snapshot
  Connected() bool
  Monitoring() bool
  State() monitor.State
  SetMonitoring(ctx context.Context, enabled bool) error
}

type telemetryResponse struct {
  Name string `json:"name"`
  State string `json:"state"`
  Connected bool `json:"connected"`
  Monitoring bool `json:"monitoring"`
  Running bool `json:"running"`
  Telemetry map[string]any `json:"telemetry"`
}

type monitoringRequest struct {
  Enabled *bool `json:"enabled"`
}

type monitoringResponse struct {
  Monitoring bool `json:"monitoring"`
  State string `json:"state"`
  Error string `json:"error,omitempty"`
}

func newServeMux(name string, s session, gatherer prometheus.Gatherer) *mux.Router {
  router := mux.NewRouter()

  router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).
    Methods(http.MethodGet)

  router.HandleFunc("/telemetry", func(w http.ResponseWriter, r *http.Request) {
    snapshot := s.Telemetry()
    values := make(map[string]any, len(snapshot))

    for metric, v := range snapshot {
      values[metric] = v.Interface()
    }

    writeJSON(w, http.StatusOK, telemetryResponse{
      Name: name,
      State: s.State().String(),
      Connected: s.Connected(),
      Monitoring: s.Monitoring(),
      Running: easystart.Running(snapshot),
      Telemetry: values,
    })
  }).Methods(http.MethodGet)

  router.HandleFunc("/monitoring", func(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, monitoringResponse{
      Monitoring: s.Monitoring(),
      State: s.State().String(),
    })
  }).Methods(http.MethodGet)

  router.HandleFunc("/monitoring", func(w http.ResponseWriter, r *http.Request) {
    var req monitoringRequest

    if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
      http.Error(w, "expected a body like {\"enabled\": true}", http.StatusBadRequest)
      return
    }

    log.Info().
      Bool("Enabled", *req.Enabled).
      Str("Remote", r.RemoteAddr).
      Msg("Monitoring toggled over HTTP")

    status := http.StatusOK
    resp := monitoringResponse{}

    if err := s.SetMonitoring(r.Context(), *req.Enabled); err != nil {
      status = http.StatusInternalServerError
      resp.Error = err.Error()

      // device not reachable right now: the caller should retry later.
      if errors.Is(err, monitor.ErrConnectSequenceExhausted) || errors.Is(err, ble.ErrNotFound) {
        status = http.StatusServiceUnavailable
      } else if errors.Is(err, monitor.ErrMonitoringDisabled) {
        status = http.StatusConflict
      }
    }

    resp.Monitoring = s.Monitoring()
    resp.State = s.State().String()

    writeJSON(w, status, resp)
  }).Methods(http.MethodPut, http.MethodPost)

  return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
  w.Header().Set("Content-Type", "application/json")
  w.WriteHeader(status)

  if err := json.NewEncoder(w).Encode(v); err != nil {
    log.Warn().Err(err).Msg("Failed to write HTTP response")
  }
}
