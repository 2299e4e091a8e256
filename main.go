package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/cbird527/ha-easystart-flex/ble"
	"github.com/cbird527/ha-easystart-flex/device/easystart"
	"github.com/cbird527/ha-easystart-flex/metrics"
	"github.com/cbird527/ha-easystart-flex/monitor"
	"github.com/cbird527/ha-easystart-flex/telemetry"
	"github.com/cbird527/ha-easystart-flex/utils"
)

func main() {
  zerolog.DurationFieldUnit = time.Second
  zerolog.TimeFieldFormat = time.RFC3339Nano

  log.Logger = log.Output(zerolog.ConsoleWriter{
    Out: os.Stderr,
    TimeFormat: "15:04:05.000",
  })

  cfg := ParseArgs()

  if cfg.Trace || os.Getenv("TRACE") != "" {
      zerolog.SetGlobalLevel(zerolog.TraceLevel)
  } else if cfg.Debug || os.Getenv("DEBUG") != "" {
      zerolog.SetGlobalLevel(zerolog.DebugLevel)
  } else {
      zerolog.SetGlobalLevel(zerolog.InfoLevel)
  }

  if cfg.DiscoverDevices {
    doDeviceDiscovery(cfg)
    return
  }

  dev := cfg.Devices[0]

  log.Info().
    Str("BindAddr", cfg.BindAddress).
    Array("Devices", utils.ToZeroLogArray(cfg.Devices)).
    Int("BluetoothDeviceID", cfg.BluetoothDeviceId).
    Int("ConnectAttempts", cfg.ConnectAttempts).
    Int("DialAttempts", cfg.DialAttempts).
    Dur("PollInterval", cfg.PollInterval).
    Msg("Starting with the specified configuration")

  bleHandle := initBle(cfg)

  store := telemetry.NewStore()
  supervisor := monitor.New(dev, bleHandle, store, cfg.MonitorOptions())

  registry := prometheus.NewRegistry()
  metrics.RegisterCollector(dev.Name(), store, supervisor, registry)

  if cfg.EnableMetamonitoring {
    ble.RegisterMetrics(registry)
    monitor.RegisterMetrics(registry)
  }

  ctx := ble.WrapContextWithSigHandler(context.WithCancel(context.Background()))
  g, ctx := errgroup.WithContext(ctx)

  g.Go(func() error {
    return supervisor.Run(ctx)
  })

  g.Go(func() error {
    for update := range store.Watch(ctx, 64) {
      log.Debug().Stringer("Device", dev).Stringer("Update", update).Msg("Telemetry updated")
    }
    return nil
  })

  if d, ok := dev.(*easystart.Device); ok && d.MonitoringOnStart() {
    g.Go(func() error {
      if err := supervisor.Connect(ctx); err != nil && ctx.Err() == nil {
        // not fatal: the supervisor keeps retrying in the background.
        log.Error().Err(err).Stringer("Device", dev).Msg("Initial connection failed")
      }
      return nil
    })
  }

  srv := &http.Server{
    Addr: cfg.BindAddress,
    Handler: newServeMux(dev.Name(), supervisor, registry),
    ReadHeaderTimeout: 10 * time.Second,
  }

  g.Go(func() error {
    log.Info().
        Str("ListenAddress", cfg.BindAddress).
        Msg("Starting HTTP server")

    if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
      return err
    }
    return nil
  })

  g.Go(func() error {
    <-ctx.Done()
    sdNotify(daemon.SdNotifyStopping)

    shutdownCtx, cancel := context.WithTimeout(context.Background(), 5 * time.Second)
    defer cancel()

    return srv.Shutdown(shutdownCtx)
  })

  sdNotify(daemon.SdNotifyReady)

  err := g.Wait()

  // release the adapter before log.Fatal exits.
  bleHandle.Stop()

  if err != nil {
    log.Fatal().Err(err).Msg("Exporter stopped with an error")
  }

  log.Info().Strs("KnownMetrics", store.Names()).Msg("Exporter stopped")
}

// Only does something when running as a systemd notify service.
func sdNotify(state string) {
  ok, err := daemon.SdNotify(false, state)

  if err != nil {
    log.Warn().Err(err).Str("State", state).Msg("Failed to notify systemd")
  } else if ok {
    log.Debug().Str("State", state).Msg("Notified systemd")
  }
}

func initBle(cfg config) *ble.Handle {
  deviceAddresses := make([]net.HardwareAddr, len(cfg.Devices))

  for i, dev := range cfg.Devices {
    deviceAddresses[i] = dev.Addr()
  }

  bleHandle, err := ble.InitWithConnParams(
    cfg.BluetoothDeviceId,
    cfg.BluetoothConnParams,
    ble.FlagEnableDeviceAllowList,
  )

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
  }

  err = bleHandle.SetAllowListedAddresses(deviceAddresses)

  if err != nil {
    log.Error().Err(err).Msg("Failed to set device allow list")
  }

  bleHandle.Options = cfg.OpenOptions()

  return bleHandle
}
