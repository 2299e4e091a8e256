package main

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"

	"github.com/cbird527/ha-easystart-flex/ble"
)

type discoveredDevice struct {
  name string
  connectable bool
  rssi int
  services map[string]bool
}

// EasyStart units advertise their model in the local name.
func (d discoveredDevice) looksLikeEasyStart() bool {
  name := strings.ToLower(d.name)

  return strings.Contains(name, "easystart") || strings.Contains(name, "easy start")
}

func (d discoveredDevice) serviceList() []string {
  services := maps.Keys(d.services)
  sort.Strings(services)

  return services
}

// mergeAdvertisement folds a into the entry for its address. Names only appear in some
// advertisements (scan responses), so a known name is never overwritten with an empty one.
func mergeAdvertisement(devices map[string]discoveredDevice, a ble.Advertisement) discoveredDevice {
  addr := a.Addr().String()

  info, ok := devices[addr]
  if !ok {
    info.services = make(map[string]bool)
  }

  if name := a.LocalName(); name != "" {
    info.name = name
  }

  info.connectable = info.connectable || a.Connectable()
  info.rssi = a.RSSI()

  for _, uuid := range a.Services() {
    info.services[uuid.String()] = true
  }

  devices[addr] = info

  return info
}

func doDeviceDiscovery(cfg config) {
  log.Info().Msg("Starting in device discovery mode - collecting devices for 5 seconds...")

  handle, err := ble.Init(cfg.BluetoothDeviceId, ble.FlagScanTypeActive)

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
  }

  defer handle.Stop()

  ctx := ble.WrapContextWithSigHandler(
    context.WithTimeout(
      context.Background(),
      5 * time.Second,
    ),
  )

  devices := make(map[string]discoveredDevice)

  err = handle.ScanAll(ctx, func(a ble.Advertisement) {
    info := mergeAdvertisement(devices, a)

    log.Debug().
      Str("Addr", a.Addr().String()).
      Str("Name", info.name).
      Bool("Connectable", a.Connectable()).
      Int("RSSI", a.RSSI()).
      Strs("Services", info.serviceList()).
      Hex("ManufacturerData", a.ManufacturerData()).
      Msg("Received device advertisement")
  })

  if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
    log.Fatal().Err(err).Msg("Failed to initiate scan")
  }

  log.Info().Int("Found", len(devices)).Msg("Finished device discovery")

  addrs := maps.Keys(devices)
  sort.Strings(addrs)

  for _, addr := range addrs {
    data := devices[addr]

    log.Info().
      Str("Addr", addr).
      Str("Name", data.name).
      Bool("Connectable", data.connectable).
      Int("RSSI", data.rssi).
      Bool("EasyStart", data.looksLikeEasyStart()).
      Strs("Services", data.serviceList()).
      Msg("Found device")
  }
}
