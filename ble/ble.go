package ble

import (
  "bytes"
  "fmt"
  "net"
  "sync"

  "github.com/go-ble/ble"
  "github.com/go-ble/ble/linux"
  "github.com/go-ble/ble/linux/hci/cmd"
  "github.com/prometheus/client_golang/prometheus"
  "github.com/cbird527/ha-easystart-flex/utils"
  "github.com/rs/zerolog/log"
)

type Advertisement = ble.Advertisement
type Characteristic = ble.Characteristic
type Client = ble.Client
type UUID = ble.UUID

type Handle struct {
  dev *linux.Device
  dial Dialer

  // Options used by Open. Zero fields fall back to the package defaults.
  Options OpenOptions

  mu sync.Mutex
  links map[string]*link
}

var bluetoothBaseUUID = ble.MustParse("00000000-0000-1000-8000-00805f9b34fb")

func UUID16(i uint16) UUID {
  return ble.UUID16(i)
}

// MustParseUUID parses s and shortens it to its 16-bit form when it is derived from the
// Bluetooth base UUID, which is how most peripherals report their characteristics.
func MustParseUUID(s string) UUID {
  return normalizeUUID(ble.MustParse(s))
}

// go-ble keeps UUIDs in little endian order: the 16-bit alias lives at bytes 12-13.
func normalizeUUID(u UUID) UUID {
  if len(u) != 16 {
    return u
  }

  if bytes.Equal(u[:12], bluetoothBaseUUID[:12]) && u[14] == 0 && u[15] == 0 {
    return UUID{u[12], u[13]}
  }

  return u
}

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(
    successfulConnectionsCounter,
    failedConnectionsCounter,
    disconnectsCounter,
    droppedNotificationsCounter,
    operationErrorsCounter,
  )
}

func Init(deviceId int, flags Flags) (*Handle, error) {
  return InitWithConnParams(
    deviceId,
    ConnParamsDefault,
    flags,
  )
}

func InitWithConnParams(deviceId int, connParams ConnParams, flags Flags) (*Handle, error) {
  scanType := scanTypePassive
  filterPolicy := filterPolicyAcceptAll

  if flags.Has(FlagScanTypeActive) {
    scanType = scanTypeActive
  }

  if flags.Has(FlagEnableDeviceAllowList) {
    filterPolicy = filterPolicyAllowListedOnly
  }

  log.Debug().
    Stringer("ScanType", scanType).
    Stringer("FilterPolicy", filterPolicy).
    Stringer("ConnParams", &connParams).
    Stringer("Flags", flags).
    Int("DeviceID", deviceId).
    Msg("Initializing Bluetooth device")

  dev, err := linux.NewDevice(
    ble.OptDeviceID(deviceId),
    ble.OptScanParams(cmd.LESetScanParameters{
      LEScanType:           uint8(scanType),     // 0x00: passive, 0x01: active
      LEScanInterval:       0x0010,              // 0x0004 - 0x4000; N * 0.625msec
      LEScanWindow:         0x0010,              // 0x0004 - 0x4000; N * 0.625msec
      OwnAddressType:       0x00,                // 0x00: public, 0x01: random
      ScanningFilterPolicy: uint8(filterPolicy), // 0x00: accept all, 0x01: ignore non-allow-listed.
    }),
    ble.OptConnParams(connParams.AdapterOptions()),
  )

  if err != nil {
    return nil, fmt.Errorf("failed to init bluetooth device: %w", err)
  }

  ble.SetDefaultDevice(dev)

  return &Handle{
    dev: dev,
    dial: ble.Dial,
    links: make(map[string]*link),
  }, nil
}

func (h *Handle) SetAllowListedAddresses(a []net.HardwareAddr) error {
  log.Debug().
    Array("DeviceAddresses", utils.ToZeroLogArray(a)).
    Msg("Allow-listing the requested Bluetooth devices")

  // start from an empty list, the controller keeps entries across restarts.
  var res cmd.LEClearWhiteListRP

  if err := h.dev.HCI.Send(&cmd.LEClearWhiteList{}, &res); err != nil {
    return fmt.Errorf("failed to clear allow-list: %w", err)
  }

  if res.Status != 0 {
    return fmt.Errorf("failed to clear allow-list: got status: %v", res.Status)
  }

  for _, addr := range a {
    if len(addr) != 6 {
      return fmt.Errorf("cannot allow-list %q: not a 6 byte address", addr.String())
    }

    var res cmd.LEAddDeviceToWhiteListRP
    entry := cmd.LEAddDeviceToWhiteList{AddressType: 0x00} // public

    // HCI wants the address in little endian order.
    copy(entry.Address[:], utils.Reverse(addr))

    if err := h.dev.HCI.Send(&entry, &res); err != nil {
      return fmt.Errorf("failed to allow-list device %q: %w", addr.String(), err)
    }

    if res.Status != 0 {
      return fmt.Errorf("failed to allow-list device %q: got status: %v", addr.String(), res.Status)
    }
  }

  return nil
}

// Stop closes every open link and releases the HCI device.
func (h *Handle) Stop() {
  h.DisconnectAll()

  if h.dev != nil {
    h.dev.Stop()
  }
}
