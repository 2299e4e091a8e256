package easystart

import (
  "fmt"
  "net"
  "strings"

  "github.com/cbird527/ha-easystart-flex/device"
  "github.com/rs/zerolog/log"
)

const DeviceSpecFieldMonitoring = "monitoring"

type Device struct {
  name string
  addr net.HardwareAddr

  // monitoring is requested as soon as the exporter starts.
  monitoring bool
}

func (d *Device) Name() string {
  return d.name
}

func (d *Device) Addr() net.HardwareAddr {
  return d.addr
}

func (d *Device) MonitoringOnStart() bool {
  return d.monitoring
}

func (d *Device) String() string {
  return fmt.Sprintf("easystart[name=%q, addr=%v]", d.name, d.addr.String())
}

type Factory struct{}

func (f *Factory) FromSpec(spec device.DeviceSpec) (device.Device, error) {
  d := Device{}

  addr := spec.Addr()

  if addr == "" {
    return nil, fmt.Errorf("%w: addr is required", device.ErrInvalidSpec)
  }

  if name := spec.Name(); name != "" {
    d.name = name
  } else {
    d.name = "easystart-" + strings.ToLower(strings.ReplaceAll(addr, ":", ""))
  }

  hwAddr, err := net.ParseMAC(addr)
  if err != nil {
    return nil, fmt.Errorf("%w: invalid addr: %w", device.ErrInvalidSpec, err)
  }

  if len(hwAddr) != 6 {
    return nil, fmt.Errorf("%w: addr %q is not a 6 byte Bluetooth address", device.ErrInvalidSpec, addr)
  }

  d.addr = hwAddr

  d.monitoring, err = spec.Bool(DeviceSpecFieldMonitoring, true)
  if err != nil {
    return nil, fmt.Errorf("%w: invalid %s: %w", device.ErrInvalidSpec, DeviceSpecFieldMonitoring, err)
  }

  log.Debug().
    Stringer("Device", &d).
    Bool("MonitoringOnStart", d.monitoring).
    Msg("easystart: created device from spec")

  return &d, nil
}

func (f *Factory) Help() string {
  return `Supported parameters:
addr (string, required): Bluetooth MAC address of the EasyStart Flex (shown in the Micro-Air app)
name (string): Name of this device, defaults to easystart-<addr>
monitoring (bool): Connect on startup. Defaults to true; can be toggled later via /monitoring.`
}
