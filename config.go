package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/cbird527/ha-easystart-flex/ble"
	"github.com/cbird527/ha-easystart-flex/device"
	"github.com/cbird527/ha-easystart-flex/device/easystart"
	"github.com/cbird527/ha-easystart-flex/monitor"
)

type config struct {
  Debug, Trace bool
  BindAddress string
  EnableMetamonitoring bool
  DiscoverDevices bool
  BluetoothDeviceId int
  BluetoothConnParams ble.ConnParams
  ConnectAttempts, DialAttempts int
  ConnectTimeout, ScanTimeout time.Duration
  Backoff time.Duration
  PollInterval, ReadTimeout time.Duration
  ReconnectInterval time.Duration
  Devices []device.Device
}

func (c config) OpenOptions() ble.OpenOptions {
  return ble.OpenOptions{
    DialAttempts: c.DialAttempts,
    ConnectTimeout: c.ConnectTimeout,
    ScanTimeout: c.ScanTimeout,
  }
}

func (c config) MonitorOptions() monitor.Options {
  backoff := c.Backoff
  if backoff == 0 {
    backoff = -1
  }

  return monitor.Options{
    ConnectAttempts: c.ConnectAttempts,
    Backoff: backoff,
    PollInterval: c.PollInterval,
    OperationTimeout: c.ReadTimeout,
    ReconnectInterval: c.ReconnectInterval,
  }
}

type boundDeviceList struct {
  device.Factory
  name string
  list *[]device.Device
}

var deviceFactories = map[string]device.Factory {
  "easystart": &easystart.Factory{},
}

func (d *boundDeviceList) String() string {
  return ""
}

func (d *boundDeviceList) Set(v string) error {
  ds := device.NewDeviceSpec(v)

  device, err := d.FromSpec(ds)
  if err != nil {
    return fmt.Errorf("failed to create device: %w", err)
  }

  *d.list = append(*d.list, device)

  return nil
}

func ParseArgs() config {
  return parseArgs(flag.CommandLine, os.Args[1:])
}

func parseArgs(fs *flag.FlagSet, args []string) config {
  var cfg config

  cfg.BluetoothConnParams = ble.ConnParamsDefault

  fs.StringVar(&cfg.BindAddress,"bind", "localhost:9103", "Where the exporter will bind to")
  fs.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", 0, "Bluetooth (HCI) device ID")
  fs.Var(&cfg.BluetoothConnParams, "bluetooth-connection-params", "Bluetooth connection parameters (one of 'default' or 'power-saving')")
  fs.BoolVar(&cfg.DiscoverDevices, "discover", false, "Discover available BLE devices and quit")
  fs.BoolVar(&cfg.EnableMetamonitoring, "metamonitoring", true, "Enable metamonitoring metrics")
  fs.IntVar(&cfg.ConnectAttempts, "connect-attempts", monitor.DefaultConnectAttempts,
    "Connect attempts per connect sequence")
  fs.IntVar(&cfg.DialAttempts, "dial-attempts", ble.DefaultDialAttempts,
    "Dial attempts within a single connect attempt")
  fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", ble.DefaultConnectTimeout,
    "Timeout for a single connect attempt")
  fs.DurationVar(&cfg.Backoff, "backoff", monitor.DefaultBackoff,
    "Delay between two connect attempts")
  fs.DurationVar(&cfg.ScanTimeout, "scan-timeout", 10 * time.Second,
    "How long to look for the device before dialing. 0 dials right away")
  fs.DurationVar(&cfg.PollInterval, "poll-interval", monitor.DefaultPollInterval,
    "How frequently counters are read while connected")
  fs.DurationVar(&cfg.ReadTimeout, "read-timeout", monitor.DefaultOperationTimeout,
    "Timeout for a single read, write or subscription")
  fs.DurationVar(&cfg.ReconnectInterval, "reconnect-interval", monitor.DefaultReconnectInterval,
    "Delay before trying again after a failed reconnect. Negative disables it")
  fs.BoolVar(&cfg.Debug, "debug", false, "Enable debug logs")
  fs.BoolVar(&cfg.Trace, "trace", false, "Enable trace logs")

  for deviceName, deviceFactory := range deviceFactories {
    boundList := boundDeviceList{
      name:    deviceName,
      Factory: deviceFactory,
      list:    &cfg.Devices,
    }

    help := "Device spec for this device in the form of `key=value,key=value`."

    if docs, ok := deviceFactory.(device.FactoryDocs); ok {
      help += "\n" + docs.Help()
    }

    fs.Var(&boundList, deviceName, help)
  }

  if err := fs.Parse(args); err != nil {
    fmt.Fprintln(os.Stderr, "Error:", err)
    os.Exit(2)
  }

  if !cfg.DiscoverDevices && len(cfg.Devices) != 1 {
    fmt.Fprintln(os.Stderr, "Error: exactly one device is required!")
    fs.Usage()
    os.Exit(1)
  }

  return cfg
}
