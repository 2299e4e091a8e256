package device_test

import (
  "reflect"
  "testing"

  "github.com/cbird527/ha-easystart-flex/device"
)

func TestNewDeviceSpec(t *testing.T) {
  in := "addr=AA:BB:CC:DD:EE:FF, Name = garage ,bogus,monitoring=no"

  got := device.NewDeviceSpec(in)
  want := device.DeviceSpec{
    "addr": "AA:BB:CC:DD:EE:FF",
    "name": "garage",
    "monitoring": "no",
  }

  if !reflect.DeepEqual(got, want) {
    t.Fatalf("NewDeviceSpec(%q): got %+#v, wanted %+#v", in, got, want)
  }

  if got.Addr() != "AA:BB:CC:DD:EE:FF" || got.Name() != "garage" {
    t.Fatalf("NewDeviceSpec(%q): unexpected addr/name %q/%q", in, got.Addr(), got.Name())
  }
}

func TestDeviceSpec_Bool(t *testing.T) {
  spec := device.DeviceSpec{"a": "yes", "b": "false", "c": "maybe"}

  if v, err := spec.Bool("a", false); err != nil || !v {
    t.Fatalf("Bool(a): got %v, %v, wanted true", v, err)
  }

  if v, err := spec.Bool("b", true); err != nil || v {
    t.Fatalf("Bool(b): got %v, %v, wanted false", v, err)
  }

  if v, err := spec.Bool("missing", true); err != nil || !v {
    t.Fatalf("Bool(missing): got %v, %v, wanted default true", v, err)
  }

  if _, err := spec.Bool("c", false); err == nil {
    t.Fatalf("Bool(c): expected an error for %q", spec["c"])
  }
}
