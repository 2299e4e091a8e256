package device

import (
	"errors"
	"net"
)

var (
  ErrInvalidSpec = errors.New("invalid device spec")
)

// Device is the immutable identity of the peripheral a session is bound to.
type Device interface {
  Name() string
  Addr() net.HardwareAddr
  String() string
}

type Factory interface {
	FromSpec(spec DeviceSpec) (Device, error)
}

type FactoryDocs interface {
	Help() string
}
