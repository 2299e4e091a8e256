package monitor

import (
	"time"

	"github.com/cbird527/ha-easystart-flex/ble"
	"github.com/cbird527/ha-easystart-flex/device/easystart"
	"github.com/cbird527/ha-easystart-flex/telemetry"
)

const (
  DefaultConnectAttempts = 3
  DefaultBackoff = 5 * time.Second
  DefaultPollInterval = 30 * time.Second
  DefaultOperationTimeout = 10 * time.Second
  DefaultReconnectInterval = time.Minute
  DefaultPollStopTimeout = 5 * time.Second
)

type Options struct {
  // Connect attempts per connect sequence (the retry budget).
  ConnectAttempts int
  // Fixed delay between two connect attempts. Negative disables it.
  Backoff time.Duration
  PollInterval time.Duration
  // Bound for a single read, write or subscribe.
  OperationTimeout time.Duration
  // After an exhausted sequence, retry this often while monitoring is enabled. Negative
  // disables scheduled retries.
  ReconnectInterval time.Duration
  // How long teardown waits for an in-flight poll tick to give up.
  PollStopTimeout time.Duration

  Protocol Protocol
}

// Protocol tells the supervisor which characteristics to use and how to decode them.
type Protocol struct {
  NotifyCharacteristic ble.UUID
  EnableCharacteristic ble.UUID
  EnableCommand []byte
  Counters []easystart.Counter

  DecodeNotification func(data []byte) []telemetry.Update
  DecodeCounter func(metric string, data []byte) (telemetry.Update, bool)
}

func EasyStartProtocol() Protocol {
  return Protocol{
    NotifyCharacteristic: easystart.NotifyCharacteristic,
    EnableCharacteristic: easystart.EnableCharacteristic,
    EnableCommand: easystart.EnableCommand,
    Counters: easystart.Counters,
    DecodeNotification: easystart.ParseStatus,
    DecodeCounter: easystart.ParseCounter,
  }
}

func (o Options) withDefaults() Options {
  if o.ConnectAttempts <= 0 {
    o.ConnectAttempts = DefaultConnectAttempts
  }

  if o.Backoff < 0 {
    o.Backoff = 0
  } else if o.Backoff == 0 {
    o.Backoff = DefaultBackoff
  }

  if o.PollInterval <= 0 {
    o.PollInterval = DefaultPollInterval
  }

  if o.OperationTimeout <= 0 {
    o.OperationTimeout = DefaultOperationTimeout
  }

  if o.ReconnectInterval == 0 {
    o.ReconnectInterval = DefaultReconnectInterval
  }

  if o.PollStopTimeout <= 0 {
    o.PollStopTimeout = DefaultPollStopTimeout
  }

  if o.Protocol.DecodeNotification == nil {
    o.Protocol = EasyStartProtocol()
  }

  return o
}
