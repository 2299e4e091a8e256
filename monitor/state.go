package monitor

import "strconv"

type State int32

const (
  Disconnected State = iota
  Connecting
  Connected
)

func (s State) String() string {
  switch s {
  case Disconnected:
    return "Disconnected"
  case Connecting:
    return "Connecting"
  case Connected:
    return "Connected"
  default:
    return "State(" + strconv.Itoa(int(s)) + ")"
  }
}
