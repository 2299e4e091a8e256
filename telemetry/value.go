package telemetry

import (
  "strconv"
)

// Kind is the type of a single metric. Each metric keeps its kind independently.
type Kind uint8

const (
  KindText Kind = iota
  KindCode
  KindCount
  KindDecimal
  KindBool
)

func (k Kind) String() string {
  switch k {
  case KindText:
    return "Text"
  case KindCode:
    return "Code"
  case KindCount:
    return "Count"
  case KindDecimal:
    return "Decimal"
  case KindBool:
    return "Bool"
  default:
    return "Kind(" + strconv.Itoa(int(k)) + ")"
  }
}

type Value struct {
  Kind Kind

  Text string
  Int uint64
  Decimal float64
  Bool bool
}

func Text(s string) Value {
  return Value{Kind: KindText, Text: s}
}

func Code(c uint64) Value {
  return Value{Kind: KindCode, Int: c}
}

func Count(c uint64) Value {
  return Value{Kind: KindCount, Int: c}
}

func Decimal(f float64) Value {
  return Value{Kind: KindDecimal, Decimal: f}
}

func Bool(b bool) Value {
  return Value{Kind: KindBool, Bool: b}
}

// Float64 returns the numeric form of v. Text values have none and return 0, false.
func (v Value) Float64() (float64, bool) {
  switch v.Kind {
  case KindCode, KindCount:
    return float64(v.Int), true
  case KindDecimal:
    return v.Decimal, true
  case KindBool:
    if v.Bool {
      return 1, true
    }
    return 0, true
  default:
    return 0, false
  }
}

// Interface returns v as a plain Go value, for JSON encoding.
func (v Value) Interface() any {
  switch v.Kind {
  case KindText:
    return v.Text
  case KindCode, KindCount:
    return v.Int
  case KindDecimal:
    return v.Decimal
  case KindBool:
    return v.Bool
  default:
    return nil
  }
}

func (v Value) String() string {
  switch v.Kind {
  case KindText:
    return v.Text
  case KindCode, KindCount:
    return strconv.FormatUint(v.Int, 10)
  case KindDecimal:
    return strconv.FormatFloat(v.Decimal, 'f', -1, 64)
  case KindBool:
    return strconv.FormatBool(v.Bool)
  default:
    return "<invalid>"
  }
}

// Update is a single decoded metric.
type Update struct {
  Metric string
  Value
}

func (u Update) String() string {
  return u.Metric + "=" + u.Value.String()
}
