package utils

// Reverse returns a reversed copy of s. go-ble wants addresses in little endian order.
func Reverse[S ~[]E, E any](s S) S {
  out := make(S, 0, len(s))

  for i := len(s) - 1; i >= 0; i-- {
    out = append(out, s[i])
  }

  return out
}
