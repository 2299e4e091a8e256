package utils

import (
	"fmt"

	"github.com/rs/zerolog"
)

// ToZeroLogArray logs any list of devices, updates or addresses by their String form.
func ToZeroLogArray[T fmt.Stringer](arr []T) (ret *zerolog.Array) {
	ret = zerolog.Arr()

	for _, elem := range arr {
		ret = ret.Str(elem.String())
	}

	return ret
}
