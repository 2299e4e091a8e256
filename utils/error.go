package utils

import "errors"

func ErrorIsAnyOf(err error, targets... error) bool {
	return FirstMatch(err, targets...) != nil
}

// FirstMatch returns the first target err matches via errors.Is, or nil.
func FirstMatch(err error, targets... error) error {
	if err == nil {
		return nil
	}

	for _, target := range targets {
		if errors.Is(err, target) {
			return target
		}
	}

	return nil
}
