package generic

import "fmt"

// Unwrap_ panics if err is not nil, for calls that can only fail on programmer error.
func Unwrap_(err error) {
	if err != nil {
		panic(fmt.Errorf("tried to Unwrap() an Err: %w", err))
	}
}
