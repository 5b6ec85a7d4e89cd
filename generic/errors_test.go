package generic

import "errors"

var errTest = errors.New("test error")
