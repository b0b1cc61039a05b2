package measure

import "errors"

var (
	ErrProbeTimeout = errors.New("probe timed out")
	ErrProbeFailed  = errors.New("probe failed")
)
