package probe

import "errors"

var (
	ErrStatus      = errors.New("unexpected status")
	ErrInvalidJSON = errors.New("response is not valid JSON")
)
