package validation

import "errors"

var (
	ErrMissingField  = errors.New("required field is missing")
	ErrInvalidUUID   = errors.New("value is not a valid UUID")
	ErrInvalidNumber = errors.New("value is out of range")
	ErrInvalidStatus = errors.New("unknown task status")
)
