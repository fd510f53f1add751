package membership

import "errors"

var (
	// ErrInvalidArgument is returned when Add receives an empty field or value.
	ErrInvalidArgument = errors.New("membership: invalid argument")
	// ErrInvalidConfig is returned for unusable filter dimensions or hash counts.
	ErrInvalidConfig = errors.New("membership: invalid config")
	// ErrCorruptSnapshot is returned when a persisted filter cannot be decoded.
	// Callers recover by rebuilding the filter from the source data.
	ErrCorruptSnapshot = errors.New("membership: corrupt snapshot")
)
