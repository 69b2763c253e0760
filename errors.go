package trackstore

import "github.com/pkg/errors"

var (
	ErrRowNotFound     = errors.New("row not found")
	ErrInvalidCapacity = errors.New("cache capacity must be positive")
	ErrNilFactory      = errors.New("row factory is required")
)
