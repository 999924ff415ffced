package store

import "errors"

var (
	ErrWriteTimeout     = errors.New("write operation timeout")
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)
