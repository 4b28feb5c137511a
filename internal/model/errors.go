package model

import "errors"

var (
	ErrInvalidTransaction = errors.New("invalid saka transaction")
	ErrNegativeBalance    = errors.New("saka balance cannot be negative")
)
