package storage

import "errors"

var (
	ErrMessageIDExists = errors.New("message id already exists")
	ErrNotFound        = errors.New("record not found")
)
