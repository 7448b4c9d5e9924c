package jobserver

import "errors"

var (
	errNotFound      = errors.New("not found")
	errAlreadyExists = errors.New("already exists")
)
