package shmstream

import "errors"

var (
	// ErrInvalidArgument indicates a seek target outside [0, Length()], an
	// unknown whence, or a negative length.
	//
	// This is a programming error.
	ErrInvalidArgument = errors.New("shmstream: invalid argument")

	// ErrClosed indicates the [Stream] has already been closed.
	ErrClosed = errors.New("shmstream: closed")
)
