package cli

import "errors"

// Usage errors. Commands wrap domain errors from shm, shmstream and channel
// unchanged so callers can still match them with errors.Is.
var (
	ErrFlagRequiresArg   = errors.New("flag requires an argument")
	ErrUnknownFlag       = errors.New("unknown flag")
	ErrUnknownCommand    = errors.New("unknown command")
	ErrMissingArgument   = errors.New("missing argument")
	ErrTooManyArguments  = errors.New("too many arguments")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnexpectedRequest = errors.New("unknown request")
)
