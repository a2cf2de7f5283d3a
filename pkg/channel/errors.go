package channel

import "errors"

var (
	// ErrInvalidName indicates a channel name that cannot be used as a single
	// path element, or whose socket path would exceed the sockaddr limit.
	ErrInvalidName = errors.New("channel: invalid name")

	// ErrAddrInUse indicates a live server already listens on the name.
	//
	// Recovery: pick another name, or stop the other server.
	ErrAddrInUse = errors.New("channel: address in use")
)
