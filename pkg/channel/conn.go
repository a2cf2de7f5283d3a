package channel

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Peer is the OS identity of the process at the other end of a connection,
// as reported by SO_PEERCRED when the connection was established.
type Peer struct {
	PID int32
	UID uint32
	GID uint32
}

// Conn is one duplex connection on a named channel.
//
// Read and ReadLine share a buffer; mixing them is fine. A Conn is safe for
// one reader and one writer goroutine at a time.
type Conn struct {
	raw  *net.UnixConn
	r    *bufio.Reader
	id   uuid.UUID
	peer Peer
}

func newConn(raw *net.UnixConn) *Conn {
	return &Conn{
		raw:  raw,
		r:    bufio.NewReader(raw),
		id:   uuid.New(),
		peer: peerCred(raw),
	}
}

// ID returns the connection identifier, unique per accepted or dialed
// connection.
func (c *Conn) ID() uuid.UUID { return c.id }

// Peer returns the identity of the remote process. Fields are zero if the
// kernel did not report credentials.
func (c *Conn) Peer() Peer { return c.peer }

// Read reads raw bytes from the connection.
func (c *Conn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Write writes raw bytes to the connection.
func (c *Conn) Write(p []byte) (int, error) {
	return c.raw.Write(p)
}

// ReadLine reads up to and including the next '\n' and returns the line
// without its terminator (and without a trailing '\r').
//
// A final line without terminator is returned with a nil error; the next
// call returns [io.EOF].
func (c *Conn) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSuffix(line, "\r"), nil
		}

		return "", err
	}

	line = strings.TrimSuffix(line, "\n")

	return strings.TrimSuffix(line, "\r"), nil
}

// WriteLine writes line followed by '\n'.
func (c *Conn) WriteLine(line string) error {
	if _, err := io.WriteString(c.raw, line+"\n"); err != nil {
		return fmt.Errorf("write line: %w", err)
	}

	return nil
}

// CloseWrite shuts down the sending side. The peer reads EOF.
func (c *Conn) CloseWrite() error {
	return c.raw.CloseWrite()
}

// SetDeadline sets read and write deadlines, as [net.Conn.SetDeadline].
func (c *Conn) SetDeadline(t time.Time) error {
	return c.raw.SetDeadline(t)
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

func peerCred(raw *net.UnixConn) Peer {
	sc, err := raw.SyscallConn()
	if err != nil {
		return Peer{}
	}

	var (
		cred    *unix.Ucred
		credErr error
	)

	err = sc.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil || cred == nil {
		return Peer{}
	}

	return Peer{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}
}
