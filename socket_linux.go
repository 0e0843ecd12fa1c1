// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package messenger

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// maxSocketPath is the capacity of sockaddr_un.sun_path, including the
// terminating NUL.
const maxSocketPath = 108

// socketPath returns the filesystem path of the socket for service.
func (m *Messenger) socketPath(service string) (string, error) {
	path := filepath.Join(m.workDir, m.prefix+"."+service+".sock")
	if len(path) >= maxSocketPath {
		return "", fmt.Errorf("socket path %q too long (%d bytes)", path, len(path))
	}
	return path, nil
}

// checkServiceName reports an error if name is not a valid service name.
func checkServiceName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidServiceName)
	case len(name) >= MaxServiceName:
		return fmt.Errorf("%w: %q longer than %d bytes", ErrInvalidServiceName, name, MaxServiceName-1)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidServiceName, name)
	}
	return nil
}

func newSeqpacket() (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	return fd, nil
}

// listenSocket creates a listening socket at path, replacing any stale
// socket file left there.
func listenSocket(path string) (int, error) {
	fd, err := newSeqpacket()
	if err != nil {
		return -1, err
	}
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		unix.Close(fd)
		return -1, fmt.Errorf("unlink %q: %w", path, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %q: %w", path, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return -1, fmt.Errorf("listen %q: %w", path, err)
	}
	return fd, nil
}

// connectError classifies a failed connect.
type connectError struct {
	Err       error
	Retryable bool // the peer is absent or busy; try again later
}

func (c *connectError) Error() string { return "connect: " + c.Err.Error() }
func (c *connectError) Unwrap() error { return c.Err }

// isRetryable reports whether a connect error means the receiver is not
// listening yet, as opposed to a local failure.
func isRetryable(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ENOENT) ||
		errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ECONNRESET)
}

// dialSocket creates a socket and connects it to path. On failure the
// socket is closed and the error has concrete type *connectError.
func dialSocket(path string, force bool) (int, error) {
	fd, err := newSeqpacket()
	if err != nil {
		return -1, &connectError{Err: err}
	}
	if force {
		forceBuffer(fd, unix.SO_SNDBUFFORCE)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, &connectError{Err: err, Retryable: isRetryable(err)}
	}
	return fd, nil
}

// forceBuffer raises a kernel socket buffer size beyond the administrative
// limit. It only has effect when running as root, and failure is reported
// but otherwise ignored.
func forceBuffer(fd, opt int) error {
	if unix.Geteuid() != 0 {
		return nil
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, opt, forcedBufferSize)
}

// sendBufferSize reports the kernel send buffer size of fd, or 0 if unknown.
func sendBufferSize(fd int) int {
	n, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
	if err != nil {
		return 0
	}
	return n
}

// queuedBytes reports the number of unsent bytes in the kernel send queue
// of fd.
func queuedBytes(fd int) (int, error) { return unix.IoctlGetInt(fd, unix.SIOCOUTQ) }

// isTemporary reports whether err means the operation would block or was
// interrupted.
func isTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// dropsQueue reports whether a send error means the queued data can never
// be delivered.
func dropsQueue(err error) bool {
	return errors.Is(err, unix.EMSGSIZE) || errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.ENOMEM)
}
