//go:build linux
// +build linux

package fanotify

import "golang.org/x/sys/unix"

// oscalls is the boundary to the kernel's fanotify entry points. The
// protocol layer never constructs these calls itself; it only prepares
// and consumes the flag and byte payloads around them. Tests substitute
// an in-memory implementation.
type oscalls interface {
	Init(flags, eventFlags uint) (int, error)
	Mark(fd int, flags uint, mask uint64, dirFd int, path string) error
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Close(fd int) error
	Poll(fds []unix.PollFd, timeout int) (int, error)
}

type unixCalls struct{}

func (unixCalls) Init(flags, eventFlags uint) (int, error) {
	return unix.FanotifyInit(flags, eventFlags)
}

func (unixCalls) Mark(fd int, flags uint, mask uint64, dirFd int, path string) error {
	return unix.FanotifyMark(fd, flags, mask, dirFd, path)
}

func (unixCalls) Read(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func (unixCalls) Write(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

func (unixCalls) Close(fd int) error {
	return unix.Close(fd)
}

func (unixCalls) Poll(fds []unix.PollFd, timeout int) (int, error) {
	return unix.Poll(fds, timeout)
}
