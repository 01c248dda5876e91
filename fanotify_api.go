//go:build linux
// +build linux

package fanotify

// AddWatch adds the specified path (file or directory) to the
// listener's watch list for the given event types.
func (l *Listener) AddWatch(path string, events EventType) error {
	if l == nil {
		return ErrNilListener
	}
	return l.Mark(MarkRequest{Action: MarkAdd, Mask: events, Path: path})
}

// DeleteWatch removes the given event types from the path's watched
// mask.
func (l *Listener) DeleteWatch(path string, events EventType) error {
	if l == nil {
		return ErrNilListener
	}
	return l.Mark(MarkRequest{Action: MarkRemove, Mask: events, Path: path})
}

// WatchMount watches the whole mount the path resides on. Permission
// and directory-entry event types are not valid on mount marks.
func (l *Listener) WatchMount(path string, events EventType) error {
	if l == nil {
		return ErrNilListener
	}
	return l.Mark(MarkRequest{Action: MarkAdd, Target: TargetMount, Mask: events, Path: path})
}

// WatchFilesystem watches the whole filesystem the path resides on.
// Requires Linux kernel 4.20 or later.
func (l *Listener) WatchFilesystem(path string, events EventType) error {
	if l == nil {
		return ErrNilListener
	}
	if l.kernelMajorVersion < 4 || (l.kernelMajorVersion == 4 && l.kernelMinorVersion < 20) {
		return ErrUnsupportedOnKernelVersion
	}
	return l.Mark(MarkRequest{Action: MarkAdd, Target: TargetFilesystem, Mask: events, Path: path})
}

// RemoveAll removes all inode marks from the listener.
func (l *Listener) RemoveAll() error {
	if l == nil {
		return ErrNilListener
	}
	return l.Mark(MarkRequest{Action: MarkFlush})
}
