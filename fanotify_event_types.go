package fanotify

import "golang.org/x/sys/unix"

// EventType is a bit mask of event classes requested on a mark and
// reported back in decoded events.
type EventType uint64

const (
	// FileAccessed event when a file is accessed
	FileAccessed EventType = unix.FAN_ACCESS

	// FileOrDirectoryAccessed event when a file or directory is accessed
	FileOrDirectoryAccessed EventType = unix.FAN_ACCESS | unix.FAN_ONDIR

	// FileModified event when a file is modified
	FileModified EventType = unix.FAN_MODIFY

	// FileClosedAfterWrite event when a file is closed after being written to
	FileClosedAfterWrite EventType = unix.FAN_CLOSE_WRITE

	// FileClosedWithNoWrite event when a file is closed without writing
	FileClosedWithNoWrite EventType = unix.FAN_CLOSE_NOWRITE

	// FileClosed event when a file is closed after write or no write
	FileClosed EventType = unix.FAN_CLOSE_WRITE | unix.FAN_CLOSE_NOWRITE

	// FileOpened event when a file is opened
	FileOpened EventType = unix.FAN_OPEN

	// FileOrDirectoryOpened event when a file or directory is opened
	FileOrDirectoryOpened EventType = unix.FAN_OPEN | unix.FAN_ONDIR

	// FileOpenedForExec event when a file is opened with the intent to be executed.
	// Requires Linux kernel 5.0 or later
	FileOpenedForExec EventType = unix.FAN_OPEN_EXEC

	// FileAttribChanged event when a file attribute has changed
	// Requires Linux kernel 5.1 or later (requires FID)
	FileAttribChanged EventType = unix.FAN_ATTRIB

	// FileCreated event when a file has been created
	// Requires Linux kernel 5.1 or later (requires FID)
	FileCreated EventType = unix.FAN_CREATE

	// FileDeleted event when a file has been deleted
	// Requires Linux kernel 5.1 or later (requires FID)
	FileDeleted EventType = unix.FAN_DELETE

	// WatchedFileDeleted event when a watched file has been deleted
	// Requires Linux kernel 5.1 or later (requires FID)
	WatchedFileDeleted EventType = unix.FAN_DELETE_SELF

	// FileMovedFrom event when a file has been moved from the watched directory
	// Requires Linux kernel 5.1 or later (requires FID)
	FileMovedFrom EventType = unix.FAN_MOVED_FROM

	// FileMovedTo event when a file has been moved to the watched directory
	// Requires Linux kernel 5.1 or later (requires FID)
	FileMovedTo EventType = unix.FAN_MOVED_TO

	// WatchedFileMoved event when a watched file has moved
	// Requires Linux kernel 5.1 or later (requires FID)
	WatchedFileMoved EventType = unix.FAN_MOVE_SELF

	// FileOpenPermission event when a permission to open a file or
	// directory is requested. The listener must answer with a Response
	FileOpenPermission EventType = unix.FAN_OPEN_PERM

	// FileOpenToExecutePermission event when a permission to open a file
	// for execution is requested
	FileOpenToExecutePermission EventType = unix.FAN_OPEN_EXEC_PERM

	// FileAccessPermission event when a permission to read a file or
	// directory is requested
	FileAccessPermission EventType = unix.FAN_ACCESS_PERM

	// OnDirectory extends an event type to directories
	OnDirectory EventType = unix.FAN_ONDIR

	// OnChild extends an event type to the immediate children of a
	// marked directory
	OnChild EventType = unix.FAN_EVENT_ON_CHILD

	// EventQueueOverflowed pseudo event reported when the kernel event
	// queue overflowed
	EventQueueOverflowed EventType = unix.FAN_Q_OVERFLOW
)

// Or combines two event types.
func (t EventType) Or(x EventType) EventType {
	return t | x
}

// Has returns true if all bits of x are set.
func (t EventType) Has(x EventType) bool {
	return t&x == x
}

// Permission reports whether the mask contains any permission event,
// i.e. an event the kernel blocks on until it receives a Response.
func (t EventType) Permission() bool {
	return t&(FileOpenPermission|FileOpenToExecutePermission|FileAccessPermission) != 0
}
