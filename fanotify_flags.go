package fanotify

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidFlagCombination indicates the bit/combination of flags are invalid
	ErrInvalidFlagCombination = errors.New("invalid flag bits")
	// ErrInvalidOpenMode indicates the event descriptor open mode bits conflict
	ErrInvalidOpenMode = errors.New("invalid open mode")
)

// NotificationClass selects how the kernel queues events for the
// notification group. The content classes allow the listener to receive
// permission events and must answer each one with a Response.
type NotificationClass uint

const (
	// ClassNotify receives notification-only events.
	ClassNotify NotificationClass = unix.FAN_CLASS_NOTIF
	// ClassContent receives permission events after file contents are final.
	ClassContent NotificationClass = unix.FAN_CLASS_CONTENT
	// ClassPreContent receives permission events before file contents are final.
	ClassPreContent NotificationClass = unix.FAN_CLASS_PRE_CONTENT
)

// Permission reports whether the class delivers permission events.
func (c NotificationClass) Permission() bool {
	return c == ClassContent || c == ClassPreContent
}

func (c NotificationClass) String() string {
	switch c {
	case ClassContent:
		return "FAN_CLASS_CONTENT"
	case ClassPreContent:
		return "FAN_CLASS_PRE_CONTENT"
	default:
		return "FAN_CLASS_NOTIF"
	}
}

// Init composes the class with additional flags into a validated set
// suitable for creating a Listener.
func (c NotificationClass) Init(flags InitFlags) (InitFlags, error) {
	f := InitFlags(uint(c)) | flags
	if err := f.Validate(); err != nil {
		return 0, err
	}
	return f, nil
}

// InitFlags holds the notification class, behavior and reporting bits
// passed at group creation. Values are the kernel's FAN_* init bits.
type InitFlags uint

const (
	// CloseOnExec sets the close-on-exec flag on the notification descriptor
	CloseOnExec InitFlags = unix.FAN_CLOEXEC
	// NonBlocking puts the notification descriptor in non-blocking mode
	NonBlocking InitFlags = unix.FAN_NONBLOCK
	// UnlimitedQueue removes the 16384 event queue limit
	UnlimitedQueue InitFlags = unix.FAN_UNLIMITED_QUEUE
	// UnlimitedMarks removes the 8192 mark limit
	UnlimitedMarks InitFlags = unix.FAN_UNLIMITED_MARKS
	// EnableAudit records permission decisions in the audit log when the
	// response carries the audit bit. Requires Linux kernel 4.15 or later
	EnableAudit InitFlags = unix.FAN_ENABLE_AUDIT
	// ReportTID reports the thread id instead of the process id in events
	ReportTID InitFlags = unix.FAN_REPORT_TID
	// ReportFID reports events with a file identifier instead of an open
	// descriptor. Requires Linux kernel 5.1 or later
	ReportFID InitFlags = unix.FAN_REPORT_FID
	// ReportDirFID reports an identifier for the parent directory.
	// Requires Linux kernel 5.9 or later
	ReportDirFID InitFlags = unix.FAN_REPORT_DIR_FID
	// ReportName reports the file name under the identified directory.
	// Requires Linux kernel 5.9 or later
	ReportName InitFlags = unix.FAN_REPORT_NAME
)

// Has returns true if all bits of x are set.
func (f InitFlags) Has(x InitFlags) bool {
	return f&x == x
}

// Class returns the notification class bits of the flag set.
func (f InitFlags) Class() NotificationClass {
	return NotificationClass(uint(f) & (unix.FAN_CLASS_CONTENT | unix.FAN_CLASS_PRE_CONTENT))
}

// Validate checks the flag set against the kernel's legality rules.
// Identifier-only reporting cannot deliver a descriptor the kernel could
// act on, so it is rejected for the permission-checking classes.
func (f InitFlags) Validate() error {
	if f.Has(InitFlags(unix.FAN_CLASS_CONTENT)) && f.Has(InitFlags(unix.FAN_CLASS_PRE_CONTENT)) {
		return fmt.Errorf("%w: FAN_CLASS_CONTENT cannot be set with FAN_CLASS_PRE_CONTENT", ErrInvalidFlagCombination)
	}
	if f.Has(ReportFID) && f.Class() == ClassContent {
		return fmt.Errorf("%w: FAN_REPORT_FID cannot be set with FAN_CLASS_CONTENT", ErrInvalidFlagCombination)
	}
	if f.Has(ReportFID) && f.Class() == ClassPreContent {
		return fmt.Errorf("%w: FAN_REPORT_FID cannot be set with FAN_CLASS_PRE_CONTENT", ErrInvalidFlagCombination)
	}
	if f.Has(ReportName) && !f.Has(ReportDirFID) {
		return fmt.Errorf("%w: FAN_REPORT_NAME must be set with FAN_REPORT_DIR_FID", ErrInvalidFlagCombination)
	}
	return nil
}

// EventFlags holds the open mode applied to descriptors the kernel hands
// back inside events. Values are the kernel's O_* bits.
type EventFlags uint

const (
	OpenReadOnly  EventFlags = unix.O_RDONLY
	OpenWriteOnly EventFlags = unix.O_WRONLY
	OpenReadWrite EventFlags = unix.O_RDWR
	// OpenLargeFile allows events for files exceeding 2 GB on 32-bit systems
	OpenLargeFile    EventFlags = unix.O_LARGEFILE
	OpenCloseOnExec  EventFlags = unix.O_CLOEXEC
	OpenAppend       EventFlags = unix.O_APPEND
	OpenNonBlocking  EventFlags = unix.O_NONBLOCK
	OpenSync         EventFlags = unix.O_SYNC
	OpenDataSync     EventFlags = unix.O_DSYNC
	OpenNoAccessTime EventFlags = unix.O_NOATIME
)

// Validate rejects a contradictory access mode. O_WRONLY and O_RDWR set
// together is not a legal open mode.
func (f EventFlags) Validate() error {
	if uint(f)&unix.O_ACCMODE == unix.O_ACCMODE {
		return fmt.Errorf("%w: O_WRONLY cannot be set with O_RDWR", ErrInvalidOpenMode)
	}
	return nil
}
