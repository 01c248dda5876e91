package fanotify

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrInvalidMarkRequest indicates the mark request fields are not a
// legal combination for the owning listener.
var ErrInvalidMarkRequest = errors.New("invalid mark request")

// MarkAction selects what a mark request does to the watched event mask.
type MarkAction uint8

const (
	// MarkAdd adds the mask bits to the target's watched mask
	MarkAdd MarkAction = iota
	// MarkRemove removes the mask bits from the target's watched mask
	MarkRemove
	// MarkReplace replaces the target's watched mask with the given mask.
	// The kernel mark interface has no replace operation; the listener
	// performs a remove of the previously registered mask followed by an add
	MarkReplace
	// MarkFlush removes all marks of the target kind from the listener
	MarkFlush
)

func (a MarkAction) String() string {
	switch a {
	case MarkAdd:
		return "add"
	case MarkRemove:
		return "remove"
	case MarkReplace:
		return "replace"
	case MarkFlush:
		return "flush"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// MarkTarget selects what kind of filesystem object the path identifies.
// Values are the kernel's FAN_MARK_* target bits.
type MarkTarget uint

const (
	// TargetInode marks the file or directory the path resolves to
	TargetInode MarkTarget = 0
	// TargetMount marks the whole mount the path resides on
	TargetMount MarkTarget = unix.FAN_MARK_MOUNT
	// TargetFilesystem marks the whole filesystem the path resides on.
	// Requires Linux kernel 4.20 or later
	TargetFilesystem MarkTarget = unix.FAN_MARK_FILESYSTEM
)

// MarkFlags are modifiers applied to a mark request.
type MarkFlags uint

const (
	// DontFollow marks a symbolic link itself rather than its target
	DontFollow MarkFlags = unix.FAN_MARK_DONT_FOLLOW
	// OnlyDir fails the mark unless the path is a directory
	OnlyDir MarkFlags = unix.FAN_MARK_ONLYDIR
)

// MarkRequest identifies one registration against a listener: the target
// path and kind, the action on the watched mask, the event mask and
// modifiers. Requests are transient; they are validated, passed to the
// mark operation and discarded.
type MarkRequest struct {
	Action MarkAction
	Target MarkTarget
	Flags  MarkFlags
	Mask   EventType
	Path   string
}

// Validate checks the request before any syscall is attempted. The
// owning listener's init flags are threaded through so permission-class
// masks can be rejected eagerly when the listener was not created with a
// permission-checking notification class.
func (m MarkRequest) Validate(init InitFlags) error {
	switch m.Action {
	case MarkFlush:
		if m.Mask != 0 {
			return fmt.Errorf("%w: flush does not take an event mask", ErrInvalidMarkRequest)
		}
	case MarkAdd, MarkRemove, MarkReplace:
		if m.Mask == 0 {
			return fmt.Errorf("%w: empty event mask for %s", ErrInvalidMarkRequest, m.Action)
		}
	default:
		return fmt.Errorf("%w: unknown action %s", ErrInvalidMarkRequest, m.Action)
	}
	if m.Mask.Permission() && !init.Class().Permission() {
		return fmt.Errorf("%w: permission events require %s or %s",
			ErrInvalidMarkRequest, ClassContent, ClassPreContent)
	}
	return nil
}

// kernelFlags encodes the action, target and modifiers into the flag
// word the mark syscall expects. MarkReplace encodes its add half; the
// listener issues the remove half as a separate MarkRemove request.
func (m MarkRequest) kernelFlags() uint {
	var f uint
	switch m.Action {
	case MarkRemove:
		f = unix.FAN_MARK_REMOVE
	case MarkFlush:
		f = unix.FAN_MARK_FLUSH
	default:
		f = unix.FAN_MARK_ADD
	}
	return f | uint(m.Target) | uint(m.Flags)
}
