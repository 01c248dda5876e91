//go:build linux
// +build linux

package fanotify

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/syndtr/gocapability/capability"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	// ErrCapSysAdmin indicates caller is missing CAP_SYS_ADMIN permissions
	ErrCapSysAdmin = errors.New("require CAP_SYS_ADMIN capability")
	// ErrNilListener indicates the listener is nil
	ErrNilListener = errors.New("nil listener")
	// ErrListenerRunning indicates Start was already called on the listener
	ErrListenerRunning = errors.New("listener already started")
	// ErrListenerClosed indicates the listener's resources were released
	ErrListenerClosed = errors.New("listener closed")
	// ErrUnsupportedOnKernelVersion indicates the feature/flag is unavailable for the current kernel version
	ErrUnsupportedOnKernelVersion = errors.New("feature unsupported on current kernel version")
)

// Listener owns one fanotify notification group and its marks. Decoded
// events are delivered on the buffered Events channel; permission
// events are answered through WriteResponse.
//
// Mark operations mutate kernel-side group state and must not be issued
// concurrently from multiple goroutines without external synchronization.
type Listener struct {
	// fd returned by the init call
	fd int
	// init and event flags the group was created with
	init  InitFlags
	event EventFlags
	// mountpoint is the open mount used to resolve file identifiers
	mountpoint         *os.File
	kernelMajorVersion int
	kernelMinorVersion int
	calls              oscalls
	log                *zap.Logger
	watches            map[string]EventType
	bufferedEvents     uint
	stopper            struct {
		r *os.File
		w *os.File
	}
	// polling is set while Start runs; done is closed when Start exits
	polling   int32
	closed    int32
	done      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	// Events delivers decoded notifications for the watched objects.
	// The channel is closed when Start returns, so consumers can range
	// over it
	Events chan *Event
}

// Option configures a Listener at creation time.
type Option func(*Listener)

// WithLogger sets the logger the listener reports through. The default
// is a nop logger; the protocol layer itself never logs.
func WithLogger(log *zap.Logger) Option {
	return func(l *Listener) {
		l.log = log
	}
}

// WithBufferedEvents sets the capacity of the Events channel. The
// minimum is 4096.
func WithBufferedEvents(n uint) Option {
	return func(l *Listener) {
		l.bufferedEvents = n
	}
}

// withOSCalls substitutes the kernel boundary; used by tests.
func withOSCalls(calls oscalls) Option {
	return func(l *Listener) {
		l.calls = calls
	}
}

// NewListener creates a fanotify notification group for the mount the
// given path resides on. The init and event flag sets are validated
// before the group is created; on failure no descriptor is acquired.
//
// NOTE that this call requires CAP_SYS_ADMIN privilege.
func NewListener(mountpointPath string, init InitFlags, event EventFlags, opts ...Option) (*Listener, error) {
	capSysAdmin, err := checkCapSysAdmin()
	if err != nil {
		return nil, err
	}
	if !capSysAdmin {
		return nil, ErrCapSysAdmin
	}
	return newListener(mountpointPath, init, event, opts...)
}

func newListener(mountpointPath string, init InitFlags, event EventFlags, opts ...Option) (*Listener, error) {
	if err := init.Validate(); err != nil {
		return nil, err
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	maj, min, _, err := kernelVersion()
	if err != nil {
		return nil, err
	}
	if !initFlagsSupported(init, maj, min) {
		return nil, ErrUnsupportedOnKernelVersion
	}
	l := &Listener{
		init:               init,
		event:              event,
		kernelMajorVersion: maj,
		kernelMinorVersion: min,
		calls:              unixCalls{},
		log:                zap.NewNop(),
		watches:            make(map[string]EventType),
		bufferedEvents:     4096,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.bufferedEvents < 4096 {
		l.bufferedEvents = 4096
	}
	fd, err := l.calls.Init(uint(init), uint(event))
	if err != nil {
		return nil, err
	}
	l.fd = fd
	mountpoint, err := os.Open(mountpointPath)
	if err != nil {
		l.calls.Close(fd)
		return nil, fmt.Errorf("error opening mountpoint %s: %w", mountpointPath, err)
	}
	l.mountpoint = mountpoint
	r, w, err := os.Pipe()
	if err != nil {
		mountpoint.Close()
		l.calls.Close(fd)
		return nil, err
	}
	l.stopper.r = r
	l.stopper.w = w
	l.done = make(chan struct{})
	l.Events = make(chan *Event, l.bufferedEvents)
	return l, nil
}

// Mark validates the request against the listener's init flags and
// registers it with the kernel. No kernel state changes on a validation
// failure.
func (l *Listener) Mark(req MarkRequest) error {
	if l == nil {
		return ErrNilListener
	}
	if err := req.Validate(l.init); err != nil {
		return err
	}
	switch req.Action {
	case MarkReplace:
		if prev, found := l.watches[req.Path]; found {
			rm := req
			rm.Action = MarkRemove
			rm.Mask = prev
			if err := l.calls.Mark(l.fd, rm.kernelFlags(), uint64(rm.Mask), unix.AT_FDCWD, rm.Path); err != nil {
				return err
			}
		}
		if err := l.calls.Mark(l.fd, req.kernelFlags(), uint64(req.Mask), unix.AT_FDCWD, req.Path); err != nil {
			return err
		}
		l.watches[req.Path] = req.Mask
	case MarkAdd:
		if err := l.calls.Mark(l.fd, req.kernelFlags(), uint64(req.Mask), unix.AT_FDCWD, req.Path); err != nil {
			return err
		}
		l.watches[req.Path] |= req.Mask
	case MarkRemove:
		if err := l.calls.Mark(l.fd, req.kernelFlags(), uint64(req.Mask), unix.AT_FDCWD, req.Path); err != nil {
			return err
		}
		if remaining := l.watches[req.Path] &^ req.Mask; remaining != 0 {
			l.watches[req.Path] = remaining
		} else {
			delete(l.watches, req.Path)
		}
	case MarkFlush:
		if err := l.calls.Mark(l.fd, req.kernelFlags(), 0, unix.AT_FDCWD, ""); err != nil {
			return err
		}
		l.watches = make(map[string]EventType)
	}
	return nil
}

// Start polls the notification group and pushes decoded events into the
// Events channel until Stop is called. Start owns the channel: it is
// closed when Start returns, never while a delivery is still pending.
// Start returns on a read or decode error; a decode error means the
// event stream can no longer be trusted and the listener should be
// recreated.
func (l *Listener) Start() error {
	if l == nil {
		return ErrNilListener
	}
	if atomic.LoadInt32(&l.closed) == 1 {
		return ErrListenerClosed
	}
	if !atomic.CompareAndSwapInt32(&l.polling, 0, 1) {
		return ErrListenerRunning
	}
	defer func() {
		close(l.Events)
		close(l.done)
	}()
	var fds [2]unix.PollFd
	// Fanotify Fd
	fds[0].Fd = int32(l.fd)
	fds[0].Events = unix.POLLIN
	// Stopper/Cancellation Fd
	fds[1].Fd = int32(l.stopper.r.Fd())
	fds[1].Events = unix.POLLIN
	for {
		n, err := l.calls.Poll(fds[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}
		if fds[1].Revents != 0 {
			// stop signal, or the stopper was torn down under us
			return nil
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			// notification descriptor closed under us
			return nil
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			if err := l.readEvents(); err != nil {
				l.log.Error("cannot read events", zap.Error(err))
				return err
			}
		}
	}
}

// readEvents reads one raw buffer from the notification descriptor and
// delivers the decoded events in kernel order. Blocks when the Events
// channel is full.
func (l *Listener) readEvents() error {
	buf := make([]byte, 4096*eventHeaderSize)
	for {
		n, err := l.calls.Read(l.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		dec := NewEventDecoder(buf[:n])
		for dec.More() {
			event, err := dec.Decode()
			if err != nil {
				return err
			}
			l.log.Debug("event",
				zap.Uint64("mask", uint64(event.Mask)),
				zap.Int32("pid", event.Pid),
				zap.Int("fd", event.Fd))
			l.Events <- event
		}
		return nil
	}
}

// WriteResponse encodes the permission decision and writes it back to
// the kernel, unblocking the target process.
func (l *Listener) WriteResponse(r Response) error {
	if l == nil {
		return ErrNilListener
	}
	b, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	for len(b) > 0 {
		n, err := l.calls.Write(l.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// ResolveFileIdentifier opens the file referred to by a file identifier
// record relative to the listener's mountpoint. The caller owns the
// returned descriptor.
func (l *Listener) ResolveFileIdentifier(fid *FileIdentifier) (int, error) {
	if l == nil {
		return -1, ErrNilListener
	}
	handle := unix.NewFileHandle(fid.HandleType, fid.Handle)
	return unix.OpenByHandleAt(int(l.mountpoint.Fd()), handle, unix.O_RDONLY)
}

// Stop signals the poll loop, waits for it to exit and then releases
// the listener's resources. Descriptors are only closed after Start has
// returned, so a running delivery is never torn down mid-send. Events
// still buffered in the channel remain readable after Stop; deliveries
// pending on a full channel must be drained before Stop returns.
func (l *Listener) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() {
		unix.Write(int(l.stopper.w.Fd()), []byte("stop"))
		if atomic.LoadInt32(&l.polling) == 1 {
			<-l.done
		}
	})
	l.Close()
}

// Close releases the notification descriptor exactly once on every exit
// path. Closing the descriptor also flushes all marks and releases the
// kernel's permission event queue. The Events channel is not touched
// here; Start closes it on the delivering side.
func (l *Listener) Close() {
	if l == nil {
		return
	}
	l.closeOnce.Do(func() {
		atomic.StoreInt32(&l.closed, 1)
		l.calls.Close(l.fd)
		l.mountpoint.Close()
		l.stopper.r.Close()
		l.stopper.w.Close()
	})
}

// returns major, minor, patch version of the kernel
// upon error the values are zero and the error
// indicates the reason for failure
func kernelVersion() (maj, min, patch int, err error) {
	var sysinfo unix.Utsname
	err = unix.Uname(&sysinfo)
	if err != nil {
		return
	}
	release := strings.TrimRight(string(sysinfo.Release[:]), "\x00")
	return parseKernelVersion(release)
}

func parseKernelVersion(release string) (maj, min, patch int, err error) {
	re := regexp.MustCompile(`([0-9]+)`)
	version := re.FindAllString(release, -1)
	if len(version) < 3 {
		err = fmt.Errorf("cannot parse kernel release %q", release)
		return
	}
	if maj, err = strconv.Atoi(version[0]); err != nil {
		return
	}
	if min, err = strconv.Atoi(version[1]); err != nil {
		return
	}
	if patch, err = strconv.Atoi(version[2]); err != nil {
		return
	}
	return maj, min, patch, nil
}

// return true if process has CAP_SYS_ADMIN privilege
// else return false
func checkCapSysAdmin() (bool, error) {
	capabilities, err := capability.NewPid2(os.Getpid())
	if err != nil {
		return false, err
	}
	if err := capabilities.Load(); err != nil {
		return false, err
	}
	return capabilities.Get(capability.EFFECTIVE, capability.CAP_SYS_ADMIN), nil
}

// initFlagsSupported checks every requested flag against the kernel
// version it first appeared in.
func initFlagsSupported(flags InitFlags, maj, min int) bool {
	type version struct {
		maj int
		min int
	}
	var flagPerKernelVersion = map[InitFlags]version{
		EnableAudit:  {4, 15},
		ReportFID:    {5, 1},
		ReportDirFID: {5, 9},
		ReportName:   {5, 9},
	}
	atLeast := func(w, x int) bool {
		return maj > w || (maj == w && min >= x)
	}
	for flag, ver := range flagPerKernelVersion {
		if flags.Has(flag) && !atLeast(ver.maj, ver.min) {
			return false
		}
	}
	return true
}
