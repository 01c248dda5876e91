//go:build linux
// +build linux

package fanotify

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

type markCall struct {
	flags uint
	mask  uint64
	path  string
}

// fakeCalls stands in for the kernel at the oscalls boundary.
type fakeCalls struct {
	initFlags  uint
	eventFlags uint
	marks      []markCall
	reads      [][]byte
	written    [][]byte
	closed     int
	pollErr    error
}

func (f *fakeCalls) Init(flags, eventFlags uint) (int, error) {
	f.initFlags = flags
	f.eventFlags = eventFlags
	return 42, nil
}

func (f *fakeCalls) Mark(fd int, flags uint, mask uint64, dirFd int, path string) error {
	f.marks = append(f.marks, markCall{flags: flags, mask: mask, path: path})
	return nil
}

func (f *fakeCalls) Read(fd int, p []byte) (int, error) {
	if len(f.reads) == 0 {
		return 0, unix.EAGAIN
	}
	b := f.reads[0]
	f.reads = f.reads[1:]
	return copy(p, b), nil
}

func (f *fakeCalls) Write(fd int, p []byte) (int, error) {
	f.written = append(f.written, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeCalls) Close(fd int) error {
	f.closed++
	return nil
}

func (f *fakeCalls) Poll(fds []unix.PollFd, timeout int) (int, error) {
	if f.pollErr != nil {
		return 0, f.pollErr
	}
	// report the stopper as readable so Start returns
	fds[1].Revents = unix.POLLIN
	return 1, nil
}

func fakeListener(t *testing.T, class NotificationClass) (*Listener, *fakeCalls) {
	t.Helper()
	initFlags, err := class.Init(CloseOnExec)
	assert.Nil(t, err)
	eventFlags := OpenReadOnly | OpenLargeFile | OpenCloseOnExec
	calls := &fakeCalls{}
	l, err := newListener(t.TempDir(), initFlags, eventFlags, withOSCalls(calls))
	assert.Nil(t, err)
	assert.NotNil(t, l)
	t.Cleanup(l.Close)
	return l, calls
}

func TestListenerInitFlagsPassedThrough(t *testing.T) {
	l, calls := fakeListener(t, ClassContent)
	assert.Equal(t, uint(l.init), calls.initFlags)
	assert.Equal(t, uint(unix.FAN_CLASS_CONTENT|unix.FAN_CLOEXEC), calls.initFlags)
	assert.Equal(t, uint(unix.O_RDONLY|unix.O_LARGEFILE|unix.O_CLOEXEC), calls.eventFlags)
}

func TestListenerInvalidInitFlagsNoSyscall(t *testing.T) {
	calls := &fakeCalls{}
	invalid := InitFlags(uint(ClassContent)) | ReportFID
	l, err := newListener(t.TempDir(), invalid, OpenReadOnly, withOSCalls(calls))
	assert.True(t, errors.Is(err, ErrInvalidFlagCombination))
	assert.Nil(t, l)
	assert.Zero(t, calls.initFlags)
}

func TestListenerMarkAddAndFlush(t *testing.T) {
	l, calls := fakeListener(t, ClassNotify)
	err := l.AddWatch("/tmp/watched", FileModified|FileCreated)
	assert.Nil(t, err)
	assert.Len(t, calls.marks, 1)
	assert.Equal(t, uint(unix.FAN_MARK_ADD), calls.marks[0].flags)
	assert.Equal(t, uint64(FileModified|FileCreated), calls.marks[0].mask)
	assert.Equal(t, "/tmp/watched", calls.marks[0].path)

	err = l.RemoveAll()
	assert.Nil(t, err)
	assert.Len(t, calls.marks, 2)
	assert.Equal(t, uint(unix.FAN_MARK_FLUSH), calls.marks[1].flags)
	assert.Zero(t, calls.marks[1].mask)
	assert.Empty(t, l.watches)
}

func TestListenerMarkPermissionRequiresContentClass(t *testing.T) {
	l, calls := fakeListener(t, ClassNotify)
	err := l.AddWatch("/tmp/watched", FileOpenPermission)
	assert.True(t, errors.Is(err, ErrInvalidMarkRequest))
	assert.Empty(t, calls.marks)

	perm, permCalls := fakeListener(t, ClassContent)
	assert.Nil(t, perm.AddWatch("/tmp/watched", FileOpenPermission))
	assert.Len(t, permCalls.marks, 1)
}

func TestListenerMarkReplaceRemovesThenAdds(t *testing.T) {
	l, calls := fakeListener(t, ClassNotify)
	assert.Nil(t, l.AddWatch("/tmp/watched", FileModified))
	err := l.Mark(MarkRequest{Action: MarkReplace, Mask: FileCreated, Path: "/tmp/watched"})
	assert.Nil(t, err)
	assert.Len(t, calls.marks, 3)
	assert.Equal(t, uint(unix.FAN_MARK_REMOVE), calls.marks[1].flags)
	assert.Equal(t, uint64(FileModified), calls.marks[1].mask)
	assert.Equal(t, uint(unix.FAN_MARK_ADD), calls.marks[2].flags)
	assert.Equal(t, uint64(FileCreated), calls.marks[2].mask)
	assert.Equal(t, FileCreated, l.watches["/tmp/watched"])
}

func TestListenerMarkRemoveUpdatesWatches(t *testing.T) {
	l, _ := fakeListener(t, ClassNotify)
	assert.Nil(t, l.AddWatch("/tmp/watched", FileModified|FileCreated))
	assert.Nil(t, l.DeleteWatch("/tmp/watched", FileCreated))
	assert.Equal(t, FileModified, l.watches["/tmp/watched"])
	assert.Nil(t, l.DeleteWatch("/tmp/watched", FileModified))
	_, found := l.watches["/tmp/watched"]
	assert.False(t, found)
}

func TestListenerReadEventsDeliversInOrder(t *testing.T) {
	l, calls := fakeListener(t, ClassNotify)
	var buf []byte
	buf = append(buf, makeEvent(uint32(FileOpened), 5, 100)...)
	buf = append(buf, makeEvent(uint32(FileModified), 6, 200)...)
	calls.reads = [][]byte{buf}

	assert.Nil(t, l.readEvents())
	first := <-l.Events
	second := <-l.Events
	assert.True(t, first.Mask.Has(FileOpened))
	assert.Equal(t, int32(100), first.Pid)
	assert.True(t, second.Mask.Has(FileModified))
	assert.Equal(t, int32(200), second.Pid)
}

func TestListenerReadEventsMalformedBuffer(t *testing.T) {
	l, calls := fakeListener(t, ClassNotify)
	calls.reads = [][]byte{{0x01, 0x02, 0x03}}
	err := l.readEvents()
	assert.True(t, errors.Is(err, ErrMalformedBuffer))
}

func TestListenerWriteResponse(t *testing.T) {
	l, calls := fakeListener(t, ClassContent)
	resp, err := NewResponse(0x1, Allow)
	assert.Nil(t, err)
	assert.Nil(t, l.WriteResponse(resp))
	assert.Len(t, calls.written, 1)
	assert.Len(t, calls.written[0], ResponseRecordSize)
	assert.Equal(t, uint64(0x1), binary.LittleEndian.Uint64(calls.written[0][0:8]))
	assert.Equal(t, uint32(unix.FAN_ALLOW), binary.LittleEndian.Uint32(calls.written[0][8:12]))
}

func TestListenerStartReturnsOnStop(t *testing.T) {
	l, _ := fakeListener(t, ClassNotify)
	assert.Nil(t, l.Start())
	// Start owns the channel and closes it on exit
	_, open := <-l.Events
	assert.False(t, open)
}

func TestListenerStartTwice(t *testing.T) {
	l, _ := fakeListener(t, ClassNotify)
	assert.Nil(t, l.Start())
	assert.Equal(t, ErrListenerRunning, l.Start())
}

func TestListenerStartAfterClose(t *testing.T) {
	l, _ := fakeListener(t, ClassNotify)
	l.Close()
	assert.Equal(t, ErrListenerClosed, l.Start())
}

func TestListenerStartReturnsPollError(t *testing.T) {
	l, calls := fakeListener(t, ClassNotify)
	calls.pollErr = unix.EBADF
	assert.Equal(t, unix.EBADF, l.Start())
}

func TestListenerStopWaitsForStart(t *testing.T) {
	l, _ := fakeListener(t, ClassNotify)
	startErr := make(chan error, 1)
	go func() {
		startErr <- l.Start()
	}()
	assert.Nil(t, <-startErr)
	l.Stop()
	l.Stop()
	_, open := <-l.Events
	assert.False(t, open)
}

func TestListenerCloseWhileDeliveryBlocked(t *testing.T) {
	l, calls := fakeListener(t, ClassNotify)
	var full []byte
	for i := 0; i < int(l.bufferedEvents); i++ {
		full = append(full, makeEvent(uint32(FileOpened), 5, uint32(i))...)
	}
	calls.reads = [][]byte{full, makeEvent(uint32(FileModified), 6, 9999)}
	// first read fills the Events channel to capacity
	assert.Nil(t, l.readEvents())
	// second read blocks delivering into the full channel
	delivered := make(chan error, 1)
	go func() {
		delivered <- l.readEvents()
	}()
	time.Sleep(50 * time.Millisecond)
	l.Close()
	for i := 0; i < int(l.bufferedEvents)+1; i++ {
		<-l.Events
	}
	assert.Nil(t, <-delivered)
}

func TestListenerCloseOnce(t *testing.T) {
	initFlags, err := ClassNotify.Init(CloseOnExec)
	assert.Nil(t, err)
	calls := &fakeCalls{}
	l, err := newListener(t.TempDir(), initFlags, OpenReadOnly, withOSCalls(calls))
	assert.Nil(t, err)
	l.Close()
	l.Close()
	assert.Equal(t, 1, calls.closed)
}

func TestParseKernelVersion(t *testing.T) {
	maj, min, patch, err := parseKernelVersion("5.15.0-91-generic")
	assert.Nil(t, err)
	assert.Equal(t, []int{5, 15, 0}, []int{maj, min, patch})

	maj, min, patch, err = parseKernelVersion("6.1.82")
	assert.Nil(t, err)
	assert.Equal(t, []int{6, 1, 82}, []int{maj, min, patch})

	for _, release := range []string{"", "unknown", "6.1"} {
		_, _, _, err = parseKernelVersion(release)
		assert.NotNil(t, err, release)
	}
}

func TestNilListener(t *testing.T) {
	var l *Listener
	assert.Equal(t, ErrNilListener, l.AddWatch("/tmp", FileModified))
	assert.Equal(t, ErrNilListener, l.RemoveAll())
	assert.Equal(t, ErrNilListener, l.Start())
	resp := Response{}
	assert.Equal(t, ErrNilListener, l.WriteResponse(resp))
	l.Stop()
	l.Close()
}
