package fanotify

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

const (
	// eventHeaderSize is the fixed size of the event record header:
	// mask u32, record length u32, version u8, reserved u8,
	// metadata length u16, token u64, pid u32.
	eventHeaderSize = 24
	// infoHeaderSize is the fixed size of the info record sub-header:
	// info type u8, padding u8, record length u16.
	infoHeaderSize = 4
	// metadataVersion is the event record version this decoder supports.
	metadataVersion = 3

	// tokenNone marks an event that carries no open descriptor.
	tokenNone = uint64(0)
	// tokenNoFD marks an event for which the kernel could not attach a
	// descriptor, e.g. a queue overflow record.
	tokenNoFD = ^uint64(0)
)

var (
	// ErrMalformedBuffer indicates the event buffer cannot be decoded;
	// the stream can no longer be trusted and the listener should be
	// recreated
	ErrMalformedBuffer = errors.New("malformed event buffer")
	// ErrTruncatedInfoRecord indicates an info record declares more
	// bytes than its event record holds
	ErrTruncatedInfoRecord = errors.New("truncated info record")
)

// cursor reads fixed-width little-endian fields from an owned byte
// slice. Callers check need before reading; reads never reinterpret
// memory and never cross the slice bound.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

func (c *cursor) need(n int) bool {
	return c.remaining() >= n
}

func (c *cursor) u8() uint8 {
	v := c.buf[c.off]
	c.off++
	return v
}

func (c *cursor) u16() uint16 {
	v := binary.LittleEndian.Uint16(c.buf[c.off:])
	c.off += 2
	return v
}

func (c *cursor) u32() uint32 {
	v := binary.LittleEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v
}

func (c *cursor) u64() uint64 {
	v := binary.LittleEndian.Uint64(c.buf[c.off:])
	c.off += 8
	return v
}

func (c *cursor) bytes(n int) []byte {
	v := c.buf[c.off : c.off+n]
	c.off += n
	return v
}

// InfoRecord is one piece of extensible metadata appended to an event.
// Concrete types are FileIdentifier, ProcessDescriptor and ErrorInfo;
// kinds unknown to this library are skipped during decoding.
type InfoRecord interface {
	InfoType() uint8
}

// FileIdentifier identifies the event's file (or its parent directory)
// by filesystem id and opaque file handle instead of an open descriptor.
type FileIdentifier struct {
	// Type is one of FAN_EVENT_INFO_TYPE_FID, FAN_EVENT_INFO_TYPE_DFID
	// or FAN_EVENT_INFO_TYPE_DFID_NAME
	Type uint8
	// FilesystemID identifies the mount needed to resolve the handle
	FilesystemID [2]int32
	// HandleType is the kernel handle type of the opaque handle bytes
	HandleType int32
	// Handle holds the opaque file handle bytes
	Handle []byte
	// Name holds the file name under the identified directory; only set
	// for FAN_EVENT_INFO_TYPE_DFID_NAME records
	Name string
}

func (f *FileIdentifier) InfoType() uint8 { return f.Type }

// ProcessDescriptor carries a pidfd referring to the process that
// triggered the event.
type ProcessDescriptor struct {
	Pidfd int32
}

func (*ProcessDescriptor) InfoType() uint8 { return unix.FAN_EVENT_INFO_TYPE_PIDFD }

// ErrorInfo reports a filesystem error observed on the marked object.
type ErrorInfo struct {
	Errno int32
	Count uint32
}

func (*ErrorInfo) InfoType() uint8 { return unix.FAN_EVENT_INFO_TYPE_ERROR }

// Event is one decoded record from the notification descriptor. The
// caller owns the event exclusively; when Fd is valid the caller must
// release it with Close.
type Event struct {
	// Mask holds the event type bits that fired
	Mask EventType
	// Correlation matches a later Response to this event; it is only
	// set for permission events
	Correlation uint64
	// Pid is the process (or thread, with ReportTID) that triggered the
	// event
	Pid int32
	// Fd is the open descriptor for the file the event refers to, or -1
	// when the listener reports by file identifier
	Fd int
	// Info holds the extensible metadata records appended to the event
	Info []InfoRecord
}

// HasDescriptor returns true if the event carries an open descriptor.
func (e *Event) HasDescriptor() bool {
	return e.Fd >= 0
}

// Close releases the event's descriptor. It is a no-op for events
// reported by file identifier.
func (e *Event) Close() error {
	if !e.HasDescriptor() {
		return nil
	}
	fd := e.Fd
	e.Fd = -1
	return unix.Close(fd)
}

// FileIdentifier returns the event's first file identifier record, or
// nil if the event carries none.
func (e *Event) FileIdentifier() *FileIdentifier {
	for _, rec := range e.Info {
		if fid, ok := rec.(*FileIdentifier); ok {
			return fid
		}
	}
	return nil
}

// EventDecoder decodes the raw buffer returned by one read of the
// notification descriptor into a sequence of events, preserving kernel
// delivery order. Use in the manner of json.Decoder:
//
//	dec := NewEventDecoder(buf)
//	for dec.More() {
//		event, err := dec.Decode()
//		...
//	}
type EventDecoder struct {
	cur cursor
}

// NewEventDecoder returns a decoder over buf. The decoder does not copy
// the buffer; fixed-width fields are decoded into owned values and
// variable-length payloads (file handles, names) are copied out.
func NewEventDecoder(buf []byte) *EventDecoder {
	return &EventDecoder{cur: cursor{buf: buf}}
}

// More reports whether the buffer holds more bytes to decode. A partial
// record fragment still counts; Decode surfaces it as an error rather
// than truncating silently.
func (d *EventDecoder) More() bool {
	return d.cur.remaining() > 0
}

func (d *EventDecoder) fail(err error) (*Event, error) {
	// poison the decoder so More returns false after an error
	d.cur.off = len(d.cur.buf)
	return nil, err
}

// Decode returns the next event in the buffer. It returns io.EOF when
// the buffer is cleanly exhausted and ErrMalformedBuffer when a partial
// or inconsistent record remains; a correctly sized read never leaves a
// partial record, so the latter signals a corrupted stream.
func (d *EventDecoder) Decode() (*Event, error) {
	rem := d.cur.remaining()
	if rem == 0 {
		return nil, io.EOF
	}
	if !d.cur.need(eventHeaderSize) {
		return d.fail(fmt.Errorf("%w: %d byte fragment where a %d byte event header was expected",
			ErrMalformedBuffer, rem, eventHeaderSize))
	}
	start := d.cur.off
	mask := d.cur.u32()
	eventLen := int(d.cur.u32())
	vers := d.cur.u8()
	_ = d.cur.u8() // reserved
	metaLen := int(d.cur.u16())
	token := d.cur.u64()
	pid := d.cur.u32()

	if vers != metadataVersion {
		return d.fail(fmt.Errorf("%w: unsupported metadata version %d (want %d)",
			ErrMalformedBuffer, vers, metadataVersion))
	}
	if eventLen < eventHeaderSize || eventLen > rem {
		return d.fail(fmt.Errorf("%w: event record declares %d bytes with %d remaining",
			ErrMalformedBuffer, eventLen, rem))
	}
	if metaLen < eventHeaderSize || metaLen > eventLen {
		return d.fail(fmt.Errorf("%w: metadata length %d outside event record of %d bytes",
			ErrMalformedBuffer, metaLen, eventLen))
	}

	info, err := decodeInfoRecords(d.cur.buf[start+metaLen : start+eventLen])
	if err != nil {
		return d.fail(err)
	}
	// the declared record length is authoritative; the kernel leaves no
	// padding between records
	d.cur.off = start + eventLen

	event := &Event{
		Mask: EventType(mask),
		Pid:  int32(pid),
		Fd:   -1,
		Info: info,
	}
	if token != tokenNone && token != tokenNoFD {
		event.Fd = int(token)
	}
	if event.Mask.Permission() {
		event.Correlation = token
	}
	return event, nil
}

// DecodeAll decodes every event in buf, in delivery order.
func DecodeAll(buf []byte) ([]*Event, error) {
	d := NewEventDecoder(buf)
	var events []*Event
	for d.More() {
		event, err := d.Decode()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// decodeInfoRecords walks the info region of one event record. Each
// record's declared length is honored exactly; records of kinds newer
// than this library are skipped, not rejected.
func decodeInfoRecords(region []byte) ([]InfoRecord, error) {
	c := cursor{buf: region}
	var records []InfoRecord
	for c.remaining() > 0 {
		if !c.need(infoHeaderSize) {
			return nil, fmt.Errorf("%w: %d byte fragment where a %d byte info header was expected",
				ErrTruncatedInfoRecord, c.remaining(), infoHeaderSize)
		}
		infoType := c.u8()
		_ = c.u8() // padding
		infoLen := int(c.u16())
		if infoLen < infoHeaderSize || infoLen-infoHeaderSize > c.remaining() {
			return nil, fmt.Errorf("%w: info record of type %d declares %d bytes with %d remaining",
				ErrTruncatedInfoRecord, infoType, infoLen, infoHeaderSize+c.remaining())
		}
		payload := c.bytes(infoLen - infoHeaderSize)
		switch infoType {
		case unix.FAN_EVENT_INFO_TYPE_FID, unix.FAN_EVENT_INFO_TYPE_DFID, unix.FAN_EVENT_INFO_TYPE_DFID_NAME:
			fid, err := decodeFileIdentifier(infoType, payload)
			if err != nil {
				return nil, err
			}
			records = append(records, fid)
		case unix.FAN_EVENT_INFO_TYPE_PIDFD:
			if len(payload) < 4 {
				return nil, fmt.Errorf("%w: pidfd payload of %d bytes", ErrTruncatedInfoRecord, len(payload))
			}
			records = append(records, &ProcessDescriptor{
				Pidfd: int32(binary.LittleEndian.Uint32(payload)),
			})
		case unix.FAN_EVENT_INFO_TYPE_ERROR:
			if len(payload) < 8 {
				return nil, fmt.Errorf("%w: error payload of %d bytes", ErrTruncatedInfoRecord, len(payload))
			}
			records = append(records, &ErrorInfo{
				Errno: int32(binary.LittleEndian.Uint32(payload)),
				Count: binary.LittleEndian.Uint32(payload[4:]),
			})
		default:
			// Unknown info kinds come from kernels newer than this
			// library; the declared length is consumed and the payload
			// discarded so the stream stays decodable.
		}
	}
	return records, nil
}

// decodeFileIdentifier decodes the payload of a file identifier record:
// filesystem id, handle size and type, opaque handle bytes, and for
// DFID_NAME records a NUL terminated file name.
func decodeFileIdentifier(infoType uint8, payload []byte) (*FileIdentifier, error) {
	c := cursor{buf: payload}
	if !c.need(16) { // fsid + handle_bytes + handle_type
		return nil, fmt.Errorf("%w: file identifier payload of %d bytes", ErrTruncatedInfoRecord, len(payload))
	}
	fid := &FileIdentifier{Type: infoType}
	fid.FilesystemID[0] = int32(c.u32())
	fid.FilesystemID[1] = int32(c.u32())
	handleBytes := c.u32()
	fid.HandleType = int32(c.u32())
	// compare before converting so a huge size cannot wrap negative on
	// 32-bit platforms
	if uint64(handleBytes) > uint64(c.remaining()) {
		return nil, fmt.Errorf("%w: file handle declares %d bytes with %d remaining",
			ErrTruncatedInfoRecord, handleBytes, c.remaining())
	}
	fid.Handle = append([]byte(nil), c.bytes(int(handleBytes))...)
	if infoType == unix.FAN_EVENT_INFO_TYPE_DFID_NAME {
		name := c.buf[c.off:]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		fid.Name = string(name)
	}
	return fid, nil
}
