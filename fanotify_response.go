package fanotify

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ResponseRecordSize is the fixed size of an encoded permission
// response: correlation value u64 followed by decision code u32.
const ResponseRecordSize = 12

// ErrInvalidResponse indicates the response was not built from the
// correlation value of a real permission event.
var ErrInvalidResponse = errors.New("invalid response")

// Decision is the verdict written back to the kernel for a permission
// event.
type Decision uint32

const (
	// Allow lets the blocked operation proceed
	Allow Decision = unix.FAN_ALLOW
	// Deny fails the blocked operation with EPERM
	Deny Decision = unix.FAN_DENY
)

// WithAudit requests the decision be recorded in the audit log. The
// listener must have been created with EnableAudit.
func (d Decision) WithAudit() Decision {
	return d | unix.FAN_AUDIT
}

func (d Decision) String() string {
	s := "FAN_DENY"
	if d&^unix.FAN_AUDIT == Allow {
		s = "FAN_ALLOW"
	}
	if d&unix.FAN_AUDIT != 0 {
		s += "|FAN_AUDIT"
	}
	return s
}

// Response answers one permission event. Responses are transient:
// construct one from the event's correlation value, write it back, and
// discard it.
type Response struct {
	correlation uint64
	decision    Decision
}

// NewResponse builds a response for the permission event identified by
// correlation. Zero and all-ones correlation values are reserved
// sentinels that never belong to a permission event.
func NewResponse(correlation uint64, decision Decision) (Response, error) {
	if correlation == tokenNone || correlation == tokenNoFD {
		return Response{}, fmt.Errorf("%w: correlation value %#x was never taken from a permission event",
			ErrInvalidResponse, correlation)
	}
	return Response{correlation: correlation, decision: decision}, nil
}

// Correlation returns the correlation value echoed back to the kernel.
func (r Response) Correlation() uint64 {
	return r.correlation
}

// Decision returns the verdict carried by the response.
func (r Response) Decision() Decision {
	return r.decision
}

// MarshalBinary encodes the response into the fixed record layout the
// kernel expects to be written back. It never fails for a Response
// obtained from NewResponse.
func (r Response) MarshalBinary() ([]byte, error) {
	out := make([]byte, ResponseRecordSize)
	binary.LittleEndian.PutUint64(out[0:8], r.correlation)
	binary.LittleEndian.PutUint32(out[8:12], uint32(r.decision))
	return out, nil
}

func (e *Event) respond(d Decision) (Response, error) {
	if !e.Mask.Permission() {
		return Response{}, fmt.Errorf("%w: event mask %#x holds no permission event", ErrInvalidResponse, uint64(e.Mask))
	}
	return NewResponse(e.Correlation, d)
}

// Allow builds an allow response for a permission event.
func (e *Event) Allow() (Response, error) {
	return e.respond(Allow)
}

// Deny builds a deny response for a permission event.
func (e *Event) Deny() (Response, error) {
	return e.respond(Deny)
}
