package invocation

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/streaming"
)

// Names of the message events carrying requests and responses
const (
	RequestMessage  = "_invreq"
	ResponseMessage = "_invrsp"
)

// GlobalGroup is the bootstrap group every client receives
const GlobalGroup = "presents"

// InternalError is the failure reason sent for provider errors that carry no reason of their own
const InternalError = "m.internal_error"

// Marshaller identifies a provider: the invocation object to post requests to and the code of
// the dispatcher behind it
type Marshaller struct {
	InvOid  dobj.Oid
	InvCode int32
}

func (m *Marshaller) String() string {
	return fmt.Sprintf("Marshaller<%d:%d>", m.InvOid, m.InvCode)
}

// Error is a named failure raised by a provider. Only the reason crosses the wire.
type Error struct {
	Reason string
}

// NewError creates an Error with reason
func NewError(reason string) *Error {
	return &Error{Reason: reason}
}

func (e *Error) Error() string {
	return e.Reason
}

// FailureReason returns the reason to report to a caller for err
func FailureReason(err error) string {
	if e, ok := errors.Cause(err).(*Error); ok {
		return e.Reason
	}
	return InternalError
}

// RegisterClasses registers the streamable invocation types with reg
func RegisterClasses(reg *streaming.Registry) {
	reg.MustRegister("invocation.Marshaller", &Marshaller{})
}

func newRequestEvent(m *Marshaller, callerOid dobj.Oid, methodID int32, requestID int32, args []interface{}) *dobj.MessageEvent {
	if args == nil {
		args = []interface{}{}
	}
	return &dobj.MessageEvent{
		EventBase: dobj.EventBase{Target: m.InvOid, Source: callerOid},
		Name:      RequestMessage,
		Args:      []interface{}{m.InvCode, methodID, requestID, args},
	}
}

func parseRequest(e *dobj.MessageEvent) (invCode int32, methodID int32, requestID int32, args []interface{}, err error) {
	if len(e.Args) != 4 {
		err = errors.Errorf("malformed request %v", e)
		return
	}
	var ok [4]bool
	invCode, ok[0] = e.Args[0].(int32)
	methodID, ok[1] = e.Args[1].(int32)
	requestID, ok[2] = e.Args[2].(int32)
	args, ok[3] = e.Args[3].([]interface{})
	if !(ok[0] && ok[1] && ok[2] && ok[3]) {
		err = errors.Errorf("malformed request %v", e)
	}
	return
}

func newResponseEvent(callerOid dobj.Oid, requestID int32, result interface{}, reason string) *dobj.MessageEvent {
	return &dobj.MessageEvent{
		EventBase: dobj.EventBase{Target: callerOid},
		Name:      ResponseMessage,
		Args:      []interface{}{requestID, result, reason},
	}
}

func parseResponse(e *dobj.MessageEvent) (requestID int32, result interface{}, reason string, err error) {
	if len(e.Args) != 3 {
		err = errors.Errorf("malformed response %v", e)
		return
	}
	var ok1, ok2 bool
	requestID, ok1 = e.Args[0].(int32)
	result = e.Args[1]
	reason, ok2 = e.Args[2].(string)
	if !ok1 || !ok2 {
		err = errors.Errorf("malformed response %v", e)
	}
	return
}
