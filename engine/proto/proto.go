package proto

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/invocation"
	"github.com/xiaonanln/gopresents/engine/streaming"
)

// Message is a unit sent in one frame between client and server
type Message interface {
	isMessage()
}

// AuthCode is the status of an AuthResponse
type AuthCode int32

const (
	// AuthSuccess grants the session
	AuthSuccess AuthCode = iota
	// AuthInvalidVersion is returned when client and server versions differ
	AuthInvalidVersion
	// AuthNoSuchUser is returned for unknown users
	AuthNoSuchUser
	// AuthInvalidPassword is returned for wrong passwords
	AuthInvalidPassword
	// AuthServerError is returned when authentication could not be performed
	AuthServerError
)

var authCodeNames = map[AuthCode]string{
	AuthSuccess:         "m.success",
	AuthInvalidVersion:  "m.version_mismatch",
	AuthNoSuchUser:      "m.no_such_user",
	AuthInvalidPassword: "m.invalid_password",
	AuthServerError:     "m.server_error",
}

// String returns the translatable reason of the code
func (c AuthCode) String() string {
	if name, ok := authCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("m.auth_code_%d", int32(c))
}

// Credentials identify the user of a session
type Credentials interface {
	Username() string
}

// UsernamePasswordCreds are plain username & password credentials
type UsernamePasswordCreds struct {
	User     string
	Password string
}

// Username returns the user name
func (c *UsernamePasswordCreds) Username() string {
	return c.User
}

func (c *UsernamePasswordCreds) String() string {
	return fmt.Sprintf("UsernamePasswordCreds<%s>", c.User)
}

// AuthRequest is the first message of every session
type AuthRequest struct {
	Creds      Credentials
	Version    string
	BootGroups []string
}

// WriteObject writes the request
func (m *AuthRequest) WriteObject(out *streaming.ObjectOutputStream) error {
	if err := out.WriteObject(m.Creds); err != nil {
		return err
	}
	out.WriteString(m.Version)
	if m.BootGroups == nil {
		return out.WriteObject(nil)
	}
	return out.WriteObject(m.BootGroups)
}

// ReadObject reads the request
func (m *AuthRequest) ReadObject(in *streaming.ObjectInputStream) (err error) {
	v, err := in.ReadObject()
	if err != nil {
		return
	}
	if v != nil {
		creds, ok := v.(Credentials)
		if !ok {
			return errors.Errorf("%T are not credentials", v)
		}
		m.Creds = creds
	}
	if m.Version, err = in.ReadString(); err != nil {
		return
	}
	v, err = in.ReadObject()
	if err != nil || v == nil {
		return
	}
	groups, ok := v.([]string)
	if !ok {
		return errors.Errorf("boot groups of type %T", v)
	}
	m.BootGroups = groups
	return nil
}

// BootstrapData is sent to a client when its session starts
type BootstrapData struct {
	ConnectionID   int32
	ClientOid      dobj.Oid
	InvOid         dobj.Oid
	Objects        map[string]dobj.Oid
	Services       map[string]*invocation.Marshaller
	DatagramSecret []byte
}

// WriteObject writes the bootstrap data, maps sorted by key
func (m *BootstrapData) WriteObject(out *streaming.ObjectOutputStream) error {
	out.WriteInt32(m.ConnectionID)
	out.WriteInt32(int32(m.ClientOid))
	out.WriteInt32(int32(m.InvOid))

	keys := make([]string, 0, len(m.Objects))
	for k := range m.Objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out.WriteInt32(int32(len(keys)))
	for _, k := range keys {
		out.WriteString(k)
		out.WriteInt32(int32(m.Objects[k]))
	}

	keys = keys[:0]
	for k := range m.Services {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out.WriteInt32(int32(len(keys)))
	for _, k := range keys {
		out.WriteString(k)
		if err := out.WriteObject(m.Services[k]); err != nil {
			return err
		}
	}
	out.WriteBytes(m.DatagramSecret)
	return nil
}

// ReadObject reads bootstrap data
func (m *BootstrapData) ReadObject(in *streaming.ObjectInputStream) error {
	var ints [3]int32
	for i := range ints {
		v, err := in.ReadInt32()
		if err != nil {
			return err
		}
		ints[i] = v
	}
	m.ConnectionID, m.ClientOid, m.InvOid = ints[0], dobj.Oid(ints[1]), dobj.Oid(ints[2])

	n, err := in.ReadCount()
	if err != nil {
		return err
	}
	m.Objects = make(map[string]dobj.Oid, n)
	for i := 0; i < n; i++ {
		k, err := in.ReadString()
		if err != nil {
			return err
		}
		oid, err := in.ReadInt32()
		if err != nil {
			return err
		}
		m.Objects[k] = dobj.Oid(oid)
	}

	if n, err = in.ReadCount(); err != nil {
		return err
	}
	m.Services = make(map[string]*invocation.Marshaller, n)
	for i := 0; i < n; i++ {
		k, err := in.ReadString()
		if err != nil {
			return err
		}
		v, err := in.ReadObject()
		if err != nil {
			return err
		}
		marsh, ok := v.(*invocation.Marshaller)
		if !ok {
			return errors.Errorf("service %s of type %T", k, v)
		}
		m.Services[k] = marsh
	}
	m.DatagramSecret, err = in.ReadBytes()
	return err
}

// AuthResponse answers an AuthRequest. Bootstrap is set on success only.
type AuthResponse struct {
	Status    AuthCode
	Reason    string
	Bootstrap *BootstrapData
}

// WriteObject writes the response
func (m *AuthResponse) WriteObject(out *streaming.ObjectOutputStream) error {
	out.WriteInt32(int32(m.Status))
	out.WriteString(m.Reason)
	if m.Bootstrap == nil {
		return out.WriteObject(nil)
	}
	return out.WriteObject(m.Bootstrap)
}

// ReadObject reads the response
func (m *AuthResponse) ReadObject(in *streaming.ObjectInputStream) (err error) {
	status, err := in.ReadInt32()
	if err != nil {
		return
	}
	m.Status = AuthCode(status)
	if m.Reason, err = in.ReadString(); err != nil {
		return
	}
	v, err := in.ReadObject()
	if err != nil || v == nil {
		return
	}
	bootstrap, ok := v.(*BootstrapData)
	if !ok {
		return errors.Errorf("bootstrap of type %T", v)
	}
	m.Bootstrap = bootstrap
	return nil
}

// SubscribeRequest asks for an object and its events
type SubscribeRequest struct {
	Oid dobj.Oid
}

// UnsubscribeRequest ends a subscription
type UnsubscribeRequest struct {
	Oid dobj.Oid
}

// ForwardEventRequest carries an event the client posted
type ForwardEventRequest struct {
	Event dobj.Event
}

// WriteObject writes the event
func (m *ForwardEventRequest) WriteObject(out *streaming.ObjectOutputStream) error {
	return out.WriteObject(m.Event)
}

// ReadObject reads the event
func (m *ForwardEventRequest) ReadObject(in *streaming.ObjectInputStream) (err error) {
	m.Event, err = readEvent(in)
	return
}

// PingRequest keeps the connection alive and samples the clock delta
type PingRequest struct {
	ClientStamp int64
}

// LogoffRequest ends the session
type LogoffRequest struct {
}

// ObjectResponse delivers a subscribed object
type ObjectResponse struct {
	Object *dobj.DObject
}

// WriteObject writes the object
func (m *ObjectResponse) WriteObject(out *streaming.ObjectOutputStream) error {
	return m.Object.WriteObject(out)
}

// ReadObject reads the object
func (m *ObjectResponse) ReadObject(in *streaming.ObjectInputStream) error {
	m.Object = &dobj.DObject{}
	return m.Object.ReadObject(in)
}

// FailureResponse reports a failed subscription
type FailureResponse struct {
	Oid    dobj.Oid
	Reason string
}

// EventNotification carries an event applied to a subscribed object
type EventNotification struct {
	Event dobj.Event
}

// WriteObject writes the event
func (m *EventNotification) WriteObject(out *streaming.ObjectOutputStream) error {
	return out.WriteObject(m.Event)
}

// ReadObject reads the event
func (m *EventNotification) ReadObject(in *streaming.ObjectInputStream) (err error) {
	m.Event, err = readEvent(in)
	return
}

// UnsubscribeResponse confirms an UnsubscribeRequest
type UnsubscribeResponse struct {
	Oid dobj.Oid
}

// PongResponse answers a PingRequest
type PongResponse struct {
	ClientStamp int64
	ServerStamp int64
}

func readEvent(in *streaming.ObjectInputStream) (dobj.Event, error) {
	v, err := in.ReadObject()
	if err != nil {
		return nil, err
	}
	event, ok := v.(dobj.Event)
	if !ok {
		return nil, errors.Errorf("%T is not an event", v)
	}
	return event, nil
}

func (*AuthRequest) isMessage()         {}
func (*SubscribeRequest) isMessage()    {}
func (*UnsubscribeRequest) isMessage()  {}
func (*ForwardEventRequest) isMessage() {}
func (*PingRequest) isMessage()         {}
func (*LogoffRequest) isMessage()       {}
func (*AuthResponse) isMessage()        {}
func (*ObjectResponse) isMessage()      {}
func (*FailureResponse) isMessage()     {}
func (*EventNotification) isMessage()   {}
func (*UnsubscribeResponse) isMessage() {}
func (*PongResponse) isMessage()        {}

// RegisterClasses registers the wire messages with reg
func RegisterClasses(reg *streaming.Registry) {
	reg.MustRegister("proto.UsernamePasswordCreds", &UsernamePasswordCreds{})
	reg.MustRegister("proto.BootstrapData", &BootstrapData{})

	reg.MustRegister("proto.AuthRequest", &AuthRequest{})
	reg.MustRegister("proto.SubscribeRequest", &SubscribeRequest{})
	reg.MustRegister("proto.UnsubscribeRequest", &UnsubscribeRequest{})
	reg.MustRegister("proto.ForwardEventRequest", &ForwardEventRequest{})
	reg.MustRegister("proto.PingRequest", &PingRequest{})
	reg.MustRegister("proto.LogoffRequest", &LogoffRequest{})

	reg.MustRegister("proto.AuthResponse", &AuthResponse{})
	reg.MustRegister("proto.ObjectResponse", &ObjectResponse{})
	reg.MustRegister("proto.FailureResponse", &FailureResponse{})
	reg.MustRegister("proto.EventNotification", &EventNotification{})
	reg.MustRegister("proto.UnsubscribeResponse", &UnsubscribeResponse{})
	reg.MustRegister("proto.PongResponse", &PongResponse{})
}

// NewRegistry returns a registry with the dobj, invocation and wire classes registered
func NewRegistry() *streaming.Registry {
	reg := streaming.NewRegistry()
	dobj.RegisterClasses(reg)
	invocation.RegisterClasses(reg)
	RegisterClasses(reg)
	return reg
}
