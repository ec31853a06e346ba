package proto

import (
	"github.com/xiaonanln/gopresents/engine/dobj"
)

// Fields of client objects
const (
	ClientUsername     = "username"
	ClientConnectionID = "connectionId"
)

// ClientObjectKind is the kind of the object created for every session
const ClientObjectKind = "client"

// ClientObject is the typed view of the object representing a session
type ClientObject struct {
	*dobj.DObject
}

// NewClientObject creates the unregistered object for a session of username
func NewClientObject(username string, connectionID int32) ClientObject {
	return ClientObject{dobj.NewDObject(ClientObjectKind, map[string]interface{}{
		ClientUsername:     username,
		ClientConnectionID: connectionID,
	})}
}

// Username returns the user of the session
func (c ClientObject) Username() string {
	return c.GetString(ClientUsername)
}

// ConnectionID returns the id of the connection of the session
func (c ClientObject) ConnectionID() int32 {
	return int32(c.GetInt(ClientConnectionID))
}

// Notify posts a message event that only the session and its listeners receive
func (c ClientObject) Notify(name string, args ...interface{}) {
	c.PostMessage(name, args...)
}
