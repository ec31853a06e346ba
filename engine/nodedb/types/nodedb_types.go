package nodedbtypes

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack"
)

// NodeRecord is the published address of one node of the cluster
type NodeRecord struct {
	NodeName       string    `msgpack:"nodeName" bson:"_id"`
	HostName       string    `msgpack:"hostName" bson:"hostName"`
	PublicHostName string    `msgpack:"publicHostName" bson:"publicHostName"`
	Port           int       `msgpack:"port" bson:"port"`
	BootID         string    `msgpack:"bootId" bson:"bootId"`
	LastUpdated    time.Time `msgpack:"lastUpdated" bson:"lastUpdated"`
}

func (r *NodeRecord) String() string {
	return fmt.Sprintf("NodeRecord<%s@%s:%d>", r.NodeName, r.HostName, r.Port)
}

// PeerAddr returns the host:port peers connect to
func (r *NodeRecord) PeerAddr() string {
	return net.JoinHostPort(r.HostName, strconv.Itoa(r.Port))
}

// Backend stores node records. Calls may block and are never made on the object loop.
type Backend interface {
	UpdateNode(rec *NodeRecord) error
	HeartbeatNode(nodeName string, now time.Time) error
	LoadNodes() ([]*NodeRecord, error)
	DeleteNode(nodeName string) error
	Close() error
}

// EncodeRecord packs rec with msgpack
func EncodeRecord(rec *NodeRecord) ([]byte, error) {
	return msgpack.Marshal(rec)
}

// DecodeRecord unpacks a record packed by EncodeRecord
func DecodeRecord(data []byte) (*NodeRecord, error) {
	rec := &NodeRecord{}
	if err := msgpack.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
