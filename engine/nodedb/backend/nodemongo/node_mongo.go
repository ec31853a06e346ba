package nodemongo

import (
	"time"

	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/nodedb/types"
	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"
)

const (
	defaultDBName         = "presents"
	defaultCollectionName = "nodes"
)

type mongoNodeDB struct {
	s *mgo.Session
	c *mgo.Collection
}

// OpenMongoNodeDB opens mongodb as node record backend
func OpenMongoNodeDB(url string, dbname string, collectionName string) (nodedbtypes.Backend, error) {
	gwlog.Debugf("Connecting MongoDB ...")
	session, err := mgo.DialWithTimeout(url, 10*time.Second)
	if err != nil {
		return nil, err
	}

	session.SetMode(mgo.Monotonic, true)
	if dbname == "" {
		dbname = defaultDBName
	}
	if collectionName == "" {
		collectionName = defaultCollectionName
	}
	return &mongoNodeDB{
		s: session,
		c: session.DB(dbname).C(collectionName),
	}, nil
}

func (db *mongoNodeDB) UpdateNode(rec *nodedbtypes.NodeRecord) error {
	_, err := db.c.UpsertId(rec.NodeName, rec)
	return err
}

func (db *mongoNodeDB) HeartbeatNode(nodeName string, now time.Time) error {
	err := db.c.UpdateId(nodeName, bson.M{"$set": bson.M{"lastUpdated": now}})
	if err == mgo.ErrNotFound {
		return nil
	}
	return err
}

func (db *mongoNodeDB) LoadNodes() ([]*nodedbtypes.NodeRecord, error) {
	var records []*nodedbtypes.NodeRecord
	if err := db.c.Find(nil).All(&records); err != nil {
		return nil, err
	}
	return records, nil
}

func (db *mongoNodeDB) DeleteNode(nodeName string) error {
	err := db.c.RemoveId(nodeName)
	if err == mgo.ErrNotFound {
		return nil
	}
	return err
}

func (db *mongoNodeDB) Close() error {
	db.s.Close()
	return nil
}
