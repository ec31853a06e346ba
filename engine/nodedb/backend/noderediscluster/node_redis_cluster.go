package noderediscluster

import (
	"time"

	rediscluster "github.com/chasex/redis-go-cluster"
	"github.com/garyburd/redigo/redis"
	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/nodedb/types"
)

const (
	nodesKey      = "_NODES_"
	nodeKeyPrefix = "_NODE_"
)

type redisClusterNodeDB struct {
	c rediscluster.Cluster
}

var _ nodedbtypes.Backend = (*redisClusterNodeDB)(nil)

// OpenRedisClusterNodeDB opens a redis cluster as node record backend
func OpenRedisClusterNodeDB(startNodes []string) (nodedbtypes.Backend, error) {
	if len(startNodes) == 0 {
		return nil, errors.New("no start nodes")
	}
	c, err := rediscluster.NewCluster(&rediscluster.Options{
		StartNodes:   startNodes,
		ConnTimeout:  10 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		KeepAlive:    1,
		AliveTime:    10 * time.Minute,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect redis cluster failed")
	}
	return &redisClusterNodeDB{c: c}, nil
}

func nodeKey(nodeName string) string {
	return nodeKeyPrefix + nodeName
}

func (db *redisClusterNodeDB) UpdateNode(rec *nodedbtypes.NodeRecord) error {
	b, err := nodedbtypes.EncodeRecord(rec)
	if err != nil {
		return err
	}
	if _, err = db.c.Do("SET", nodeKey(rec.NodeName), b); err != nil {
		return err
	}
	_, err = db.c.Do("SADD", nodesKey, rec.NodeName)
	return err
}

func (db *redisClusterNodeDB) readRecord(nodeName string) (*nodedbtypes.NodeRecord, error) {
	reply, err := db.c.Do("GET", nodeKey(nodeName))
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, nil
	}
	b, err := redis.Bytes(reply, nil)
	if err != nil {
		return nil, err
	}
	return nodedbtypes.DecodeRecord(b)
}

func (db *redisClusterNodeDB) HeartbeatNode(nodeName string, now time.Time) error {
	rec, err := db.readRecord(nodeName)
	if err != nil || rec == nil {
		return err
	}
	rec.LastUpdated = now
	b, err := nodedbtypes.EncodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = db.c.Do("SET", nodeKey(nodeName), b)
	return err
}

func (db *redisClusterNodeDB) LoadNodes() ([]*nodedbtypes.NodeRecord, error) {
	names, err := redis.Strings(db.c.Do("SMEMBERS", nodesKey))
	if err != nil {
		return nil, err
	}
	records := make([]*nodedbtypes.NodeRecord, 0, len(names))
	for _, name := range names {
		rec, err := db.readRecord(name)
		if err != nil {
			return nil, errors.Wrapf(err, "read node %s", name)
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (db *redisClusterNodeDB) DeleteNode(nodeName string) error {
	if _, err := db.c.Do("DEL", nodeKey(nodeName)); err != nil {
		return err
	}
	_, err := db.c.Do("SREM", nodesKey, nodeName)
	return err
}

// Close is a no-op: the cluster client has no Close
func (db *redisClusterNodeDB) Close() error {
	return nil
}
