package noderedis

import (
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/nodedb/types"
)

const (
	nodesKey      = "_NODES_"
	nodeKeyPrefix = "_NODE_"
)

type redisNodeDB struct {
	pool *redis.Pool
}

// OpenRedisNodeDB opens redis at host as node record backend
func OpenRedisNodeDB(host string, dbindex int) (nodedbtypes.Backend, error) {
	pool := &redis.Pool{
		MaxIdle:     2,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", host, redis.DialDatabase(dbindex), redis.DialConnectTimeout(10*time.Second))
		},
	}
	c := pool.Get()
	defer c.Close()
	if _, err := c.Do("PING"); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "redis dial failed")
	}
	return &redisNodeDB{pool: pool}, nil
}

func nodeKey(nodeName string) string {
	return nodeKeyPrefix + nodeName
}

func (db *redisNodeDB) UpdateNode(rec *nodedbtypes.NodeRecord) error {
	b, err := nodedbtypes.EncodeRecord(rec)
	if err != nil {
		return err
	}
	c := db.pool.Get()
	defer c.Close()
	if _, err = c.Do("SET", nodeKey(rec.NodeName), b); err != nil {
		return err
	}
	_, err = c.Do("SADD", nodesKey, rec.NodeName)
	return err
}

func (db *redisNodeDB) HeartbeatNode(nodeName string, now time.Time) error {
	c := db.pool.Get()
	defer c.Close()
	rec, err := readRecord(c, nodeName)
	if err != nil || rec == nil {
		return err
	}
	rec.LastUpdated = now
	b, err := nodedbtypes.EncodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = c.Do("SET", nodeKey(nodeName), b)
	return err
}

func readRecord(c redis.Conn, nodeName string) (*nodedbtypes.NodeRecord, error) {
	b, err := redis.Bytes(c.Do("GET", nodeKey(nodeName)))
	if err == redis.ErrNil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return nodedbtypes.DecodeRecord(b)
}

func (db *redisNodeDB) LoadNodes() ([]*nodedbtypes.NodeRecord, error) {
	c := db.pool.Get()
	defer c.Close()
	names, err := redis.Strings(c.Do("SMEMBERS", nodesKey))
	if err != nil {
		return nil, err
	}
	records := make([]*nodedbtypes.NodeRecord, 0, len(names))
	for _, name := range names {
		rec, err := readRecord(c, name)
		if err != nil {
			return nil, errors.Wrapf(err, "read node %s", name)
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (db *redisNodeDB) DeleteNode(nodeName string) error {
	c := db.pool.Get()
	defer c.Close()
	if _, err := c.Do("DEL", nodeKey(nodeName)); err != nil {
		return err
	}
	_, err := c.Do("SREM", nodesKey, nodeName)
	return err
}

func (db *redisNodeDB) Close() error {
	return db.pool.Close()
}
