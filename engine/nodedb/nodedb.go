package nodedb

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/nodedb/backend/nodemongo"
	"github.com/xiaonanln/gopresents/engine/nodedb/backend/noderedis"
	"github.com/xiaonanln/gopresents/engine/nodedb/backend/noderediscluster"
	"github.com/xiaonanln/gopresents/engine/nodedb/backend/nodesql"
	"github.com/xiaonanln/gopresents/engine/nodedb/types"
	"github.com/xiaonanln/gopresents/engine/opmon"
)

// NodeRecord is the published address of one node
type NodeRecord = nodedbtypes.NodeRecord

// Backend stores node records
type Backend = nodedbtypes.Backend

// Config selects and locates the backend
type Config struct {
	Type       string
	URL        string
	DB         string
	Collection string
	StartNodes []string
}

// NewNodeRecord creates the record of this node with a fresh boot id
func NewNodeRecord(nodeName string, hostName string, publicHostName string, port int) *NodeRecord {
	if publicHostName == "" {
		publicHostName = hostName
	}
	return &NodeRecord{
		NodeName:       nodeName,
		HostName:       hostName,
		PublicHostName: publicHostName,
		Port:           port,
		BootID:         ulid.Make().String(),
	}
}

// Repository times and logs the calls to its backend
type Repository struct {
	kind    string
	backend Backend
}

// NewRepository wraps backend
func NewRepository(kind string, backend Backend) *Repository {
	return &Repository{kind: kind, backend: backend}
}

// Open opens the backend described by cfg
func Open(cfg Config) (*Repository, error) {
	var backend Backend
	var err error
	switch strings.ToLower(cfg.Type) {
	case "", "memory":
		backend = NewMemoryBackend()
	case "redis":
		dbindex := 0
		if cfg.DB != "" {
			if dbindex, err = strconv.Atoi(cfg.DB); err != nil {
				return nil, errors.Wrapf(err, "redis db index %q", cfg.DB)
			}
		}
		backend, err = noderedis.OpenRedisNodeDB(cfg.URL, dbindex)
	case "redis_cluster":
		backend, err = noderediscluster.OpenRedisClusterNodeDB(cfg.StartNodes)
	case "mongodb":
		backend, err = nodemongo.OpenMongoNodeDB(cfg.URL, cfg.DB, cfg.Collection)
	case "sqlite":
		backend, err = nodesql.OpenSQLNodeDB("sqlite3", cfg.URL)
	default:
		return nil, errors.Errorf("unknown nodedb type: %s", cfg.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s nodedb", cfg.Type)
	}
	gwlog.Infof("nodedb: opened %s backend", cfg.Type)
	return NewRepository(cfg.Type, backend), nil
}

func (repo *Repository) String() string {
	return "Repository<" + repo.kind + ">"
}

// UpdateNode inserts or replaces rec, stamping it with the current time
func (repo *Repository) UpdateNode(rec *NodeRecord) error {
	op := opmon.StartOperation("nodedb.updateNode")
	defer op.Finish(consts.NODEDB_WARN_THRESHOLD)
	stamped := *rec
	stamped.LastUpdated = time.Now()
	if err := repo.backend.UpdateNode(&stamped); err != nil {
		return errors.Wrapf(err, "update node %s", rec.NodeName)
	}
	return nil
}

// HeartbeatNode marks the record of nodeName as recently seen
func (repo *Repository) HeartbeatNode(nodeName string) error {
	op := opmon.StartOperation("nodedb.heartbeatNode")
	defer op.Finish(consts.NODEDB_WARN_THRESHOLD)
	if err := repo.backend.HeartbeatNode(nodeName, time.Now()); err != nil {
		return errors.Wrapf(err, "heartbeat node %s", nodeName)
	}
	return nil
}

// LoadNodes returns all records ordered by node name
func (repo *Repository) LoadNodes() ([]*NodeRecord, error) {
	op := opmon.StartOperation("nodedb.loadNodes")
	defer op.Finish(consts.NODEDB_WARN_THRESHOLD)
	records, err := repo.backend.LoadNodes()
	if err != nil {
		return nil, errors.Wrap(err, "load nodes")
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].NodeName < records[j].NodeName
	})
	return records, nil
}

// DeleteNode removes the record of nodeName
func (repo *Repository) DeleteNode(nodeName string) error {
	op := opmon.StartOperation("nodedb.deleteNode")
	defer op.Finish(consts.NODEDB_WARN_THRESHOLD)
	if err := repo.backend.DeleteNode(nodeName); err != nil {
		return errors.Wrapf(err, "delete node %s", nodeName)
	}
	return nil
}

// Close closes the backend
func (repo *Repository) Close() error {
	return repo.backend.Close()
}
