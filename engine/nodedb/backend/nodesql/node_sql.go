package nodesql

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/nodedb/types"
)

type sqlNodeDB struct {
	driverName     string
	dataSourceName string
	db             *sql.DB
}

// OpenSQLNodeDB opens a SQL database as node record backend
func OpenSQLNodeDB(driverName string, dataSourceName string) (nodedbtypes.Backend, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	_, err = db.Exec("CREATE TABLE IF NOT EXISTS `nodes`(" +
		"`node_name` VARCHAR(64) NOT NULL PRIMARY KEY, " +
		"`host_name` VARCHAR(128) NOT NULL, " +
		"`public_host_name` VARCHAR(128) NOT NULL, " +
		"`port` INTEGER NOT NULL, " +
		"`boot_id` VARCHAR(32) NOT NULL, " +
		"`last_updated` INTEGER NOT NULL)")
	if err != nil {
		db.Close()
		return nil, err
	}

	return &sqlNodeDB{
		driverName:     driverName,
		dataSourceName: dataSourceName,
		db:             db,
	}, nil
}

func (sqldb *sqlNodeDB) String() string {
	return fmt.Sprintf("%s<%s>", sqldb.driverName, sqldb.dataSourceName)
}

func (sqldb *sqlNodeDB) UpdateNode(rec *nodedbtypes.NodeRecord) error {
	_, err := sqldb.db.Exec("REPLACE INTO `nodes`(`node_name`, `host_name`, `public_host_name`, `port`, `boot_id`, `last_updated`) VALUES(?, ?, ?, ?, ?, ?)",
		rec.NodeName, rec.HostName, rec.PublicHostName, rec.Port, rec.BootID, rec.LastUpdated.UnixNano())
	return err
}

func (sqldb *sqlNodeDB) HeartbeatNode(nodeName string, now time.Time) error {
	_, err := sqldb.db.Exec("UPDATE `nodes` SET `last_updated` = ? WHERE `node_name` = ?", now.UnixNano(), nodeName)
	return err
}

func (sqldb *sqlNodeDB) LoadNodes() ([]*nodedbtypes.NodeRecord, error) {
	rows, err := sqldb.db.Query("SELECT `node_name`, `host_name`, `public_host_name`, `port`, `boot_id`, `last_updated` FROM `nodes`")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*nodedbtypes.NodeRecord
	for rows.Next() {
		rec := &nodedbtypes.NodeRecord{}
		var lastUpdated int64
		if err := rows.Scan(&rec.NodeName, &rec.HostName, &rec.PublicHostName, &rec.Port, &rec.BootID, &lastUpdated); err != nil {
			return nil, err
		}
		rec.LastUpdated = time.Unix(0, lastUpdated)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (sqldb *sqlNodeDB) DeleteNode(nodeName string) error {
	_, err := sqldb.db.Exec("DELETE FROM `nodes` WHERE `node_name` = ?", nodeName)
	return err
}

func (sqldb *sqlNodeDB) Close() error {
	if err := sqldb.db.Close(); err != nil {
		gwlog.Errorf("%s: close error: %s", sqldb, err)
		return err
	}
	return nil
}
