package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/go-ini/ini"
	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/gwlog"
)

const sampleConfig = `
[server]
version = 1.0
listen_addr = 127.0.0.1:47624
websocket_addr = 127.0.0.1:47625
ping_interval = 30
auth_users = alice:a, bob:b

[peer]
enabled = true
node_name = node1
shared_secret = s3cret
public_host = presents.example.com
port = 47624
lock_timeout = 2500

[nodedb]
type = redis_cluster
start_nodes = 127.0.0.1:7000, 127.0.0.1:7001

[client]
transport = websocket
`

func loadSample(t *testing.T, content string) *PresentsConfig {
	f, err := ini.Load([]byte(content))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return parseConfig(f)
}

func TestParseConfig(t *testing.T) {
	config := loadSample(t, sampleConfig)
	gwlog.Debugf("presents config: \n%s", DumpPretty(config))

	assert.Equal(t, "1.0", config.Server.Version)
	assert.Equal(t, "127.0.0.1:47625", config.Server.WebSocketAddr)
	assert.Equal(t, 30*time.Second, config.Server.PingInterval)
	assert.Equal(t, consts.DEFAULT_REPORT_INTERVAL, config.Server.ReportInterval)
	assert.Equal(t, "alice:a, bob:b", config.Server.AuthUsers)

	assert.T(t, config.Peer.Enabled)
	assert.Equal(t, "node1", config.Peer.NodeName)
	assert.Equal(t, "presents.example.com", config.Peer.PublicHost)
	assert.Equal(t, _DEFAULT_LOCALHOST, config.Peer.Host)
	assert.Equal(t, 2500*time.Millisecond, config.Peer.LockTimeout)
	assert.Equal(t, consts.PEER_REFRESH_INTERVAL, config.Peer.RefreshInterval)

	assert.Equal(t, "redis_cluster", config.NodeDB.Type)
	assert.Equal(t, []string{"127.0.0.1:7000", "127.0.0.1:7001"}, config.NodeDB.StartNodes)

	assert.Equal(t, "websocket", config.Client.Transport)
	assert.Equal(t, _DEFAULT_PORT, config.Client.Port)
}

func TestDefault(t *testing.T) {
	config := Default()
	assert.Equal(t, _DEFAULT_LISTEN_ADDR, config.Server.ListenAddr)
	assert.Equal(t, consts.PING_INTERVAL, config.Server.PingInterval)
	assert.Equal(t, consts.MAX_FRAME_SIZE, config.Server.MaxFrameSize)
	assert.T(t, !config.Peer.Enabled)
	assert.Equal(t, consts.LOCK_TIMEOUT, config.Peer.LockTimeout)
	assert.Equal(t, "memory", config.NodeDB.Type)
	assert.Equal(t, "tcp", config.Client.Transport)
}

func TestRedisDefaultDB(t *testing.T) {
	config := loadSample(t, "[nodedb]\ntype = redis\nurl = redis://127.0.0.1:6379\n")
	assert.Equal(t, "0", config.NodeDB.DB)
	config = loadSample(t, "[nodedb]\ntype = mongodb\nurl = mongodb://127.0.0.1:27017\n")
	assert.Equal(t, _DEFAULT_NODEDB_DB, config.NodeDB.DB)
	assert.Equal(t, _DEFAULT_COLLECTION, config.NodeDB.Collection)
}

func TestInvalidConfig(t *testing.T) {
	for _, content := range []string{
		"[server]\nno_such_key = 1\n",
		"[peer]\nenabled = true\nshared_secret = x\n",
		"[peer]\nenabled = true\nnode_name = n\n",
		"[peer]\nenabled = true\nnode_name = n\nshared_secret = x\n[nodedb]\ntype = cassandra\n",
		"[peer]\nenabled = true\nnode_name = n\nshared_secret = x\n[nodedb]\ntype = redis\nurl = x\ndb = zero\n",
		"[client]\ntransport = carrier_pigeon\n",
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("config accepted:\n%s", content)
				}
			}()
			loadSample(t, content)
		}()
	}
}

func TestGetAndReload(t *testing.T) {
	file := filepath.Join(t.TempDir(), "presents.ini")
	if err := os.WriteFile(file, []byte(sampleConfig), 0644); err != nil {
		t.Fatal(err)
	}
	SetConfigFile(file)
	defer SetConfigFile(_DEFAULT_CONFIG_FILE)

	assert.Equal(t, file, GetConfigFilePath())
	assert.Equal(t, filepath.Dir(file)+"/", GetConfigDir())
	assert.Equal(t, "node1", GetPeer().NodeName)
	assert.Equal(t, "redis_cluster", GetNodeDB().Type)
	assert.Equal(t, "websocket", GetClient().Transport)

	if err := os.WriteFile(file, []byte("[server]\nversion = 2.0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "1.0", GetServer().Version)
	assert.Equal(t, "2.0", Reload().Server.Version)
}
