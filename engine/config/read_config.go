package config

import (
	"encoding/json"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-ini/ini"
	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/netutil"
)

const (
	_DEFAULT_CONFIG_FILE = "presents.ini"
	_DEFAULT_LISTEN_ADDR = "0.0.0.0:47624"
	_DEFAULT_LOCALHOST   = "127.0.0.1"
	_DEFAULT_PORT        = 47624
	_DEFAULT_LOG_LEVEL   = "info"
	_DEFAULT_NODEDB_DB   = "presents"
	_DEFAULT_COLLECTION  = "nodes"
)

var (
	configFilePath = _DEFAULT_CONFIG_FILE
	presentsConfig *PresentsConfig
	configLock     sync.Mutex
)

// ServerConfig defines fields of the [server] section
type ServerConfig struct {
	Version        string
	ListenAddr     string
	KCPListenAddr  string
	WebSocketAddr  string
	DatagramAddr   string
	HTTPAddr       string
	MaxConnections int
	MaxFrameSize   int
	PingInterval   time.Duration
	ReportInterval time.Duration
	LogFile        string
	LogStderr      bool
	LogLevel       string
	GoMaxProcs     int
	// AuthUsers is a user:password,... list checked by a static authenticator
	AuthUsers string
}

// PeerConfig defines fields of the [peer] section
type PeerConfig struct {
	Enabled         bool
	NodeName        string
	SharedSecret    string
	Host            string
	PublicHost      string
	Port            int
	LockTimeout     time.Duration
	RefreshInterval time.Duration
}

// NodeDBConfig defines fields of the [nodedb] section
type NodeDBConfig struct {
	Type       string // memory, redis, redis_cluster, mongodb or sqlite
	Url        string
	DB         string
	Collection string
	StartNodes []string
}

// ClientConfig defines fields of the [client] section
type ClientConfig struct {
	Host      string
	Port      int
	Transport string
	Version   string
}

// PresentsConfig defines the whole config file structure
type PresentsConfig struct {
	Server ServerConfig
	Peer   PeerConfig
	NodeDB NodeDBConfig
	Client ClientConfig
}

// SetConfigFile sets the config file path (presents.ini by default)
func SetConfigFile(f string) {
	configLock.Lock()
	configFilePath = f
	presentsConfig = nil
	configLock.Unlock()
}

// GetConfigDir returns the directory of the config file
func GetConfigDir() string {
	dir, _ := path.Split(configFilePath)
	return dir
}

// GetConfigFilePath returns the config file path
func GetConfigFilePath() string {
	return configFilePath
}

// Get returns the config, reading the config file on first use
func Get() *PresentsConfig {
	configLock.Lock()
	defer configLock.Unlock()
	if presentsConfig == nil {
		presentsConfig = readPresentsConfig()
	}
	return presentsConfig
}

// Reload forces the config file to be read again
func Reload() *PresentsConfig {
	configLock.Lock()
	presentsConfig = nil
	configLock.Unlock()

	return Get()
}

// Default returns the config used when there is no config file
func Default() *PresentsConfig {
	var config PresentsConfig
	empty := ini.Empty()
	readServerConfig(empty.Section("server"), &config.Server)
	readPeerConfig(empty.Section("peer"), &config.Peer)
	readNodeDBConfig(empty.Section("nodedb"), &config.NodeDB)
	readClientConfig(empty.Section("client"), &config.Client)
	return &config
}

// GetServer returns the server config
func GetServer() *ServerConfig {
	return &Get().Server
}

// GetPeer returns the peer config
func GetPeer() *PeerConfig {
	return &Get().Peer
}

// GetNodeDB returns the node repository config
func GetNodeDB() *NodeDBConfig {
	return &Get().NodeDB
}

// GetClient returns the client config
func GetClient() *ClientConfig {
	return &Get().Client
}

// DumpPretty format config to string in pretty format
func DumpPretty(cfg interface{}) string {
	s, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return err.Error()
	}
	return string(s)
}

func readPresentsConfig() *PresentsConfig {
	gwlog.Infof("Using config file: %s", configFilePath)
	iniFile, err := ini.Load(configFilePath)
	checkConfigError(err, "")
	return parseConfig(iniFile)
}

func parseConfig(iniFile *ini.File) *PresentsConfig {
	var config PresentsConfig
	readServerConfig(iniFile.Section("server"), &config.Server)
	readPeerConfig(iniFile.Section("peer"), &config.Peer)
	readNodeDBConfig(iniFile.Section("nodedb"), &config.NodeDB)
	readClientConfig(iniFile.Section("client"), &config.Client)

	for _, sec := range iniFile.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		switch strings.ToLower(sec.Name()) {
		case "server", "peer", "nodedb", "client":
		default:
			gwlog.Errorf("unknown section: %s", sec.Name())
		}
	}

	validateConfig(&config)
	return &config
}

func readServerConfig(sec *ini.Section, sc *ServerConfig) {
	sc.ListenAddr = _DEFAULT_LISTEN_ADDR
	sc.MaxConnections = consts.DEFAULT_MAX_CONNECTIONS
	sc.MaxFrameSize = consts.MAX_FRAME_SIZE
	sc.PingInterval = consts.PING_INTERVAL
	sc.ReportInterval = consts.DEFAULT_REPORT_INTERVAL
	sc.LogFile = "presents.log"
	sc.LogStderr = true
	sc.LogLevel = _DEFAULT_LOG_LEVEL

	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "version" {
			sc.Version = key.MustString(sc.Version)
		} else if name == "listen_addr" {
			sc.ListenAddr = key.MustString(sc.ListenAddr)
		} else if name == "kcp_listen_addr" {
			sc.KCPListenAddr = key.MustString(sc.KCPListenAddr)
		} else if name == "websocket_addr" {
			sc.WebSocketAddr = key.MustString(sc.WebSocketAddr)
		} else if name == "datagram_addr" {
			sc.DatagramAddr = key.MustString(sc.DatagramAddr)
		} else if name == "http_addr" {
			sc.HTTPAddr = key.MustString(sc.HTTPAddr)
		} else if name == "max_connections" {
			sc.MaxConnections = key.MustInt(sc.MaxConnections)
		} else if name == "max_frame_size" {
			sc.MaxFrameSize = key.MustInt(sc.MaxFrameSize)
		} else if name == "ping_interval" {
			sc.PingInterval = time.Second * time.Duration(key.MustInt(int(sc.PingInterval/time.Second)))
		} else if name == "report_interval" {
			sc.ReportInterval = time.Second * time.Duration(key.MustInt(int(sc.ReportInterval/time.Second)))
		} else if name == "log_file" {
			sc.LogFile = key.MustString(sc.LogFile)
		} else if name == "log_stderr" {
			sc.LogStderr = key.MustBool(sc.LogStderr)
		} else if name == "log_level" {
			sc.LogLevel = key.MustString(sc.LogLevel)
		} else if name == "gomaxprocs" {
			sc.GoMaxProcs = key.MustInt(sc.GoMaxProcs)
		} else if name == "auth_users" {
			sc.AuthUsers = key.MustString(sc.AuthUsers)
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func readPeerConfig(sec *ini.Section, pc *PeerConfig) {
	pc.Host = _DEFAULT_LOCALHOST
	pc.Port = _DEFAULT_PORT
	pc.LockTimeout = consts.LOCK_TIMEOUT
	pc.RefreshInterval = consts.PEER_REFRESH_INTERVAL

	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "enabled" {
			pc.Enabled = key.MustBool(pc.Enabled)
		} else if name == "node_name" {
			pc.NodeName = key.MustString(pc.NodeName)
		} else if name == "shared_secret" {
			pc.SharedSecret = key.MustString(pc.SharedSecret)
		} else if name == "host" {
			pc.Host = key.MustString(pc.Host)
		} else if name == "public_host" {
			pc.PublicHost = key.MustString(pc.PublicHost)
		} else if name == "port" {
			pc.Port = key.MustInt(pc.Port)
		} else if name == "lock_timeout" {
			pc.LockTimeout = time.Millisecond * time.Duration(key.MustInt(int(pc.LockTimeout/time.Millisecond)))
		} else if name == "refresh_interval" {
			pc.RefreshInterval = time.Second * time.Duration(key.MustInt(int(pc.RefreshInterval/time.Second)))
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func readNodeDBConfig(sec *ini.Section, config *NodeDBConfig) {
	config.Type = "memory"
	config.DB = ""
	config.Collection = _DEFAULT_COLLECTION

	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "type" {
			config.Type = key.MustString(config.Type)
		} else if name == "url" {
			config.Url = key.MustString(config.Url)
		} else if name == "db" {
			config.DB = key.MustString(config.DB)
		} else if name == "collection" {
			config.Collection = key.MustString(config.Collection)
		} else if name == "start_nodes" {
			for _, node := range strings.Split(key.MustString(""), ",") {
				if node = strings.TrimSpace(node); node != "" {
					config.StartNodes = append(config.StartNodes, node)
				}
			}
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}

	if config.DB == "" {
		if config.Type == "redis" {
			config.DB = "0"
		} else if config.Type == "mongodb" {
			config.DB = _DEFAULT_NODEDB_DB
		}
	}
}

func readClientConfig(sec *ini.Section, cc *ClientConfig) {
	cc.Host = _DEFAULT_LOCALHOST
	cc.Port = _DEFAULT_PORT
	cc.Transport = netutil.TransportTCP

	for _, key := range sec.Keys() {
		name := strings.ToLower(key.Name())
		if name == "host" {
			cc.Host = key.MustString(cc.Host)
		} else if name == "port" {
			cc.Port = key.MustInt(cc.Port)
		} else if name == "transport" {
			cc.Transport = key.MustString(cc.Transport)
		} else if name == "version" {
			cc.Version = key.MustString(cc.Version)
		} else {
			gwlog.Panicf("section %s has unknown key: %s", sec.Name(), key.Name())
		}
	}
}

func checkConfigError(err error, msg string) {
	if err != nil {
		if msg == "" {
			msg = err.Error()
		}
		gwlog.Panicf("read config error: %s", msg)
	}
}

func validateNodeDBConfig(config *NodeDBConfig) {
	switch config.Type {
	case "memory":
	case "redis":
		if config.Url == "" {
			gwlog.Panicf("url is not set in %s nodedb config", config.Type)
		}
		if _, err := strconv.Atoi(config.DB); err != nil {
			gwlog.Panic(errors.Wrap(err, "redis db must be integer"))
		}
	case "redis_cluster":
		if len(config.StartNodes) == 0 {
			gwlog.Panicf("must have at least 1 start_nodes for [nodedb].redis_cluster")
		}
	case "mongodb", "sqlite":
		if config.Url == "" {
			gwlog.Panicf("url is not set in %s nodedb config", config.Type)
		}
	default:
		gwlog.Panicf("unknown nodedb type: %s", config.Type)
	}
}

func validateConfig(config *PresentsConfig) {
	switch config.Client.Transport {
	case netutil.TransportTCP, netutil.TransportKCP, netutil.TransportWebSocket:
	default:
		gwlog.Panicf("unknown client transport: %s", config.Client.Transport)
	}
	if !config.Peer.Enabled {
		return
	}
	if config.Peer.NodeName == "" {
		gwlog.Panicf("node_name is not set in peer config")
	}
	if config.Peer.SharedSecret == "" {
		gwlog.Panicf("shared_secret is not set in peer config")
	}
	validateNodeDBConfig(&config.NodeDB)
}
