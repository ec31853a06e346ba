package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/xiaonanln/gopresents"
	"github.com/xiaonanln/gopresents/engine/binutil"
	"github.com/xiaonanln/gopresents/engine/config"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/nodedb"
	"github.com/xiaonanln/gopresents/engine/peer"
	"github.com/xiaonanln/gopresents/engine/server"
)

var (
	configFile      string
	logLevel        string
	runInDaemonMode bool
	sigChan         = make(chan os.Signal, 1)
)

func parseArgs() {
	flag.StringVar(&configFile, "configfile", "", "set config file path")
	flag.StringVar(&logLevel, "log", "", "set log level, will override log level in config")
	flag.BoolVar(&runInDaemonMode, "d", false, "run in daemon mode")
	flag.Parse()
}

func main() {
	parseArgs()
	if runInDaemonMode {
		daemoncontext := binutil.Daemonize()
		defer daemoncontext.Release()
	}

	if configFile != "" {
		config.SetConfigFile(configFile)
	}
	cfg := config.Get()
	serverConfig := &cfg.Server
	if logLevel == "" {
		logLevel = serverConfig.LogLevel
	}
	binutil.SetupGWLog("presentsd", logLevel, serverConfig.LogFile, serverConfig.LogStderr)
	gwlog.Infof("presents config: \n%s", config.DumpPretty(cfg))

	if serverConfig.GoMaxProcs > 0 {
		gwlog.Infof("SET GOMAXPROCS = %d", serverConfig.GoMaxProcs)
		runtime.GOMAXPROCS(serverConfig.GoMaxProcs)
	}

	srv := newServer(serverConfig)
	var pm *peer.PeerManager
	if cfg.Peer.Enabled {
		pm = newPeerManager(srv, serverConfig, &cfg.Peer, &cfg.NodeDB)
	}

	listen(srv, serverConfig)
	binutil.SetupHTTPServer(serverConfig.HTTPAddr, nil)
	srv.Reporter.Start(serverConfig.ReportInterval)
	if pm != nil {
		pm.Start()
	}

	setupSignals(srv, pm)
	srv.Run()
	gwlog.Infof("presentsd stopped")
}

func newServer(serverConfig *config.ServerConfig) *server.Server {
	opts := server.DefaultOptions()
	opts.Version = serverConfig.Version
	opts.MaxFrameSize = serverConfig.MaxFrameSize
	opts.PingInterval = serverConfig.PingInterval
	opts.MaxConnections = serverConfig.MaxConnections

	srv, err := gopresents.NewServer(opts)
	if err != nil {
		gwlog.Fatalf("create server failed: %v", err)
	}

	if serverConfig.AuthUsers != "" {
		users, err := server.ParseStaticUsers(serverConfig.AuthUsers)
		if err != nil {
			gwlog.Fatalf("invalid auth_users: %v", err)
		}
		srv.Connections.AddAuthenticator(server.NewStaticAuthenticator(users))
	} else {
		gwlog.Warnf("auth_users not set, accepting every client")
		srv.Connections.AddAuthenticator(server.DummyAuthenticator{})
	}
	return srv
}

func newPeerManager(srv *server.Server, serverConfig *config.ServerConfig, peerConfig *config.PeerConfig, nodedbConfig *config.NodeDBConfig) *peer.PeerManager {
	pm, err := gopresents.NewPeerManager(srv, nodedb.Config{
		Type:       nodedbConfig.Type,
		URL:        nodedbConfig.Url,
		DB:         nodedbConfig.DB,
		Collection: nodedbConfig.Collection,
		StartNodes: nodedbConfig.StartNodes,
	}, peer.Config{
		NodeName:        peerConfig.NodeName,
		SharedSecret:    peerConfig.SharedSecret,
		Host:            peerConfig.Host,
		PublicHost:      peerConfig.PublicHost,
		Port:            peerPort(peerConfig, serverConfig),
		Version:         serverConfig.Version,
		LockTimeout:     peerConfig.LockTimeout,
		RefreshInterval: peerConfig.RefreshInterval,
	})
	if err != nil {
		gwlog.Fatalf("start peer failed: %v", err)
	}
	return pm
}

// peerPort is the configured peer port, or the port of the tcp listen address
func peerPort(peerConfig *config.PeerConfig, serverConfig *config.ServerConfig) int {
	if peerConfig.Port > 0 {
		return peerConfig.Port
	}
	_, port, err := net.SplitHostPort(serverConfig.ListenAddr)
	if err != nil {
		gwlog.Fatalf("invalid listen_addr %s: %v", serverConfig.ListenAddr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		gwlog.Fatalf("invalid listen_addr %s: %v", serverConfig.ListenAddr, err)
	}
	return p
}

func listen(srv *server.Server, serverConfig *config.ServerConfig) {
	if addr, err := srv.Connections.ListenTCP(serverConfig.ListenAddr); err != nil {
		gwlog.Fatalf("listen tcp on %s failed: %v", serverConfig.ListenAddr, err)
	} else {
		gwlog.Infof("listening for tcp connections on %s", addr)
	}

	if serverConfig.KCPListenAddr != "" {
		if addr, err := srv.Connections.ListenKCP(serverConfig.KCPListenAddr); err != nil {
			gwlog.Fatalf("listen kcp on %s failed: %v", serverConfig.KCPListenAddr, err)
		} else {
			gwlog.Infof("listening for kcp connections on %s", addr)
		}
	}

	if serverConfig.WebSocketAddr != "" {
		if addr, err := srv.Connections.ListenWebSocket(serverConfig.WebSocketAddr); err != nil {
			gwlog.Fatalf("listen websocket on %s failed: %v", serverConfig.WebSocketAddr, err)
		} else {
			gwlog.Infof("listening for websocket connections on %s", addr)
		}
	}

	if serverConfig.DatagramAddr != "" {
		if addr, err := srv.ListenDatagrams(serverConfig.DatagramAddr); err != nil {
			gwlog.Fatalf("listen datagrams on %s failed: %v", serverConfig.DatagramAddr, err)
		} else {
			gwlog.Infof("listening for datagrams on %s", addr)
		}
	}
}

func setupSignals(srv *server.Server, pm *peer.PeerManager) {
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		gwlog.Infof("presentsd: received signal %v, shutting down ...", sig)
		srv.Objects.Post(func() {
			if pm != nil {
				pm.Shutdown()
			}
			srv.Shutdown()
		})
	}()
}
