package gopresents

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/client"
	"github.com/xiaonanln/gopresents/engine/nodedb"
	"github.com/xiaonanln/gopresents/engine/peer"
	"github.com/xiaonanln/gopresents/engine/post"
	"github.com/xiaonanln/gopresents/engine/proto"
	"github.com/xiaonanln/gopresents/engine/server"
	"github.com/xiaonanln/gopresents/engine/streaming"
)

// NewRegistry returns a registry with the protocol and peer classes registered
func NewRegistry() *streaming.Registry {
	reg := proto.NewRegistry()
	peer.RegisterClasses(reg)
	return reg
}

// NewServer creates a server using a registry from NewRegistry
func NewServer(opts server.Options) (*server.Server, error) {
	return server.NewServer(opts, NewRegistry())
}

// NewClient creates a client whose callbacks run on poster
func NewClient(cfg client.Config, poster post.Poster) *client.Client {
	return client.New(cfg, NewRegistry(), poster)
}

// NewPeerManager opens the node repository and creates the peer manager of srv. Call Start on
// the returned manager once srv listens on the peer port.
func NewPeerManager(srv *server.Server, dbcfg nodedb.Config, cfg peer.Config) (*peer.PeerManager, error) {
	repo, err := nodedb.Open(dbcfg)
	if err != nil {
		return nil, err
	}
	pm, err := peer.NewPeerManager(srv, repo, cfg)
	if err != nil {
		repo.Close()
		return nil, errors.Wrap(err, "create peer manager")
	}
	return pm, nil
}
