package peer

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/proto"
	"github.com/xiaonanln/gopresents/engine/server"
)

// PeerCreds authenticate a node with its siblings
type PeerCreds struct {
	NodeName string
	Token    string
}

// NewPeerCreds creates credentials for nodeName signed with the shared secret
func NewPeerCreds(nodeName string, sharedSecret string) (*PeerCreds, error) {
	token, err := createToken(nodeName, sharedSecret)
	if err != nil {
		return nil, err
	}
	return &PeerCreds{NodeName: nodeName, Token: token}, nil
}

// Username returns the session name of the peer
func (c *PeerCreds) Username() string {
	return peerUsername(c.NodeName)
}

func (c *PeerCreds) String() string {
	return fmt.Sprintf("PeerCreds<%s>", c.NodeName)
}

func peerUsername(nodeName string) string {
	return "peer:" + nodeName
}

func createToken(nodeName string, sharedSecret string) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.RegisteredClaims{
		Subject:  nodeName,
		IssuedAt: gojwt.NewNumericDate(time.Now()),
	})
	signed, err := token.SignedString([]byte(sharedSecret))
	if err != nil {
		return "", errors.Wrap(err, "sign peer token")
	}
	return signed, nil
}

// verifyToken checks that token was signed with sharedSecret for nodeName
func verifyToken(token string, nodeName string, sharedSecret string) error {
	claims := &gojwt.RegisteredClaims{}
	_, err := gojwt.ParseWithClaims(token, claims, func(t *gojwt.Token) (interface{}, error) {
		return []byte(sharedSecret), nil
	}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return err
	}
	if claims.Subject != nodeName {
		return errors.Errorf("token of %s presented by %s", claims.Subject, nodeName)
	}
	return nil
}

// PeerAuthenticator accepts PeerCreds signed with the shared secret
type PeerAuthenticator struct {
	nodeName     string
	sharedSecret string
}

var _ server.Authenticator = (*PeerAuthenticator)(nil)

// NewPeerAuthenticator creates the authenticator of node nodeName
func NewPeerAuthenticator(nodeName string, sharedSecret string) *PeerAuthenticator {
	return &PeerAuthenticator{nodeName: nodeName, sharedSecret: sharedSecret}
}

// Handles returns true for PeerCreds
func (pa *PeerAuthenticator) Handles(req *proto.AuthRequest) bool {
	_, ok := req.Creds.(*PeerCreds)
	return ok
}

// Authenticate verifies the token of the peer. The node name is kept as auth data.
func (pa *PeerAuthenticator) Authenticate(req *proto.AuthRequest) (*server.AuthResult, error) {
	creds := req.Creds.(*PeerCreds)
	if creds.NodeName == "" || creds.NodeName == pa.nodeName {
		gwlog.Warnf("peer: refusing peer named %q", creds.NodeName)
		return &server.AuthResult{Code: proto.AuthNoSuchUser}, nil
	}
	if err := verifyToken(creds.Token, creds.NodeName, pa.sharedSecret); err != nil {
		gwlog.Warnf("peer: invalid credentials of %s: %v", creds.NodeName, err)
		return &server.AuthResult{Code: proto.AuthInvalidPassword}, nil
	}
	return &server.AuthResult{
		Code:     proto.AuthSuccess,
		Username: creds.Username(),
		Peer:     true,
		Data:     creds.NodeName,
	}, nil
}
