package server

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/proto"
)

// AuthResult is the outcome of an authentication
type AuthResult struct {
	Code     proto.AuthCode
	Username string
	// Peer sessions are not published as clients
	Peer bool
	// Data is kept on the session for the authenticator's owner
	Data interface{}
}

// Authenticator checks the credentials of an AuthRequest.
//
// Authenticate runs on an async worker and may block.
type Authenticator interface {
	Handles(req *proto.AuthRequest) bool
	Authenticate(req *proto.AuthRequest) (*AuthResult, error)
}

// DummyAuthenticator accepts any username & password credentials
type DummyAuthenticator struct{}

// Handles returns true for username & password credentials
func (DummyAuthenticator) Handles(req *proto.AuthRequest) bool {
	_, ok := req.Creds.(*proto.UsernamePasswordCreds)
	return ok
}

// Authenticate accepts every non-empty username
func (DummyAuthenticator) Authenticate(req *proto.AuthRequest) (*AuthResult, error) {
	creds := req.Creds.(*proto.UsernamePasswordCreds)
	if creds.User == "" {
		return &AuthResult{Code: proto.AuthNoSuchUser}, nil
	}
	return &AuthResult{Code: proto.AuthSuccess, Username: creds.User}, nil
}

// StaticAuthenticator checks username & password credentials against a fixed table
type StaticAuthenticator struct {
	users map[string]string
}

// NewStaticAuthenticator creates an authenticator for users (username => password)
func NewStaticAuthenticator(users map[string]string) *StaticAuthenticator {
	sa := &StaticAuthenticator{users: map[string]string{}}
	for user, password := range users {
		sa.users[user] = password
	}
	return sa
}

// ParseStaticUsers parses "user:password,user:password" lists
func ParseStaticUsers(s string) (map[string]string, error) {
	users := map[string]string{}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		idx := strings.IndexByte(item, ':')
		if idx <= 0 {
			return nil, errors.Errorf("invalid user entry %q", item)
		}
		users[item[:idx]] = item[idx+1:]
	}
	return users, nil
}

// Handles returns true for username & password credentials
func (sa *StaticAuthenticator) Handles(req *proto.AuthRequest) bool {
	_, ok := req.Creds.(*proto.UsernamePasswordCreds)
	return ok
}

// Authenticate checks the password of the user
func (sa *StaticAuthenticator) Authenticate(req *proto.AuthRequest) (*AuthResult, error) {
	creds := req.Creds.(*proto.UsernamePasswordCreds)
	password, ok := sa.users[creds.User]
	if !ok {
		return &AuthResult{Code: proto.AuthNoSuchUser}, nil
	}
	if password != creds.Password {
		return &AuthResult{Code: proto.AuthInvalidPassword}, nil
	}
	return &AuthResult{Code: proto.AuthSuccess, Username: creds.User}, nil
}
