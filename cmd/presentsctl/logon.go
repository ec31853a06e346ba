package main

import (
	"sort"
	"time"

	"github.com/xiaonanln/gopresents"
	"github.com/xiaonanln/gopresents/engine/client"
	"github.com/xiaonanln/gopresents/engine/config"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/proto"
)

const logonTimeout = 10 * time.Second

// logonProbe logs on, shows the bootstrap data and logs off
type logonProbe struct {
	client.SessionAdapter
	omgr *dobj.Manager
	err  error
}

func (lp *logonProbe) ClientDidLogon(c *client.Client) {
	bootstrap := c.Bootstrap()
	showMsg("logged on to %s as %s: connection %d, client object %d, clock delta %s",
		c.ServerAddr(), c.Config().Creds.Username(), bootstrap.ConnectionID, bootstrap.ClientOid, c.ServerTimeDelta())

	names := make([]string, 0, len(bootstrap.Objects))
	for name := range bootstrap.Objects {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		showMsg("\tobject  %-16s%d", name, bootstrap.Objects[name])
	}
	names = names[:0]
	for name := range bootstrap.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		showMsg("\tservice %-16s%v", name, bootstrap.Services[name])
	}
	c.Logoff(false)
}

func (lp *logonProbe) ClientFailedToLogon(c *client.Client, err error) {
	lp.err = err
}

func (lp *logonProbe) ClientConnectionFailed(c *client.Client, err error) {
	lp.err = err
}

func (lp *logonProbe) ClientDidClear(c *client.Client) {
	lp.omgr.Shutdown()
}

func logon(username string, password string) {
	clientConfig := config.GetClient()
	omgr := dobj.NewManager()
	c := gopresents.NewClient(client.Config{
		Host:      clientConfig.Host,
		Port:      clientConfig.Port,
		Transport: clientConfig.Transport,
		Version:   clientConfig.Version,
		Creds:     &proto.UsernamePasswordCreds{User: username, Password: password},
	}, omgr)

	probe := &logonProbe{omgr: omgr}
	omgr.Post(func() {
		c.AddSessionObserver(probe)
		if !c.Logon() {
			showMsg("logon refused by client in state %s", c.State())
			omgr.Shutdown()
		}
	})
	timer := time.AfterFunc(logonTimeout, func() {
		omgr.Post(func() {
			probe.err = errLogonTimeout
			c.Logoff(false)
			omgr.Shutdown()
		})
	})
	omgr.Run()
	timer.Stop()
	checkErrorOrQuit(probe.err, "logon failed")
}
