package invocation

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/gwutils"
)

// Dispatcher unpacks requests for one provider and calls it.
//
// Dispatch runs on the object manager loop. Returning an error fails the request; otherwise the
// provider answers through rsp, now or later.
type Dispatcher interface {
	Dispatch(caller *dobj.DObject, methodID int32, args []interface{}, rsp *Responder) error
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(caller *dobj.DObject, methodID int32, args []interface{}, rsp *Responder) error

// Dispatch calls f
func (f DispatcherFunc) Dispatch(caller *dobj.DObject, methodID int32, args []interface{}, rsp *Responder) error {
	return f(caller, methodID, args, rsp)
}

type registration struct {
	name       string
	group      string
	dispatcher Dispatcher
	marshaller *Marshaller
}

// Manager owns the invocation object and routes the requests posted to it to dispatchers
type Manager struct {
	omgr      *dobj.Manager
	invObj    *dobj.DObject
	listener  dobj.Listener
	nextCode  int32
	providers map[int32]*registration
}

// NewManager creates the invocation object. It must be called on the loop of omgr or before
// the loop runs.
func NewManager(omgr *dobj.Manager) (*Manager, error) {
	im := &Manager{
		omgr:      omgr,
		invObj:    dobj.NewDObject("invocation", nil),
		providers: map[int32]*registration{},
	}
	if _, err := omgr.RegisterObject(im.invObj); err != nil {
		return nil, errors.Wrap(err, "register invocation object")
	}
	im.listener = dobj.ListenerFunc(im.eventReceived)
	im.invObj.AddListener(im.listener)
	return im, nil
}

// InvOid returns the oid requests are posted to
func (im *Manager) InvOid() dobj.Oid {
	return im.invObj.Oid()
}

// RegisterDispatcher registers a provider under name in a bootstrap group and returns the
// marshaller callers use to reach it
func (im *Manager) RegisterDispatcher(name string, group string, dispatcher Dispatcher) *Marshaller {
	im.nextCode++
	reg := &registration{
		name:       name,
		group:      group,
		dispatcher: dispatcher,
		marshaller: &Marshaller{InvOid: im.InvOid(), InvCode: im.nextCode},
	}
	im.providers[reg.marshaller.InvCode] = reg
	gwlog.Debugf("invocation: registered %s in group %s as %s", name, group, reg.marshaller)
	return reg.marshaller
}

// ClearDispatcher removes the provider behind m
func (im *Manager) ClearDispatcher(m *Marshaller) {
	if m == nil {
		return
	}
	if _, ok := im.providers[m.InvCode]; !ok {
		gwlog.Warnf("invocation: clearing unknown dispatcher %s", m)
		return
	}
	delete(im.providers, m.InvCode)
}

// BootstrapServices returns the marshallers of the providers registered in groups, by name
func (im *Manager) BootstrapServices(groups []string) map[string]*Marshaller {
	wanted := map[string]bool{GlobalGroup: true}
	for _, g := range groups {
		wanted[g] = true
	}
	codes := make([]int, 0, len(im.providers))
	for code := range im.providers {
		codes = append(codes, int(code))
	}
	sort.Ints(codes)

	services := map[string]*Marshaller{}
	for _, code := range codes {
		reg := im.providers[int32(code)]
		if wanted[reg.group] {
			services[reg.name] = reg.marshaller
		}
	}
	return services
}

func (im *Manager) eventReceived(event dobj.Event) bool {
	e, ok := event.(*dobj.MessageEvent)
	if !ok || e.Name != RequestMessage {
		return true
	}
	invCode, methodID, requestID, args, err := parseRequest(e)
	if err != nil {
		gwlog.Warnf("invocation: %v", err)
		return true
	}

	rsp := &Responder{omgr: im.omgr, callerOid: e.SourceOid(), requestID: requestID}
	caller := im.omgr.Lookup(e.SourceOid())
	if caller == nil {
		gwlog.Warnf("invocation: request %d:%d from missing caller %d dropped", invCode, methodID, e.SourceOid())
		return true
	}
	reg := im.providers[invCode]
	if reg == nil {
		gwlog.Warnf("invocation: request for unknown dispatcher %d from %s", invCode, caller)
		rsp.Failed(InternalError)
		return true
	}
	if consts.DEBUG_MESSAGES {
		gwlog.Debugf("invocation: %s.%d%v from %s", reg.name, methodID, args, caller)
	}

	err = gwutils.CatchPanic(func() error {
		return reg.dispatcher.Dispatch(caller, methodID, args, rsp)
	})
	if err != nil {
		if _, named := errors.Cause(err).(*Error); !named {
			gwlog.Errorf("invocation: %s.%d from %s failed: %v", reg.name, methodID, caller, err)
		}
		rsp.Failed(FailureReason(err))
	}
	return true
}

// Responder answers one request. Only the first answer is sent.
type Responder struct {
	omgr      dobj.ObjectManager
	callerOid dobj.Oid
	requestID int32
	answered  bool
}

// CallerOid returns the oid of the requesting client object
func (r *Responder) CallerOid() dobj.Oid {
	return r.callerOid
}

// Processed reports success with an optional result
func (r *Responder) Processed(result interface{}) {
	r.respond(result, "")
}

// Failed reports a named failure
func (r *Responder) Failed(reason string) {
	if reason == "" {
		reason = InternalError
	}
	r.respond(nil, reason)
}

func (r *Responder) respond(result interface{}, reason string) {
	if r.answered {
		gwlog.Warnf("invocation: request %d of %d answered twice", r.requestID, r.callerOid)
		return
	}
	r.answered = true
	if r.requestID == 0 { // fire and forget
		return
	}
	r.omgr.PostEvent(newResponseEvent(r.callerOid, r.requestID, result, reason))
}
