package invocation

import (
	"sync"

	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/gwlog"
)

// Listener receives the outcome of a request
type Listener interface {
	RequestProcessed(result interface{})
	RequestFailed(reason string)
}

type funcListener struct {
	processed func(result interface{})
	failed    func(reason string)
}

func (fl *funcListener) RequestProcessed(result interface{}) {
	if fl.processed != nil {
		fl.processed(result)
	}
}

func (fl *funcListener) RequestFailed(reason string) {
	if fl.failed != nil {
		fl.failed(reason)
	}
}

// ListenerFuncs returns a Listener calling processed or failed
func ListenerFuncs(processed func(result interface{}), failed func(reason string)) Listener {
	return &funcListener{processed, failed}
}

// Director sends requests on behalf of one client object and routes the responses
type Director struct {
	omgr      dobj.ObjectManager
	clientOid dobj.Oid
	listener  dobj.Listener

	lock          sync.Mutex
	nextRequestID int32
	pending       map[int32]Listener
}

// NewDirector creates a director for the client object clientObj
func NewDirector(omgr dobj.ObjectManager, clientObj *dobj.DObject) *Director {
	d := &Director{
		omgr:      omgr,
		clientOid: clientObj.Oid(),
		pending:   map[int32]Listener{},
	}
	d.listener = dobj.ListenerFunc(d.eventReceived)
	clientObj.AddListener(d.listener)
	return d
}

// ClientOid returns the oid requests are sent from
func (d *Director) ClientOid() dobj.Oid {
	return d.clientOid
}

// Invoke sends a request to the provider behind m. A nil listener sends it fire-and-forget.
func (d *Director) Invoke(m *Marshaller, methodID int32, args []interface{}, listener Listener) {
	var requestID int32
	if listener != nil {
		d.lock.Lock()
		d.nextRequestID++
		if d.nextRequestID <= 0 {
			d.nextRequestID = 1
		}
		requestID = d.nextRequestID
		d.pending[requestID] = listener
		d.lock.Unlock()
	}
	d.omgr.PostEvent(newRequestEvent(m, d.clientOid, methodID, requestID, args))
}

// PendingCount returns the number of requests waiting for a response
func (d *Director) PendingCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.pending)
}

// Clear fails all pending requests with reason
func (d *Director) Clear(reason string) {
	d.lock.Lock()
	pending := d.pending
	d.pending = map[int32]Listener{}
	d.lock.Unlock()
	for _, l := range pending {
		l.RequestFailed(reason)
	}
}

func (d *Director) eventReceived(event dobj.Event) bool {
	e, ok := event.(*dobj.MessageEvent)
	if !ok || e.Name != ResponseMessage {
		return true
	}
	requestID, result, reason, err := parseResponse(e)
	if err != nil {
		gwlog.Warnf("invocation: %v", err)
		return true
	}

	d.lock.Lock()
	l := d.pending[requestID]
	delete(d.pending, requestID)
	d.lock.Unlock()
	if l == nil {
		gwlog.Warnf("invocation: response to unknown request %d", requestID)
		return true
	}
	if reason != "" {
		l.RequestFailed(reason)
	} else {
		l.RequestProcessed(result)
	}
	return true
}
