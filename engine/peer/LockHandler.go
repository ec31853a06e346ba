package peer

import (
	"fmt"

	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/gwutils"
	"github.com/xiaonanln/gopresents/engine/post"
)

// LockResultFunc receives the owner of a lock once it is resolved; "" means no owner
type LockResultFunc func(owner string)

// lockHandler tracks a lock in resolution.
//
// A local handler acts for this node: it published its intent and waits until every peer
// subscribed to the node object at that time ratified it, unsubscribed or the timeout expired.
// A remote handler ratified the intent of a peer and waits for the peer to commit it.
type lockHandler struct {
	pm        *PeerManager
	peer      *PeerNode
	lock      Lock
	acquire   bool
	listeners []LockResultFunc

	remaining map[dobj.Oid]bool
	timeout   *post.Interval
	listening bool
	done      bool
}

var _ dobj.Listener = (*lockHandler)(nil)

func newLocalLockHandler(pm *PeerManager, lock Lock, acquire bool, f LockResultFunc) *lockHandler {
	h := &lockHandler{
		pm:        pm,
		lock:      lock,
		acquire:   acquire,
		listeners: []LockResultFunc{f},
		remaining: map[dobj.Oid]bool{},
	}
	if acquire {
		pm.nodeobj.SetAttribute(NodeAcquiringLock, &lock)
	} else {
		pm.nodeobj.SetAttribute(NodeReleasingLock, &lock)
	}
	for oid := range pm.suboids {
		h.remaining[oid] = true
	}
	h.timeout = pm.omgr.NewInterval(func() {
		if h.done {
			return
		}
		gwlog.Warnf("peer: %s timed out waiting for %d ratifications, acting anyway", h, len(h.remaining))
		h.activate()
	})
	h.timeout.Schedule(pm.cfg.LockTimeout, false)
	if consts.DEBUG_LOCKS {
		gwlog.Debugf("peer: %s waiting for %d ratifications", h, len(h.remaining))
	}
	return h
}

func newRemoteLockHandler(pm *PeerManager, peer *PeerNode, lock Lock, acquire bool) *lockHandler {
	h := &lockHandler{
		pm:      pm,
		peer:    peer,
		lock:    lock,
		acquire: acquire,
	}
	peer.ratifyLockAction(lock, acquire)
	peer.nodeobj.AddListener(h)
	h.listening = true

	// the peer may give up its intent without ever committing it
	h.timeout = pm.omgr.NewInterval(func() {
		if h.done {
			return
		}
		owner := pm.LockOwner(lock)
		gwlog.Warnf("peer: %s never committed, resolving to %q", h, owner)
		h.resolve(owner)
	})
	h.timeout.Schedule(pm.cfg.LockTimeout*2, false)
	return h
}

func (h *lockHandler) String() string {
	action := "release"
	if h.acquire {
		action = "acquire"
	}
	return fmt.Sprintf("lockHandler<%s %s by %s>", action, h.lock, h.nodeName())
}

// nodeName returns the name of the node performing the action
func (h *lockHandler) nodeName() string {
	if h.peer == nil {
		return h.pm.cfg.NodeName
	}
	return h.peer.Name()
}

func (h *lockHandler) isLocal() bool {
	return h.peer == nil
}

func (h *lockHandler) addListener(f LockResultFunc) {
	h.listeners = append(h.listeners, f)
}

// ratify records the ratification of the peer whose client object is callerOid
func (h *lockHandler) ratify(callerOid dobj.Oid, acquire bool) {
	if acquire != h.acquire || h.done {
		return
	}
	if !h.remaining[callerOid] {
		gwlog.Warnf("peer: %s received unexpected ratification from %d", h, callerOid)
		return
	}
	delete(h.remaining, callerOid)
	h.maybeActivate()
}

// clientUnsubscribed counts the departure of a peer as its ratification
func (h *lockHandler) clientUnsubscribed(callerOid dobj.Oid) {
	if h.remaining[callerOid] {
		delete(h.remaining, callerOid)
		h.maybeActivate()
	}
}

// peerDidLogoff resolves a remote handler whose node went away
func (h *lockHandler) peerDidLogoff() {
	h.resolve("")
}

// hijacked resolves the handler to nodeName, which claims the lock
func (h *lockHandler) hijacked(nodeName string) {
	h.resolve(nodeName)
}

// cancel stops the handler without notifying its listeners
func (h *lockHandler) cancel() {
	h.done = true
	h.timeout.Cancel()
	if h.listening {
		h.listening = false
		if h.peer.nodeobj.DObject != nil {
			h.peer.nodeobj.RemoveListener(h)
		}
	}
	if h.pm.locks[h.lock] == h {
		delete(h.pm.locks, h.lock)
	}
}

func (h *lockHandler) maybeActivate() {
	if len(h.remaining) == 0 {
		h.activate()
	}
}

func (h *lockHandler) activate() {
	if h.acquire {
		h.pm.commitLock(h.lock)
		h.resolve(h.pm.cfg.NodeName)
	} else {
		h.pm.uncommitLock(h.lock)
		h.resolve("")
	}
}

func (h *lockHandler) resolve(owner string) {
	if h.done {
		return
	}
	h.cancel()
	if consts.DEBUG_LOCKS {
		gwlog.Debugf("peer: %s resolved to %q", h, owner)
	}
	for _, f := range h.listeners {
		gwutils.RunPanicless(func() {
			f(owner)
		})
	}
}

// EventReceived watches the lock set of the peer of a remote handler
func (h *lockHandler) EventReceived(event dobj.Event) bool {
	if h.done {
		return false
	}
	switch e := event.(type) {
	case *dobj.EntryAddedEvent:
		if h.acquire && e.Name == NodeLocks && e.Entry.Key() == h.lock.Key() {
			h.listening = false
			h.resolve(h.peer.Name())
			return false
		}
	case *dobj.EntryRemovedEvent:
		if !h.acquire && e.Name == NodeLocks && e.Key == h.lock.Key() {
			h.listening = false
			h.resolve("")
			return false
		}
	case *dobj.EntryUpdatedEvent:
		// the peer reacquired the lock it was releasing
		if !h.acquire && e.Name == NodeLocks && e.Entry.Key() == h.lock.Key() {
			h.listening = false
			h.resolve(h.peer.Name())
			return false
		}
	}
	return true
}
