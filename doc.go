/*
GoPresents is a middleware runtime for networked games. Game state lives in distributed objects (DObjects) that
clients subscribe to. Every change to an object is an event, and events are applied and fanned out to the subscribers
in a single thread per process.

Objects and events

A DObject is a bag of named attributes, set-valued attributes (DSets) and typed event listeners. Changes are made by
posting events (AttributeChanged, EntryAdded, EntryUpdated, EntryRemoved, MessageEvent, ObjectDestroyed) to the
object manager, which applies them in order and notifies the listeners and subscribers of the object.

Sessions

Clients connect over TCP, KCP or WebSocket, authenticate and receive a bootstrap with their client object and the
invocation services they may call. The connection keeps a measured clock delta to the server and is closed when it
stays idle for too long.

Peers

Servers that share a node repository (memory, redis, redis cluster, mongodb or sqlite) discover each other and
connect as clients of one another. On top of the peer mesh they provide cluster wide locks, a client registry, node
actions and stale cache broadcasts.

Run a server

	import "github.com/xiaonanln/gopresents"

	func main() {
		srv, err := gopresents.NewServer(server.DefaultOptions())
		if err != nil {
			panic(err)
		}
		srv.Connections.AddAuthenticator(server.DummyAuthenticator{})
		srv.Connections.ListenTCP(":47624")
		srv.Run()
	}

Configuration

cmd/presentsd uses `presents.ini` as the default config file.

*/
package gopresents
