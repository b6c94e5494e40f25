package session

import (
	"sync"

	"github.com/courier-im/courier/config"
	"github.com/courier-im/courier/ids"
	"go.uber.org/zap"
)

// Registry maps an identified client id to its one live connection. It is
// lifecycle-scoped, owned by the server, so tests can instantiate isolated
// instances.
type Registry struct {
	lock  sync.RWMutex
	conns map[ids.ID]*Conn
	log   *zap.SugaredLogger
}

func NewRegistry(c *config.Config) *Registry {
	return &Registry{
		conns: make(map[ids.ID]*Conn),
		log:   c.Logger("session/registry"),
	}
}

// ConnectionOpened notes a new transport connection. Nothing is registered
// until the connection identifies.
func (r *Registry) ConnectionOpened(conn *Conn) {
	r.log.Debugf("connection opened")
}

// ConnectionClosed removes the connection's binding if it is still the live
// one for its client id.
func (r *Registry) ConnectionClosed(conn *Conn) {
	clientID, ok := conn.ClientID()
	if !ok {
		return
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.conns[clientID] == conn {
		delete(r.conns, clientID)
		r.log.Debugf("unregistered connection for %s", clientID)
	}
}

// Identified binds the connection as the single live session for clientID.
// A superseded connection for the same id is closed.
func (r *Registry) Identified(clientID ids.ID, conn *Conn) {
	r.lock.Lock()
	prev := r.conns[clientID]
	r.conns[clientID] = conn
	r.lock.Unlock()

	if prev != nil && prev != conn {
		r.log.Warnf("closing superseded connection for %s", clientID)
		if err := prev.Close(); err != nil {
			r.log.Warnf("error closing superseded connection %#v", err)
		}
	}
}

func (r *Registry) Lookup(clientID ids.ID) (*Conn, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conn, ok := r.conns[clientID]
	return conn, ok
}

func (r *Registry) IsConnected(clientID ids.ID) bool {
	_, ok := r.Lookup(clientID)
	return ok
}
