// Package session binds transport connections to client identities. A Conn
// wraps the transport-owned channel and carries the handshake progress for
// that connection; the Registry maps an identified client id to its single
// live connection.
package session

import (
	"context"
	"sync"

	"github.com/courier-im/courier/clock"
	"github.com/courier-im/courier/ids"
	"github.com/courier-im/courier/internal/errs"
	"github.com/courier-im/courier/storage"
)

// Channel is the remote client endpoint, backed by the transport collaborator.
// Calls may block until the supplied context expires and must surface
// failures; the scheduler owns the timeout.
type Channel interface {
	IncomingDelivery(ctx context.Context, d *storage.Delivery, m *storage.Message) error
	OutgoingDelivery(ctx context.Context, d *storage.Delivery) error
	Close() error
}

// Handshake progress, modeled as a closed set of states so illegal
// combinations are unrepresentable. The pending field of awaitingProof holds
// the verifier session owned by the auth package.
type authState interface {
	authState()
}

type stateAnonymous struct{}

type stateRegistering struct {
	clientID ids.ID
}

type stateRegistered struct {
	clientID ids.ID
}

type stateAwaitingProof struct {
	clientID ids.ID
	pending  interface{}
}

type stateIdentified struct {
	clientID ids.ID
}

func (stateAnonymous) authState()     {}
func (stateRegistering) authState()   {}
func (stateRegistered) authState()    {}
func (stateAwaitingProof) authState() {}
func (stateIdentified) authState()    {}

type Conn struct {
	mu             sync.Mutex
	channel        Channel
	state          authState
	registerUsed   bool
	authUsed       bool
	sessionKey     []byte
	lastActivityMs uint64
}

func NewConn(ch Channel, cl clock.Clock) *Conn {
	return &Conn{
		channel:        ch,
		state:          stateAnonymous{},
		lastActivityMs: cl.CurrentTimeMs(),
	}
}

func (c *Conn) Channel() Channel {
	return c.channel
}

func (c *Conn) Touch(cl clock.Clock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityMs = cl.CurrentTimeMs()
}

func (c *Conn) LastActivityMs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivityMs
}

// ClientID returns the bound identity once the connection is identified.
func (c *Conn) ClientID() (ids.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.state.(stateIdentified); ok {
		return s.clientID, true
	}
	return ids.ID{}, false
}

func (c *Conn) Identified() bool {
	_, ok := c.ClientID()
	return ok
}

// SessionKey returns the key derived during the handshake, nil until
// identified.
func (c *Conn) SessionKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey
}

// BeginRegistration issues a generated id to an anonymous connection. Only
// one registration attempt is allowed per connection lifetime.
func (c *Conn) BeginRegistration(clientID ids.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.state.(stateIdentified); ok {
		return errs.ErrAlreadyIdentified
	}
	if c.registerUsed {
		return errs.ErrAttemptUsed
	}
	if _, ok := c.state.(stateAnonymous); !ok {
		return errs.ErrAttemptUsed
	}
	c.registerUsed = true
	c.state = stateRegistering{clientID: clientID}
	return nil
}

// CompleteRegistration moves a registering connection to registered and
// returns the id issued by BeginRegistration.
func (c *Conn) CompleteRegistration() (ids.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.state.(stateIdentified); ok {
		return ids.ID{}, errs.ErrAlreadyIdentified
	}
	s, ok := c.state.(stateRegistering)
	if !ok {
		return ids.ID{}, errs.ErrNoPendingRegistration
	}
	c.state = stateRegistered{clientID: s.clientID}
	return s.clientID, nil
}

// BeginAuth records the single authentication attempt for this connection
// along with the pending verifier session.
func (c *Conn) BeginAuth(clientID ids.ID, pending interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.state.(stateIdentified); ok {
		return errs.ErrAlreadyIdentified
	}
	if c.authUsed {
		return errs.ErrAttemptUsed
	}
	c.authUsed = true
	c.state = stateAwaitingProof{clientID: clientID, pending: pending}
	return nil
}

// SetPendingAuth replaces the pending verifier session once credentials have
// been derived. No-op unless the connection is awaiting a proof.
func (c *Conn) SetPendingAuth(pending interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.state.(stateAwaitingProof); ok {
		s.pending = pending
		c.state = s
	}
}

// PendingAuth returns the state deposited by BeginAuth.
func (c *Conn) PendingAuth() (ids.ID, interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.state.(stateAwaitingProof); ok {
		return s.clientID, s.pending, true
	}
	return ids.ID{}, nil, false
}

// CompleteAuth binds the connection to clientID and retains the derived
// session key. The transient verifier session is discarded.
func (c *Conn) CompleteAuth(clientID ids.ID, sessionKey []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.state.(stateAwaitingProof); !ok {
		return errs.ErrNotIdentified
	}
	c.state = stateIdentified{clientID: clientID}
	c.sessionKey = sessionKey
	return nil
}

// FailAuth discards the transient handshake state. The attempt stays
// consumed; a new connection is required to retry.
func (c *Conn) FailAuth() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.state.(stateAwaitingProof); ok {
		c.state = stateAnonymous{}
	}
}

func (c *Conn) Close() error {
	return c.channel.Close()
}
