// Package auth implements the challenge-response handshake which binds an
// anonymous connection to a client identity. The handshake is SRP-6a, so the
// server never observes the client's secret; it stores only the salt and
// verifier supplied at registration.
package auth

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/courier-im/courier/clock"
	"github.com/courier-im/courier/config"
	"github.com/courier-im/courier/ids"
	"github.com/courier-im/courier/internal/errs"
	"github.com/courier-im/courier/session"
	"github.com/courier-im/courier/storage"
	"github.com/tadglines/go-pkgs/crypto/srp"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

const srpGroup = "rfc5054.2048"

var sessionKeyInfo = []byte("COURIER_SESSION_KEY")

// Credentials are the server's phase-1 reply: the stored salt and the server
// public ephemeral B.
type Credentials struct {
	Salt []byte
	B    []byte
}

type pendingAuth struct {
	session *srp.ServerSession
	secret  []byte
}

type Handshake struct {
	config     *config.Config
	log        *zap.SugaredLogger
	store      storage.Store
	registry   *session.Registry
	clock      clock.Clock
	srp        *srp.SRP
	identified func(ids.ID)
}

// NewHandshake constructs the handshake. identified is invoked after a
// connection binds to a client id, typically to wake the delivery scheduler.
func NewHandshake(c *config.Config, store storage.Store, registry *session.Registry, cl clock.Clock, identified func(ids.ID)) (*Handshake, error) {
	s, err := srp.NewSRP(srpGroup, sha256.New, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: error creating srp group: %w", err)
	}
	if identified == nil {
		identified = func(ids.ID) {}
	}
	return &Handshake{
		config:     c,
		log:        c.Logger("auth/handshake"),
		store:      store,
		registry:   registry,
		clock:      cl,
		srp:        s,
		identified: identified,
	}, nil
}

// SRP exposes the group parameters so clients and tests derive compatible
// verifiers.
func (h *Handshake) SRP() *srp.SRP {
	return h.srp
}

// GenerateID issues a fresh random identifier and moves the connection into
// its registration attempt.
func (h *Handshake) GenerateID(conn *session.Conn) (ids.ID, error) {
	id := ids.NewID()
	if err := conn.BeginRegistration(id); err != nil {
		return ids.ID{}, err
	}
	h.log.Debugf("issued id %s", id)
	return id, nil
}

// Register persists a new client identity with the supplied verifier and
// salt. Allowed only after GenerateID on the same connection.
func (h *Handshake) Register(ctx context.Context, conn *session.Conn, verifier, salt []byte) (ids.ID, error) {
	clientID, err := conn.CompleteRegistration()
	if err != nil {
		return ids.ID{}, err
	}
	if err := h.store.CreateClient(ctx, &storage.Client{
		ID:       clientID,
		Salt:     salt,
		Verifier: verifier,
	}); err != nil {
		return ids.ID{}, fmt.Errorf("auth: error creating client: %w", err)
	}
	h.log.Debugf("registered client %s", clientID)
	return clientID, nil
}

// Phase1 consumes the connection's single authentication attempt, loads the
// stored verifier and derives server credentials from the client public
// ephemeral A.
func (h *Handshake) Phase1(ctx context.Context, conn *session.Conn, clientID ids.ID, a []byte) (*Credentials, error) {
	if err := conn.BeginAuth(clientID, nil); err != nil {
		return nil, err
	}

	client, err := h.store.Client(ctx, clientID)
	if err != nil {
		conn.FailAuth()
		return nil, errs.ErrUnknownClient
	}
	if len(client.Verifier) == 0 || len(client.Salt) == 0 {
		conn.FailAuth()
		return nil, errs.ErrNoVerifier
	}

	ss := h.srp.NewServerSession(clientID[:], client.Salt, client.Verifier)
	secret, err := ss.ComputeKey(a)
	if err != nil {
		conn.FailAuth()
		return nil, fmt.Errorf("auth: error computing shared secret: %w", err)
	}
	conn.SetPendingAuth(&pendingAuth{session: ss, secret: secret})

	return &Credentials{Salt: client.Salt, B: ss.GetB()}, nil
}

// Phase2 verifies the client proof M1. On success the connection is bound in
// the registry and the server proof M2 is returned; on failure the attempt
// stays consumed and a new connection is required. Transient handshake state
// is discarded either way.
func (h *Handshake) Phase2(conn *session.Conn, m1 []byte) ([]byte, error) {
	clientID, pending, ok := conn.PendingAuth()
	if !ok {
		return nil, errs.ErrNoPendingAuth
	}
	pa, ok := pending.(*pendingAuth)
	if !ok || pa == nil {
		conn.FailAuth()
		return nil, errs.ErrNoPendingAuth
	}

	if !pa.session.VerifyClientAuthenticator(m1) {
		conn.FailAuth()
		h.log.Warnf("proof mismatch for %s", clientID)
		return nil, errs.ErrProofMismatch
	}

	m2 := pa.session.ComputeAuthenticator(m1)
	key, err := deriveSessionKey(pa.secret)
	if err != nil {
		conn.FailAuth()
		return nil, err
	}

	if err := conn.CompleteAuth(clientID, key); err != nil {
		return nil, err
	}
	h.registry.Identified(clientID, conn)
	h.log.Debugf("identified connection as %s", clientID)
	h.identified(clientID)
	return m2, nil
}

func deriveSessionKey(secret []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, sessionKeyInfo), key); err != nil {
		return nil, fmt.Errorf("auth: error deriving session key: %w", err)
	}
	return key, nil
}
