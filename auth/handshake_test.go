package auth

import (
	"context"
	"sync"
	"testing"

	"github.com/courier-im/courier/clock"
	"github.com/courier-im/courier/config"
	"github.com/courier-im/courier/ids"
	"github.com/courier-im/courier/internal/errs"
	"github.com/courier-im/courier/session"
	"github.com/courier-im/courier/storage"
	"github.com/stretchr/testify/require"
)

type nullChannel struct {
	mu     sync.Mutex
	closed bool
}

func (n *nullChannel) IncomingDelivery(_ context.Context, _ *storage.Delivery, _ *storage.Message) error {
	return nil
}

func (n *nullChannel) OutgoingDelivery(_ context.Context, _ *storage.Delivery) error {
	return nil
}

func (n *nullChannel) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

type handshakeFixture struct {
	handshake *Handshake
	store     *storage.MemoryStore
	registry  *session.Registry
	clock     *clock.TestClock
	woken     []ids.ID
}

func newFixture(t *testing.T) *handshakeFixture {
	c := config.NewConfig(
		config.WithRootDir(t.TempDir()),
		config.WithLoggingPrefix("test"),
	)
	f := &handshakeFixture{
		store:    storage.NewMemoryStore(),
		registry: session.NewRegistry(c),
		clock:    clock.NewTestClock(1000),
	}
	h, err := NewHandshake(c, f.store, f.registry, f.clock, func(id ids.ID) {
		f.woken = append(f.woken, id)
	})
	require.NoError(t, err)
	f.handshake = h
	return f
}

func (f *handshakeFixture) newConn() *session.Conn {
	return session.NewConn(&nullChannel{}, f.clock)
}

// register runs the registration flow on a fresh connection and returns the
// issued client id.
func (f *handshakeFixture) register(t *testing.T, password []byte) ids.ID {
	conn := f.newConn()
	id, err := f.handshake.GenerateID(conn)
	require.NoError(t, err)

	salt, verifier, err := f.handshake.SRP().ComputeVerifier(password)
	require.NoError(t, err)
	registered, err := f.handshake.Register(context.Background(), conn, verifier, salt)
	require.NoError(t, err)
	require.Equal(t, id, registered)
	return id
}

func TestRegistrationFlow(t *testing.T) {
	f := newFixture(t)
	id := f.register(t, []byte("hunter2"))

	client, err := f.store.Client(context.Background(), id)
	require.NoError(t, err)
	require.NotEmpty(t, client.Salt)
	require.NotEmpty(t, client.Verifier)
}

func TestRegisterWithoutGenerateID(t *testing.T) {
	f := newFixture(t)
	_, err := f.handshake.Register(context.Background(), f.newConn(), []byte{1}, []byte{2})
	require.ErrorIs(t, err, errs.ErrNoPendingRegistration)
}

func TestGenerateIDOncePerConnection(t *testing.T) {
	f := newFixture(t)
	conn := f.newConn()
	_, err := f.handshake.GenerateID(conn)
	require.NoError(t, err)
	_, err = f.handshake.GenerateID(conn)
	require.ErrorIs(t, err, errs.ErrAttemptUsed)
}

func TestAuthRoundtrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	password := []byte("correct horse battery staple")
	id := f.register(t, password)

	conn := f.newConn()
	cs := f.handshake.SRP().NewClientSession(id[:], password)
	creds, err := f.handshake.Phase1(ctx, conn, id, cs.GetA())
	require.NoError(t, err)
	require.NotEmpty(t, creds.Salt)
	require.NotEmpty(t, creds.B)

	_, err = cs.ComputeKey(creds.Salt, creds.B)
	require.NoError(t, err)
	m2, err := f.handshake.Phase2(conn, cs.ComputeAuthenticator())
	require.NoError(t, err)
	require.True(t, cs.VerifyServerAuthenticator(m2))

	boundID, ok := conn.ClientID()
	require.True(t, ok)
	require.Equal(t, id, boundID)
	require.NotEmpty(t, conn.SessionKey())
	require.True(t, f.registry.IsConnected(id))
	require.Equal(t, []ids.ID{id}, f.woken)
}

func TestAuthWrongPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, []byte("right"))

	conn := f.newConn()
	cs := f.handshake.SRP().NewClientSession(id[:], []byte("wrong"))
	creds, err := f.handshake.Phase1(ctx, conn, id, cs.GetA())
	require.NoError(t, err)
	_, err = cs.ComputeKey(creds.Salt, creds.B)
	require.NoError(t, err)

	_, err = f.handshake.Phase2(conn, cs.ComputeAuthenticator())
	require.ErrorIs(t, err, errs.ErrProofMismatch)
	require.False(t, conn.Identified())
	require.False(t, f.registry.IsConnected(id))

	// the attempt is spent, a retry on the same connection is refused
	_, err = f.handshake.Phase1(ctx, conn, id, cs.GetA())
	require.ErrorIs(t, err, errs.ErrAttemptUsed)
}

func TestAuthUnknownClientConsumesAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, []byte("pw"))

	conn := f.newConn()
	cs := f.handshake.SRP().NewClientSession(id[:], []byte("pw"))
	_, err := f.handshake.Phase1(ctx, conn, ids.NewID(), cs.GetA())
	require.ErrorIs(t, err, errs.ErrUnknownClient)

	// even a failed lookup spends the connection's single attempt
	_, err = f.handshake.Phase1(ctx, conn, id, cs.GetA())
	require.ErrorIs(t, err, errs.ErrAttemptUsed)
}

func TestPhase2WithoutPhase1(t *testing.T) {
	f := newFixture(t)
	_, err := f.handshake.Phase2(f.newConn(), []byte{1, 2, 3})
	require.ErrorIs(t, err, errs.ErrNoPendingAuth)
}

func TestSupersededConnectionClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	password := []byte("pw")
	id := f.register(t, password)

	authenticate := func() (*session.Conn, *nullChannel) {
		ch := &nullChannel{}
		conn := session.NewConn(ch, f.clock)
		cs := f.handshake.SRP().NewClientSession(id[:], password)
		creds, err := f.handshake.Phase1(ctx, conn, id, cs.GetA())
		require.NoError(t, err)
		_, err = cs.ComputeKey(creds.Salt, creds.B)
		require.NoError(t, err)
		_, err = f.handshake.Phase2(conn, cs.ComputeAuthenticator())
		require.NoError(t, err)
		return conn, ch
	}

	first, firstCh := authenticate()
	second, _ := authenticate()
	require.True(t, firstCh.closed)

	// the stale connection closing must not evict the live one
	f.registry.ConnectionClosed(first)
	require.True(t, f.registry.IsConnected(id))
	live, ok := f.registry.Lookup(id)
	require.True(t, ok)
	require.Equal(t, second, live)
}
