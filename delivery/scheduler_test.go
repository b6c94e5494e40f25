package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/courier-im/courier/clock"
	"github.com/courier-im/courier/config"
	"github.com/courier-im/courier/ids"
	"github.com/courier-im/courier/session"
	"github.com/courier-im/courier/storage"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu       sync.Mutex
	incoming []*storage.Delivery
	outgoing []*storage.Delivery
	fail     bool
	closed   bool
}

func (f *fakeChannel) IncomingDelivery(_ context.Context, d *storage.Delivery, _ *storage.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("channel broken")
	}
	f.incoming = append(f.incoming, d)
	return nil
}

func (f *fakeChannel) OutgoingDelivery(_ context.Context, d *storage.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("channel broken")
	}
	f.outgoing = append(f.outgoing, d)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) incomingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.incoming)
}

func (f *fakeChannel) outgoingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.outgoing)
}

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []ids.ID
}

func (f *fakeSubmitter) Submit(clientID ids.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, clientID)
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func newTestScheduler(t *testing.T) (*Scheduler, *storage.MemoryStore, *session.Registry, *clock.TestClock, *fakeSubmitter) {
	c := config.NewConfig(
		config.WithRootDir(t.TempDir()),
		config.WithLoggingPrefix("test"),
	)
	store := storage.NewMemoryStore()
	registry := session.NewRegistry(c)
	cl := clock.NewTestClock(1_000_000)
	sub := &fakeSubmitter{}
	return NewScheduler(c, store, registry, cl, sub), store, registry, cl, sub
}

func connect(t *testing.T, registry *session.Registry, cl clock.Clock, clientID ids.ID) (*session.Conn, *fakeChannel) {
	ch := &fakeChannel{}
	conn := session.NewConn(ch, cl)
	require.NoError(t, conn.BeginAuth(clientID, nil))
	require.NoError(t, conn.CompleteAuth(clientID, nil))
	registry.Identified(clientID, conn)
	return conn, ch
}

func seedDelivery(t *testing.T, store *storage.MemoryStore, sender, receiver ids.ID, state storage.DeliveryState, atMs uint64) *storage.Delivery {
	msgID := ids.NewID()
	require.NoError(t, store.CreateMessage(context.Background(), &storage.Message{
		ID:            msgID,
		SenderID:      sender,
		Body:          []byte("body"),
		NumDeliveries: 1,
	}))
	d := &storage.Delivery{
		MessageID:    msgID,
		SenderID:     sender,
		ReceiverID:   receiver,
		Tag:          []byte{},
		KeyWrap:      []byte{},
		State:        state,
		AcceptedAtMs: atMs,
		ChangedAtMs:  atMs,
	}
	require.NoError(t, store.CreateDelivery(context.Background(), d))
	return d
}

func TestReconcilePushesIncoming(t *testing.T) {
	s, store, registry, cl, sub := newTestScheduler(t)
	alice := ids.NewID()
	bob := ids.NewID()
	_, ch := connect(t, registry, cl, bob)
	d := seedDelivery(t, store, alice, bob, storage.Delivering, 100)

	s.Reconcile(bob)
	require.Equal(t, 1, ch.incomingCount())
	require.Equal(t, 0, sub.count())

	stored, err := store.Delivery(context.Background(), d.MessageID, bob)
	require.NoError(t, err)
	require.Equal(t, cl.CurrentTimeMs(), stored.PushedInMs)

	// a second pass inside the push interval is a no-op
	s.Reconcile(bob)
	require.Equal(t, 1, ch.incomingCount())

	// once the interval elapses the still-unconfirmed delivery is re-pushed
	cl.AdvanceMs(6000)
	s.Reconcile(bob)
	require.Equal(t, 2, ch.incomingCount())
}

func TestReconcilePushesOutgoing(t *testing.T) {
	s, store, registry, cl, _ := newTestScheduler(t)
	alice := ids.NewID()
	bob := ids.NewID()
	_, ch := connect(t, registry, cl, alice)
	seedDelivery(t, store, alice, bob, storage.Delivered, 100)

	s.Reconcile(alice)
	require.Equal(t, 0, ch.incomingCount())
	require.Equal(t, 1, ch.outgoingCount())
	require.Equal(t, bob, ch.outgoing[0].ReceiverID)
}

func TestReconcileOrdersByAcceptance(t *testing.T) {
	s, store, registry, cl, _ := newTestScheduler(t)
	alice := ids.NewID()
	bob := ids.NewID()
	_, ch := connect(t, registry, cl, bob)
	second := seedDelivery(t, store, alice, bob, storage.Delivering, 200)
	first := seedDelivery(t, store, alice, bob, storage.Delivering, 100)

	s.Reconcile(bob)
	require.Equal(t, 2, ch.incomingCount())
	require.Equal(t, first.MessageID, ch.incoming[0].MessageID)
	require.Equal(t, second.MessageID, ch.incoming[1].MessageID)
}

func TestReconcileDisconnectedHandsOff(t *testing.T) {
	s, store, _, _, sub := newTestScheduler(t)
	alice := ids.NewID()
	bob := ids.NewID()
	seedDelivery(t, store, alice, bob, storage.Delivering, 100)

	s.Reconcile(bob)
	require.Equal(t, 1, sub.count())
	require.Equal(t, bob, sub.submitted[0])
}

func TestReconcileOutgoingOnlyNeverHandsOff(t *testing.T) {
	s, store, _, _, sub := newTestScheduler(t)
	bob := ids.NewID()
	carol := ids.NewID()
	seedDelivery(t, store, bob, carol, storage.Delivered, 100)

	// outgoing notifications wait for bob to reconnect; no mobile push
	s.Reconcile(bob)
	require.Equal(t, 0, sub.count())
}

func TestReconcileTransientFailure(t *testing.T) {
	s, store, registry, cl, sub := newTestScheduler(t)
	alice := ids.NewID()
	bob := ids.NewID()
	_, ch := connect(t, registry, cl, bob)
	ch.fail = true
	d := seedDelivery(t, store, alice, bob, storage.Delivering, 100)

	// the push fails but the client is still connected, so no mobile handoff
	s.Reconcile(bob)
	require.Equal(t, 0, ch.incomingCount())
	require.Equal(t, 0, sub.count())

	// the record stays unstamped and is retried on the next pass
	stored, err := store.Delivery(context.Background(), d.MessageID, bob)
	require.NoError(t, err)
	require.Equal(t, uint64(0), stored.PushedInMs)
	ch.mu.Lock()
	ch.fail = false
	ch.mu.Unlock()
	s.Reconcile(bob)
	require.Equal(t, 1, ch.incomingCount())
}

func TestReconcileAfterDisconnectHandsOffRemainder(t *testing.T) {
	s, store, registry, cl, sub := newTestScheduler(t)
	alice := ids.NewID()
	bob := ids.NewID()
	conn, ch := connect(t, registry, cl, bob)
	seedDelivery(t, store, alice, bob, storage.Delivering, 100)

	s.Reconcile(bob)
	require.Equal(t, 1, ch.incomingCount())
	require.Equal(t, 0, sub.count())

	// bob drops; the still-unconfirmed delivery goes to the push path on the
	// next wake once the throttle window elapses
	registry.ConnectionClosed(conn)
	cl.AdvanceMs(6000)
	s.Reconcile(bob)
	require.Equal(t, 1, ch.incomingCount())
	require.Equal(t, 1, sub.count())
}
