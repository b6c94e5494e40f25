package storage

import (
	"context"
	"testing"

	"github.com/courier-im/courier/ids"
	"github.com/courier-im/courier/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestClientLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := ids.NewID()

	_, err := s.Client(ctx, id)
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, s.CreateClient(ctx, &Client{ID: id, Salt: []byte{1}, Verifier: []byte{2}}))
	require.ErrorIs(t, s.CreateClient(ctx, &Client{ID: id}), errs.ErrAlreadyExists)

	require.NoError(t, s.SetPushToken(ctx, id, ProviderFCM, "tok"))
	c, err := s.Client(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "tok", c.FCMToken)
	require.True(t, c.Pushable())

	require.NoError(t, s.RemovePushTokens(ctx, ProviderFCM, []string{"tok"}))
	c, err = s.Client(ctx, id)
	require.NoError(t, err)
	require.Empty(t, c.FCMToken)
	require.False(t, c.Pushable())
}

func TestTransitionDelivery(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	msgID := ids.NewID()
	receiver := ids.NewID()
	require.NoError(t, s.CreateDelivery(ctx, &Delivery{
		MessageID:  msgID,
		SenderID:   ids.NewID(),
		ReceiverID: receiver,
		State:      Delivering,
	}))

	d, err := s.TransitionDelivery(ctx, msgID, receiver, Delivering, Delivered, 2000)
	require.NoError(t, err)
	require.Equal(t, Delivered, d.State)
	require.Equal(t, uint64(2000), d.ChangedAtMs)

	// the expected-state guard is the linearization point
	_, err = s.TransitionDelivery(ctx, msgID, receiver, Delivering, Delivered, 3000)
	require.ErrorIs(t, err, errs.ErrConflict)

	_, err = s.TransitionDelivery(ctx, ids.NewID(), receiver, Delivering, Delivered, 3000)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRelationshipIsSymmetric(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := ids.NewID()
	b := ids.NewID()
	s.AddRelationship(a, b, RelationshipFriend)

	r, err := s.Relationship(ctx, a, b)
	require.NoError(t, err)
	require.Equal(t, RelationshipFriend, r.State)
	r, err = s.Relationship(ctx, b, a)
	require.NoError(t, err)
	require.Equal(t, RelationshipFriend, r.State)

	_, err = s.Relationship(ctx, a, ids.NewID())
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeliveryQueriesFilterByState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sender := ids.NewID()
	receiver := ids.NewID()

	mk := func(state DeliveryState) {
		require.NoError(t, s.CreateDelivery(ctx, &Delivery{
			MessageID:  ids.NewID(),
			SenderID:   sender,
			ReceiverID: receiver,
			State:      state,
		}))
	}
	mk(Delivering)
	mk(Delivering)
	mk(Delivered)

	incoming, err := s.DeliveriesToReceiver(ctx, receiver, Delivering)
	require.NoError(t, err)
	require.Len(t, incoming, 2)

	outgoing, err := s.DeliveriesFromSender(ctx, sender, Delivered)
	require.NoError(t, err)
	require.Len(t, outgoing, 1)
}

func TestDeliveriesFromSenderExcludesSummaries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sender := ids.NewID()
	groupID := ids.NewID()
	member := ids.NewID()

	require.NoError(t, s.CreateDelivery(ctx, &Delivery{
		MessageID:  ids.NewID(),
		SenderID:   sender,
		ReceiverID: groupID,
		GroupID:    groupID,
		State:      Delivered,
	}))
	require.NoError(t, s.CreateDelivery(ctx, &Delivery{
		MessageID:  ids.NewID(),
		SenderID:   sender,
		ReceiverID: member,
		GroupID:    groupID,
		State:      Delivered,
	}))

	outgoing, err := s.DeliveriesFromSender(ctx, sender, Delivered)
	require.NoError(t, err)
	require.Len(t, outgoing, 1)
	require.Equal(t, member, outgoing[0].ReceiverID)
}

func TestCopyOnReturn(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := ids.NewID()
	require.NoError(t, s.CreateClient(ctx, &Client{ID: id, Salt: []byte{1}, Verifier: []byte{2}}))

	c, err := s.Client(ctx, id)
	require.NoError(t, err)
	c.FCMToken = "mutated"

	fresh, err := s.Client(ctx, id)
	require.NoError(t, err)
	require.Empty(t, fresh.FCMToken)
}
