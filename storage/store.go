package storage

import (
	"context"

	"github.com/courier-im/courier/ids"
)

// Store is the narrow persistence interface the core depends on. Lookups
// return errs.ErrNotFound when no record exists. TransitionDelivery is the
// linearization point for delivery state changes: it succeeds only when the
// record is still in the expected prior state and returns errs.ErrConflict
// otherwise.
type Store interface {
	CreateClient(ctx context.Context, c *Client) error
	Client(ctx context.Context, id ids.ID) (*Client, error)
	SetPushToken(ctx context.Context, id ids.ID, provider, token string) error
	RemovePushTokens(ctx context.Context, provider string, tokens []string) error
	SetLastPush(ctx context.Context, id ids.ID, atMs uint64) error

	CreateMessage(ctx context.Context, m *Message) error
	Message(ctx context.Context, id ids.ID) (*Message, error)

	CreateDelivery(ctx context.Context, d *Delivery) error
	Delivery(ctx context.Context, messageID, receiverID ids.ID) (*Delivery, error)
	TransitionDelivery(ctx context.Context, messageID, receiverID ids.ID, from, to DeliveryState, nowMs uint64) (*Delivery, error)
	MarkDeliveryPushedIn(ctx context.Context, messageID, receiverID ids.ID, atMs uint64) error
	MarkDeliveryPushedOut(ctx context.Context, messageID, receiverID ids.ID, atMs uint64) error
	DeliveriesToReceiver(ctx context.Context, receiverID ids.ID, state DeliveryState) ([]*Delivery, error)
	DeliveriesFromSender(ctx context.Context, senderID ids.ID, state DeliveryState) ([]*Delivery, error)

	Relationship(ctx context.Context, a, b ids.ID) (*Relationship, error)
	Group(ctx context.Context, id ids.ID) (*Group, error)
	GroupMemberships(ctx context.Context, groupID ids.ID) ([]*GroupMembership, error)
	GroupMembership(ctx context.Context, groupID, clientID ids.ID) (*GroupMembership, error)
}
