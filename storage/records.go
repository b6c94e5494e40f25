// Package storage defines the persistent records of the relay and the Store
// interface the core depends on. Two implementations exist: a Postgres-backed
// store and a mutex-guarded in-memory store used in tests.
package storage

import "github.com/courier-im/courier/ids"

type DeliveryState string

const (
	Delivering DeliveryState = "delivering"
	Delivered  DeliveryState = "delivered"
	Confirmed  DeliveryState = "confirmed"
	Failed     DeliveryState = "failed"
	Aborted    DeliveryState = "aborted"
)

// Terminal reports whether no further transition is possible from s.
func (s DeliveryState) Terminal() bool {
	return s == Confirmed || s == Failed || s == Aborted
}

type RelationshipState string

const (
	RelationshipNone    RelationshipState = "none"
	RelationshipFriend  RelationshipState = "friend"
	RelationshipBlocked RelationshipState = "blocked"
)

type MembershipRole string

const (
	RoleMember MembershipRole = "member"
	RoleAdmin  MembershipRole = "admin"
)

type MembershipState string

const (
	MembershipJoined  MembershipState = "joined"
	MembershipInvited MembershipState = "invited"
	MembershipRemoved MembershipState = "removed"
)

// Push provider names as stored on client records.
const (
	ProviderAPNS = "apns"
	ProviderFCM  = "fcm"
)

type Client struct {
	ID         ids.ID `db:"id"`
	Salt       []byte `db:"salt"`
	Verifier   []byte `db:"verifier"`
	APNSToken  string `db:"apns_token"`
	FCMToken   string `db:"fcm_token"`
	LastPushMs uint64 `db:"last_push_ms"`
}

// Pushable reports whether the client has any registered push capability.
func (c *Client) Pushable() bool {
	return c.APNSToken != "" || c.FCMToken != ""
}

type Message struct {
	ID            ids.ID `db:"id"`
	SenderID      ids.ID `db:"sender_id"`
	Body          []byte `db:"body"`
	NumDeliveries int    `db:"num_deliveries"`
}

// Delivery tracks one message's progress to one receiver. The record is keyed
// by (MessageID, ReceiverID); for a group send the sender's summary record
// uses the group id as its receiver id.
type Delivery struct {
	MessageID    ids.ID        `db:"message_id"`
	SenderID     ids.ID        `db:"sender_id"`
	ReceiverID   ids.ID        `db:"receiver_id"`
	GroupID      ids.ID        `db:"group_id"`
	Tag          []byte        `db:"tag"`
	KeyWrap      []byte        `db:"key_wrap"`
	State        DeliveryState `db:"state"`
	AcceptedAtMs uint64        `db:"accepted_at_ms"`
	ChangedAtMs  uint64        `db:"changed_at_ms"`
	PushedInMs   uint64        `db:"pushed_in_ms"`
	PushedOutMs  uint64        `db:"pushed_out_ms"`
}

type Relationship struct {
	A     ids.ID            `db:"a"`
	B     ids.ID            `db:"b"`
	State RelationshipState `db:"state"`
}

type Group struct {
	ID   ids.ID `db:"id"`
	Name string `db:"name"`
}

type GroupMembership struct {
	GroupID  ids.ID          `db:"group_id"`
	ClientID ids.ID          `db:"client_id"`
	Role     MembershipRole  `db:"role"`
	State    MembershipState `db:"state"`
}
