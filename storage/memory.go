package storage

import (
	"context"
	"sync"

	"github.com/courier-im/courier/ids"
	"github.com/courier-im/courier/internal/errs"
)

type deliveryKey struct {
	messageID  ids.ID
	receiverID ids.ID
}

type membershipKey struct {
	groupID  ids.ID
	clientID ids.ID
}

// MemoryStore is an in-memory Store used in tests. All methods are safe for
// concurrent use; a single mutex makes every operation, including
// TransitionDelivery, atomic.
type MemoryStore struct {
	mu            sync.Mutex
	clients       map[ids.ID]*Client
	messages      map[ids.ID]*Message
	deliveries    map[deliveryKey]*Delivery
	relationships map[deliveryKey]*Relationship
	groups        map[ids.ID]*Group
	memberships   map[membershipKey]*GroupMembership
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:       make(map[ids.ID]*Client),
		messages:      make(map[ids.ID]*Message),
		deliveries:    make(map[deliveryKey]*Delivery),
		relationships: make(map[deliveryKey]*Relationship),
		groups:        make(map[ids.ID]*Group),
		memberships:   make(map[membershipKey]*GroupMembership),
	}
}

func (s *MemoryStore) CreateClient(_ context.Context, c *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ID]; ok {
		return errs.ErrAlreadyExists
	}
	cp := *c
	s.clients[c.ID] = &cp
	return nil
}

func (s *MemoryStore) Client(_ context.Context, id ids.ID) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) SetPushToken(_ context.Context, id ids.ID, provider, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return errs.ErrNotFound
	}
	switch provider {
	case ProviderAPNS:
		c.APNSToken = token
	case ProviderFCM:
		c.FCMToken = token
	}
	return nil
}

func (s *MemoryStore) RemovePushTokens(_ context.Context, provider string, tokens []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	invalid := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		invalid[t] = true
	}
	for _, c := range s.clients {
		switch provider {
		case ProviderAPNS:
			if invalid[c.APNSToken] {
				c.APNSToken = ""
			}
		case ProviderFCM:
			if invalid[c.FCMToken] {
				c.FCMToken = ""
			}
		}
	}
	return nil
}

func (s *MemoryStore) SetLastPush(_ context.Context, id ids.ID, atMs uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return errs.ErrNotFound
	}
	c.LastPushMs = atMs
	return nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return errs.ErrAlreadyExists
	}
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *MemoryStore) Message(_ context.Context, id ids.ID) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) CreateDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := deliveryKey{d.MessageID, d.ReceiverID}
	if _, ok := s.deliveries[k]; ok {
		return errs.ErrAlreadyExists
	}
	cp := *d
	s.deliveries[k] = &cp
	return nil
}

func (s *MemoryStore) Delivery(_ context.Context, messageID, receiverID ids.ID) (*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryKey{messageID, receiverID}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) TransitionDelivery(_ context.Context, messageID, receiverID ids.ID, from, to DeliveryState, nowMs uint64) (*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryKey{messageID, receiverID}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if d.State != from {
		return nil, errs.ErrConflict
	}
	d.State = to
	d.ChangedAtMs = nowMs
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) MarkDeliveryPushedIn(_ context.Context, messageID, receiverID ids.ID, atMs uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryKey{messageID, receiverID}]
	if !ok {
		return errs.ErrNotFound
	}
	d.PushedInMs = atMs
	return nil
}

func (s *MemoryStore) MarkDeliveryPushedOut(_ context.Context, messageID, receiverID ids.ID, atMs uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryKey{messageID, receiverID}]
	if !ok {
		return errs.ErrNotFound
	}
	d.PushedOutMs = atMs
	return nil
}

func (s *MemoryStore) DeliveriesToReceiver(_ context.Context, receiverID ids.ID, state DeliveryState) ([]*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Delivery
	for _, d := range s.deliveries {
		if d.ReceiverID == receiverID && d.State == state {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeliveriesFromSender(_ context.Context, senderID ids.ID, state DeliveryState) ([]*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Delivery
	for _, d := range s.deliveries {
		// exclude group summary records, which carry the group id as receiver
		if d.SenderID == senderID && d.State == state && d.ReceiverID != d.GroupID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Relationship(_ context.Context, a, b ids.ID) (*Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.relationships[deliveryKey{a, b}]; ok {
		cp := *r
		return &cp, nil
	}
	if r, ok := s.relationships[deliveryKey{b, a}]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, errs.ErrNotFound
}

func (s *MemoryStore) Group(_ context.Context, id ids.ID) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *MemoryStore) GroupMemberships(_ context.Context, groupID ids.ID) ([]*GroupMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*GroupMembership
	for _, m := range s.memberships {
		if m.GroupID == groupID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GroupMembership(_ context.Context, groupID, clientID ids.ID) (*GroupMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[membershipKey{groupID, clientID}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// Seeding helpers for relationship and group fixtures. Relationships and
// memberships are read-only inputs to the core, so these sit outside the
// Store interface.

func (s *MemoryStore) AddRelationship(a, b ids.ID, state RelationshipState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relationships[deliveryKey{a, b}] = &Relationship{A: a, B: b, State: state}
}

func (s *MemoryStore) AddGroup(g *Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.groups[g.ID] = &cp
}

func (s *MemoryStore) AddMembership(m *GroupMembership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.memberships[membershipKey{m.GroupID, m.ClientID}] = &cp
}
