// Package delivery implements the per-recipient delivery state machine and
// the reconciliation scheduler which pushes pending work to connected
// clients.
//
// A delivery moves DELIVERING -> DELIVERED -> CONFIRMED on the success path.
// FAILED marks a request rejected at creation and ABORTED a cancellation
// while unconfirmed; both are terminal. Validation failures are expressed as
// FAILED records, not call errors, so a partially-valid batch is not
// all-or-nothing.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/courier-im/courier/clock"
	"github.com/courier-im/courier/config"
	"github.com/courier-im/courier/ids"
	"github.com/courier-im/courier/internal/errs"
	"github.com/courier-im/courier/storage"
	"go.uber.org/zap"
)

// KeyWrap carries the group key wrapped for one member.
type KeyWrap struct {
	MemberID ids.ID
	Wrapped  []byte
}

// Request is one requested delivery within a send. Exactly one of ReceiverID
// and GroupID is set; KeyWraps accompanies group sends.
type Request struct {
	ReceiverID ids.ID
	GroupID    ids.ID
	Tag        []byte
	KeyWrap    []byte
	KeyWraps   []KeyWrap
}

func (r *Request) group() bool {
	return !r.GroupID.IsZero()
}

func (r *Request) wrapFor(memberID ids.ID) []byte {
	for _, kw := range r.KeyWraps {
		if kw.MemberID == memberID {
			return kw.Wrapped
		}
	}
	return nil
}

// Machine validates and creates delivery records and processes
// confirm/acknowledge/abort transitions. wake is called with a client id
// whenever that client has new reconciliation work.
type Machine struct {
	config *config.Config
	log    *zap.SugaredLogger
	store  storage.Store
	clock  clock.Clock
	wake   func(ids.ID)
}

func NewMachine(c *config.Config, store storage.Store, cl clock.Clock, wake func(ids.ID)) *Machine {
	if wake == nil {
		wake = func(ids.ID) {}
	}
	return &Machine{
		config: c,
		log:    c.Logger("delivery/machine"),
		store:  store,
		clock:  cl,
		wake:   wake,
	}
}

// Request assigns a fresh message id, validates and expands every requested
// delivery, and persists the message together with all accepted records. The
// sender id is forced to the caller's identity. The returned slice carries
// the final state of every record including rejected and group-expanded ones.
func (m *Machine) Request(ctx context.Context, senderID ids.ID, body []byte, reqs []Request) (*storage.Message, []*storage.Delivery, error) {
	messageID := ids.NewID()
	now := m.clock.CurrentTimeMs()

	out := []*storage.Delivery{}
	persist := []*storage.Delivery{}
	accepted := 0

	for i := range reqs {
		req := &reqs[i]
		if req.group() {
			expanded := m.expandGroup(ctx, messageID, senderID, req, now)
			for _, d := range expanded {
				out = append(out, d)
				if d.State == storage.Delivering || d.State == storage.Confirmed {
					persist = append(persist, d)
				}
				if d.State == storage.Delivering {
					accepted++
				}
			}
		} else {
			d := m.expandDirect(ctx, messageID, senderID, req, now)
			out = append(out, d)
			if d.State == storage.Delivering {
				persist = append(persist, d)
				accepted++
			}
		}
	}

	// a send with zero accepted recipients does not persist a message
	if accepted == 0 {
		return nil, out, nil
	}

	msg := &storage.Message{
		ID:            messageID,
		SenderID:      senderID,
		Body:          body,
		NumDeliveries: accepted,
	}
	if err := m.store.CreateMessage(ctx, msg); err != nil {
		return nil, nil, fmt.Errorf("delivery: error creating message: %w", err)
	}
	for _, d := range persist {
		if err := m.store.CreateDelivery(ctx, d); err != nil {
			return nil, nil, fmt.Errorf("delivery: error creating delivery: %w", err)
		}
	}
	for _, d := range persist {
		if d.State == storage.Delivering {
			m.wake(d.ReceiverID)
		}
	}
	return msg, out, nil
}

func (m *Machine) expandDirect(ctx context.Context, messageID, senderID ids.ID, req *Request, now uint64) *storage.Delivery {
	d := &storage.Delivery{
		MessageID:  messageID,
		SenderID:   senderID,
		ReceiverID: req.ReceiverID,
		Tag:        nonNil(req.Tag),
		KeyWrap:    nonNil(req.KeyWrap),
		State:      storage.Failed,
	}
	if state := m.validateReceiver(ctx, senderID, req.ReceiverID, true); state != storage.Delivering {
		return d
	}
	d.State = storage.Delivering
	d.AcceptedAtMs = now
	d.ChangedAtMs = now
	return d
}

// validateReceiver applies the acceptance rule for one receiver. The
// friendship requirement applies to direct sends only; for group fan-out the
// joined membership stands in for it.
func (m *Machine) validateReceiver(ctx context.Context, senderID, receiverID ids.ID, requireFriend bool) storage.DeliveryState {
	if receiverID == senderID {
		return storage.Failed
	}
	if _, err := m.store.Client(ctx, receiverID); err != nil {
		return storage.Failed
	}
	if requireFriend {
		rel, err := m.store.Relationship(ctx, senderID, receiverID)
		if err != nil || rel.State != storage.RelationshipFriend {
			return storage.Failed
		}
	}
	return storage.Delivering
}

func (m *Machine) expandGroup(ctx context.Context, messageID, senderID ids.ID, req *Request, now uint64) []*storage.Delivery {
	summary := &storage.Delivery{
		MessageID:  messageID,
		SenderID:   senderID,
		ReceiverID: req.GroupID,
		GroupID:    req.GroupID,
		Tag:        nonNil(req.Tag),
		KeyWrap:    []byte{},
		State:      storage.Failed,
	}

	if _, err := m.store.Group(ctx, req.GroupID); err != nil {
		return []*storage.Delivery{summary}
	}
	sender, err := m.store.GroupMembership(ctx, req.GroupID, senderID)
	if err != nil || sender.State != storage.MembershipJoined {
		return []*storage.Delivery{summary}
	}
	members, err := m.store.GroupMemberships(ctx, req.GroupID)
	if err != nil {
		m.log.Warnf("error loading memberships for %s %#v", req.GroupID, err)
		return []*storage.Delivery{summary}
	}

	expanded := []*storage.Delivery{summary}
	for _, member := range members {
		if member.ClientID == senderID || member.State != storage.MembershipJoined {
			continue
		}
		d := &storage.Delivery{
			MessageID:  messageID,
			SenderID:   senderID,
			ReceiverID: member.ClientID,
			GroupID:    req.GroupID,
			Tag:        nonNil(req.Tag),
			KeyWrap:    nonNil(req.wrapFor(member.ClientID)),
			State:      storage.Failed,
		}
		if state := m.validateReceiver(ctx, senderID, member.ClientID, false); state == storage.Delivering {
			d.State = storage.Delivering
			d.AcceptedAtMs = now
			d.ChangedAtMs = now
			// group sends are fire-and-forget for the sender; the summary
			// record confirms as soon as anything is accepted
			if summary.State != storage.Confirmed {
				summary.State = storage.Confirmed
				summary.AcceptedAtMs = now
				summary.ChangedAtMs = now
			}
		}
		expanded = append(expanded, d)
	}
	return expanded
}

// Confirm moves the caller's incoming delivery from DELIVERING to DELIVERED
// and wakes the sender so it learns of the confirmation. Re-confirming is an
// idempotent no-op returning the record.
func (m *Machine) Confirm(ctx context.Context, callerID, messageID ids.ID) (*storage.Delivery, error) {
	d, err := m.store.Delivery(ctx, messageID, callerID)
	if err != nil {
		return nil, err
	}
	if d.State != storage.Delivering {
		return d, nil
	}
	nd, err := m.store.TransitionDelivery(ctx, messageID, callerID, storage.Delivering, storage.Delivered, m.clock.CurrentTimeMs())
	if errors.Is(err, errs.ErrConflict) {
		return m.store.Delivery(ctx, messageID, callerID)
	}
	if err != nil {
		return nil, err
	}
	m.wake(nd.SenderID)
	return nd, nil
}

// Acknowledge moves a delivery the caller originally sent from DELIVERED to
// CONFIRMED. CONFIRMED is terminal, so no scheduler run is triggered.
func (m *Machine) Acknowledge(ctx context.Context, callerID, messageID, recipientID ids.ID) (*storage.Delivery, error) {
	d, err := m.store.Delivery(ctx, messageID, recipientID)
	if err != nil {
		return nil, err
	}
	if d.SenderID != callerID {
		m.log.Warnf("acknowledge from %s for delivery sent by %s ignored", callerID, d.SenderID)
		return d, nil
	}
	if d.State != storage.Delivered {
		return d, nil
	}
	nd, err := m.store.TransitionDelivery(ctx, messageID, recipientID, storage.Delivered, storage.Confirmed, m.clock.CurrentTimeMs())
	if errors.Is(err, errs.ErrConflict) {
		return m.store.Delivery(ctx, messageID, recipientID)
	}
	if err != nil {
		return nil, err
	}
	return nd, nil
}

// Abort cancels an unconfirmed delivery. The recipient may abort its own
// incoming delivery unconditionally; anyone else must be the original sender,
// otherwise the record is returned unchanged.
func (m *Machine) Abort(ctx context.Context, callerID, messageID, recipientID ids.ID) (*storage.Delivery, error) {
	d, err := m.store.Delivery(ctx, messageID, recipientID)
	if err != nil {
		return nil, err
	}
	if callerID != recipientID && callerID != d.SenderID {
		m.log.Warnf("abort from %s for delivery %s/%s ignored", callerID, messageID, recipientID)
		return d, nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		if d.State.Terminal() {
			return d, nil
		}
		nd, err := m.store.TransitionDelivery(ctx, messageID, recipientID, d.State, storage.Aborted, m.clock.CurrentTimeMs())
		if errors.Is(err, errs.ErrConflict) {
			d, err = m.store.Delivery(ctx, messageID, recipientID)
			if err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return nd, nil
	}
	return d, nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
