package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/courier-im/courier/clock"
	"github.com/courier-im/courier/config"
	"github.com/courier-im/courier/ids"
	"github.com/courier-im/courier/session"
	"github.com/courier-im/courier/storage"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Submitter hands a client off to the push dispatcher when it cannot be
// reached over a live connection.
type Submitter interface {
	Submit(clientID ids.ID)
}

// Scheduler reconciles pending deliveries for one client at a time. It is
// woken by state transitions and by connections becoming identified; there is
// no periodic sweep. Overlapping wakes for the same client serialize on a
// per-client lock, and pushes are throttled by the per-record push
// timestamps, so redundant passes are harmless.
type Scheduler struct {
	config     *config.Config
	log        *zap.SugaredLogger
	store      storage.Store
	registry   *session.Registry
	clock      clock.Clock
	submitter  Submitter
	locks      map[ids.ID]*sync.Mutex
	locksLock  sync.Mutex
	finished   sync.WaitGroup
	cancelFunc context.CancelFunc
}

func NewScheduler(c *config.Config, store storage.Store, registry *session.Registry, cl clock.Clock, submitter Submitter) *Scheduler {
	return &Scheduler{
		config:    c,
		log:       c.Logger("delivery/scheduler"),
		store:     store,
		registry:  registry,
		clock:     cl,
		submitter: submitter,
		locks:     make(map[ids.ID]*sync.Mutex),
	}
}

// Start launches the worker pool consuming wake events.
func (s *Scheduler) Start(wakes <-chan ids.ID) {
	ctx, cancelFunc := context.WithCancel(context.Background())
	s.cancelFunc = cancelFunc
	for i := 0; i != s.config.SchedulerWorkers; i++ {
		s.finished.Add(1)
		go func() {
			defer s.finished.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case clientID := <-wakes:
					s.Reconcile(clientID)
				}
			}
		}()
	}
}

func (s *Scheduler) Shutdown() {
	if s.cancelFunc != nil {
		s.cancelFunc()
		s.finished.Wait()
	}
}

// Reconcile runs one reconciliation pass for clientID: push incoming
// DELIVERING work and outgoing DELIVERED notifications over the live
// connection, or hand off to the push dispatcher when the client ends the
// pass disconnected with incoming work still unpushed.
func (s *Scheduler) Reconcile(clientID ids.ID) {
	l := s.clientLock(clientID)
	l.Lock()
	defer l.Unlock()

	ctx := context.Background()
	now := s.clock.CurrentTimeMs()

	incoming, err := s.store.DeliveriesToReceiver(ctx, clientID, storage.Delivering)
	if err != nil {
		s.log.Errorf("error loading incoming work for %s %#v", clientID, err)
		return
	}
	outgoing, err := s.store.DeliveriesFromSender(ctx, clientID, storage.Delivered)
	if err != nil {
		s.log.Errorf("error loading outgoing work for %s %#v", clientID, err)
		return
	}
	slices.SortFunc(incoming, func(a, b *storage.Delivery) bool {
		return a.AcceptedAtMs < b.AcceptedAtMs
	})
	slices.SortFunc(outgoing, func(a, b *storage.Delivery) bool {
		return a.ChangedAtMs < b.ChangedAtMs
	})

	remaining := 0
	conn, connected := s.registry.Lookup(clientID)
	if connected {
		for i, d := range incoming {
			// stop immediately if the connection dropped mid-pass
			if !s.registry.IsConnected(clientID) {
				remaining += len(incoming) - i
				break
			}
			if now-d.PushedInMs < s.config.MinPushIntervalMs {
				continue
			}
			msg, err := s.store.Message(ctx, d.MessageID)
			if err != nil {
				s.log.Errorf("error loading message %s %#v", d.MessageID, err)
				remaining++
				continue
			}
			if err := s.pushIncoming(ctx, conn, d, msg); err != nil {
				// transient failure, retried on the next pass
				s.log.Warnf("error pushing incoming %s/%s %#v", d.MessageID, d.ReceiverID, err)
				remaining++
				continue
			}
			if err := s.store.MarkDeliveryPushedIn(ctx, d.MessageID, d.ReceiverID, now); err != nil {
				s.log.Errorf("error stamping push for %s/%s %#v", d.MessageID, d.ReceiverID, err)
			}
		}

		// outgoing items are only attempted while still connected and never
		// trigger mobile push
		for _, d := range outgoing {
			if !s.registry.IsConnected(clientID) {
				break
			}
			if now-d.PushedOutMs < s.config.MinPushIntervalMs {
				continue
			}
			if err := s.pushOutgoing(ctx, conn, d); err != nil {
				s.log.Warnf("error pushing outgoing %s/%s %#v", d.MessageID, d.ReceiverID, err)
				continue
			}
			if err := s.store.MarkDeliveryPushedOut(ctx, d.MessageID, d.ReceiverID, now); err != nil {
				s.log.Errorf("error stamping push for %s/%s %#v", d.MessageID, d.ReceiverID, err)
			}
		}
	} else {
		remaining = len(incoming)
	}

	if remaining > 0 && !s.registry.IsConnected(clientID) {
		s.submitter.Submit(clientID)
	}
}

func (s *Scheduler) pushIncoming(ctx context.Context, conn *session.Conn, d *storage.Delivery, msg *storage.Message) error {
	cctx, cancel := context.WithTimeout(ctx, time.Duration(s.config.RPCTimeoutMs)*time.Millisecond)
	defer cancel()
	return conn.Channel().IncomingDelivery(cctx, d, msg)
}

func (s *Scheduler) pushOutgoing(ctx context.Context, conn *session.Conn, d *storage.Delivery) error {
	cctx, cancel := context.WithTimeout(ctx, time.Duration(s.config.RPCTimeoutMs)*time.Millisecond)
	defer cancel()
	return conn.Channel().OutgoingDelivery(cctx, d)
}

func (s *Scheduler) clientLock(clientID ids.ID) *sync.Mutex {
	s.locksLock.Lock()
	defer s.locksLock.Unlock()
	l, ok := s.locks[clientID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[clientID] = l
	}
	return l
}
