// This package provides the top-level relay server. It wires the session
// registry, the authentication handshake, the delivery state machine, the
// reconciliation scheduler and the push dispatcher together, and exposes the
// call surface the transport collaborator dispatches into.
package courier

import (
	"context"
	"errors"
	"fmt"

	"github.com/courier-im/courier/auth"
	"github.com/courier-im/courier/clock"
	"github.com/courier-im/courier/config"
	"github.com/courier-im/courier/delivery"
	"github.com/courier-im/courier/ids"
	"github.com/courier-im/courier/internal/bus"
	db "github.com/courier-im/courier/internal/db"
	"github.com/courier-im/courier/internal/errs"
	"github.com/courier-im/courier/push"
	"github.com/courier-im/courier/session"
	"github.com/courier-im/courier/storage"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateRunning
	StateClosing
	StateClosed
)

type Server struct {
	config     *config.Config
	log        *zap.SugaredLogger
	state      int
	clock      clock.Clock
	db         *db.Database
	store      storage.Store
	registry   *session.Registry
	handshake  *auth.Handshake
	machine    *delivery.Machine
	scheduler  *delivery.Scheduler
	dispatcher *push.Dispatcher
	bus        *bus.Bus
}

// NewServer constructs a relay backed by the configured Postgres database and
// the push providers enabled in the config.
func NewServer(c *config.Config) (*Server, error) {
	log := c.Logger("server")

	database, err := db.NewDatabase(c)
	if err != nil {
		return nil, err
	}
	store := storage.NewPostgresStore(database)

	providers := []push.Provider{}
	if c.APNSCertPath != "" {
		apple, err := push.NewApplePusher(c, c.Logger("push/apns"))
		if err != nil {
			return nil, fmt.Errorf("courier: error creating apns pusher: %w", err)
		}
		providers = append(providers, apple)
	}
	if c.FCMAPIKey != "" {
		fcm, err := push.NewFCMPusher(c, c.Logger("push/fcm"))
		if err != nil {
			return nil, fmt.Errorf("courier: error creating fcm pusher: %w", err)
		}
		providers = append(providers, fcm)
	}

	s, err := newServer(c, log, store, clock.NewSystemClock(), providers)
	if err != nil {
		return nil, err
	}
	s.db = database
	return s, nil
}

// NewServerWithStore constructs a relay over an injected store, clock and
// provider set. Used by tests to run against the in-memory store.
func NewServerWithStore(c *config.Config, store storage.Store, cl clock.Clock, providers ...push.Provider) (*Server, error) {
	return newServer(c, c.Logger("server"), store, cl, providers)
}

func newServer(c *config.Config, log *zap.SugaredLogger, store storage.Store, cl clock.Clock, providers []push.Provider) (*Server, error) {
	wakeBus, err := bus.NewBus(c)
	if err != nil {
		return nil, err
	}

	registry := session.NewRegistry(c)
	dispatcher := push.NewDispatcher(c, store, cl, providers...)
	scheduler := delivery.NewScheduler(c, store, registry, cl, dispatcher)
	machine := delivery.NewMachine(c, store, cl, wakeBus.Wake)
	handshake, err := auth.NewHandshake(c, store, registry, cl, wakeBus.Wake)
	if err != nil {
		return nil, err
	}

	return &Server{
		config:     c,
		log:        log,
		state:      StateNew,
		clock:      cl,
		store:      store,
		registry:   registry,
		handshake:  handshake,
		machine:    machine,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		bus:        wakeBus,
	}, nil
}

func (s *Server) Start() error {
	if s.state != StateNew {
		return errors.New("server already started")
	}
	s.bus.Start()
	s.scheduler.Start(s.bus.Wakes())
	if err := s.dispatcher.CleanupInvalidTokens(context.Background()); err != nil {
		s.log.Warnf("error cleaning up invalid tokens %#v", err)
	}
	s.state = StateRunning
	s.log.Infof("relay running")
	return nil
}

func (s *Server) Shutdown() error {
	if s.state != StateRunning {
		return nil
	}
	s.state = StateClosing
	s.scheduler.Shutdown()
	s.bus.Shutdown()
	s.dispatcher.Shutdown()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.state = StateClosed
			return err
		}
	}
	s.state = StateClosed
	return nil
}

// Registry exposes connectivity queries to the transport collaborator.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Handshake exposes SRP group parameters for client tooling.
func (s *Server) Handshake() *auth.Handshake {
	return s.handshake
}

// ConnectionOpened wraps a transport channel in a session connection. The
// connection stays anonymous until the handshake identifies it.
func (s *Server) ConnectionOpened(ch session.Channel) *session.Conn {
	conn := session.NewConn(ch, s.clock)
	s.registry.ConnectionOpened(conn)
	return conn
}

// ConnectionClosed releases the connection's registry binding, if any.
func (s *Server) ConnectionClosed(conn *session.Conn) {
	s.registry.ConnectionClosed(conn)
}

func (s *Server) GenerateID(conn *session.Conn) (ids.ID, error) {
	conn.Touch(s.clock)
	return s.handshake.GenerateID(conn)
}

func (s *Server) Register(ctx context.Context, conn *session.Conn, verifier, salt []byte) (ids.ID, error) {
	conn.Touch(s.clock)
	return s.handshake.Register(ctx, conn, verifier, salt)
}

func (s *Server) AuthPhase1(ctx context.Context, conn *session.Conn, clientID ids.ID, a []byte) (*auth.Credentials, error) {
	conn.Touch(s.clock)
	return s.handshake.Phase1(ctx, conn, clientID, a)
}

func (s *Server) AuthPhase2(conn *session.Conn, m1 []byte) ([]byte, error) {
	conn.Touch(s.clock)
	return s.handshake.Phase2(conn, m1)
}

func (s *Server) DeliveryRequest(ctx context.Context, conn *session.Conn, body []byte, reqs []delivery.Request) (*storage.Message, []*storage.Delivery, error) {
	conn.Touch(s.clock)
	callerID, ok := conn.ClientID()
	if !ok {
		return nil, nil, errs.ErrNotIdentified
	}
	return s.machine.Request(ctx, callerID, body, reqs)
}

func (s *Server) DeliveryConfirm(ctx context.Context, conn *session.Conn, messageID ids.ID) (*storage.Delivery, error) {
	conn.Touch(s.clock)
	callerID, ok := conn.ClientID()
	if !ok {
		return nil, errs.ErrNotIdentified
	}
	return s.machine.Confirm(ctx, callerID, messageID)
}

func (s *Server) DeliveryAcknowledge(ctx context.Context, conn *session.Conn, messageID, recipientID ids.ID) (*storage.Delivery, error) {
	conn.Touch(s.clock)
	callerID, ok := conn.ClientID()
	if !ok {
		return nil, errs.ErrNotIdentified
	}
	return s.machine.Acknowledge(ctx, callerID, messageID, recipientID)
}

func (s *Server) DeliveryAbort(ctx context.Context, conn *session.Conn, messageID, recipientID ids.ID) (*storage.Delivery, error) {
	conn.Touch(s.clock)
	callerID, ok := conn.ClientID()
	if !ok {
		return nil, errs.ErrNotIdentified
	}
	return s.machine.Abort(ctx, callerID, messageID, recipientID)
}

// RegisterPushToken stores a provider token for the identified caller,
// enabling mobile push fallback.
func (s *Server) RegisterPushToken(ctx context.Context, conn *session.Conn, provider, token string) error {
	conn.Touch(s.clock)
	callerID, ok := conn.ClientID()
	if !ok {
		return errs.ErrNotIdentified
	}
	return s.store.SetPushToken(ctx, callerID, provider, token)
}
