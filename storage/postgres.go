package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/courier-im/courier/ids"
	db "github.com/courier-im/courier/internal/db"
	"github.com/courier-im/courier/internal/errs"
	"github.com/jmoiron/sqlx"
)

// PostgresStore implements Store over the relay database. Conditional updates
// rely on row-level atomicity, so no additional locking is needed here.
type PostgresStore struct {
	db *db.Database
}

func NewPostgresStore(d *db.Database) *PostgresStore {
	return &PostgresStore{db: d}
}

func (s *PostgresStore) conn() *sqlx.DB {
	return s.db.Conn
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errs.ErrNotFound
	}
	return err
}

func (s *PostgresStore) CreateClient(ctx context.Context, c *Client) error {
	_, err := s.conn().ExecContext(ctx,
		"INSERT INTO clients (id, salt, verifier) VALUES ($1, $2, $3)",
		c.ID, c.Salt, c.Verifier)
	return err
}

func (s *PostgresStore) Client(ctx context.Context, id ids.ID) (*Client, error) {
	c := &Client{}
	if err := s.conn().GetContext(ctx, c, "SELECT * FROM clients WHERE id = $1", id); err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (s *PostgresStore) SetPushToken(ctx context.Context, id ids.ID, provider, token string) error {
	var column string
	switch provider {
	case ProviderAPNS:
		column = "apns_token"
	case ProviderFCM:
		column = "fcm_token"
	default:
		return errs.ErrNotFound
	}
	res, err := s.conn().ExecContext(ctx,
		"UPDATE clients SET "+column+" = $1 WHERE id = $2", token, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RemovePushTokens(ctx context.Context, provider string, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	var column string
	switch provider {
	case ProviderAPNS:
		column = "apns_token"
	case ProviderFCM:
		column = "fcm_token"
	default:
		return nil
	}
	query, args, err := sqlx.In(
		"UPDATE clients SET "+column+" = '' WHERE "+column+" IN (?)", tokens)
	if err != nil {
		return err
	}
	_, err = s.conn().ExecContext(ctx, s.conn().Rebind(query), args...)
	return err
}

func (s *PostgresStore) SetLastPush(ctx context.Context, id ids.ID, atMs uint64) error {
	_, err := s.conn().ExecContext(ctx,
		"UPDATE clients SET last_push_ms = $1 WHERE id = $2", atMs, id)
	return err
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m *Message) error {
	_, err := s.conn().ExecContext(ctx,
		"INSERT INTO messages (id, sender_id, body, num_deliveries) VALUES ($1, $2, $3, $4)",
		m.ID, m.SenderID, m.Body, m.NumDeliveries)
	return err
}

func (s *PostgresStore) Message(ctx context.Context, id ids.ID) (*Message, error) {
	m := &Message{}
	if err := s.conn().GetContext(ctx, m, "SELECT * FROM messages WHERE id = $1", id); err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *PostgresStore) CreateDelivery(ctx context.Context, d *Delivery) error {
	_, err := s.conn().ExecContext(ctx, `
		INSERT INTO deliveries
			(message_id, receiver_id, sender_id, group_id, tag, key_wrap, state,
			 accepted_at_ms, changed_at_ms, pushed_in_ms, pushed_out_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.MessageID, d.ReceiverID, d.SenderID, d.GroupID, d.Tag, d.KeyWrap,
		d.State, d.AcceptedAtMs, d.ChangedAtMs, d.PushedInMs, d.PushedOutMs)
	return err
}

func (s *PostgresStore) Delivery(ctx context.Context, messageID, receiverID ids.ID) (*Delivery, error) {
	d := &Delivery{}
	if err := s.conn().GetContext(ctx, d,
		"SELECT * FROM deliveries WHERE message_id = $1 AND receiver_id = $2",
		messageID, receiverID); err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func (s *PostgresStore) TransitionDelivery(ctx context.Context, messageID, receiverID ids.ID, from, to DeliveryState, nowMs uint64) (*Delivery, error) {
	res, err := s.conn().ExecContext(ctx, `
		UPDATE deliveries SET state = $1, changed_at_ms = $2
		WHERE message_id = $3 AND receiver_id = $4 AND state = $5`,
		to, nowMs, messageID, receiverID, from)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		if _, err := s.Delivery(ctx, messageID, receiverID); err != nil {
			return nil, err
		}
		return nil, errs.ErrConflict
	}
	return s.Delivery(ctx, messageID, receiverID)
}

func (s *PostgresStore) MarkDeliveryPushedIn(ctx context.Context, messageID, receiverID ids.ID, atMs uint64) error {
	_, err := s.conn().ExecContext(ctx,
		"UPDATE deliveries SET pushed_in_ms = $1 WHERE message_id = $2 AND receiver_id = $3",
		atMs, messageID, receiverID)
	return err
}

func (s *PostgresStore) MarkDeliveryPushedOut(ctx context.Context, messageID, receiverID ids.ID, atMs uint64) error {
	_, err := s.conn().ExecContext(ctx,
		"UPDATE deliveries SET pushed_out_ms = $1 WHERE message_id = $2 AND receiver_id = $3",
		atMs, messageID, receiverID)
	return err
}

func (s *PostgresStore) DeliveriesToReceiver(ctx context.Context, receiverID ids.ID, state DeliveryState) ([]*Delivery, error) {
	out := []*Delivery{}
	if err := s.conn().SelectContext(ctx, &out, `
		SELECT * FROM deliveries WHERE receiver_id = $1 AND state = $2
		ORDER BY accepted_at_ms`, receiverID, state); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) DeliveriesFromSender(ctx context.Context, senderID ids.ID, state DeliveryState) ([]*Delivery, error) {
	out := []*Delivery{}
	if err := s.conn().SelectContext(ctx, &out, `
		SELECT * FROM deliveries WHERE sender_id = $1 AND state = $2 AND receiver_id != group_id
		ORDER BY accepted_at_ms`, senderID, state); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Relationship(ctx context.Context, a, b ids.ID) (*Relationship, error) {
	r := &Relationship{}
	if err := s.conn().GetContext(ctx, r,
		"SELECT * FROM relationships WHERE (a = $1 AND b = $2) OR (a = $2 AND b = $1)",
		a, b); err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

func (s *PostgresStore) Group(ctx context.Context, id ids.ID) (*Group, error) {
	g := &Group{}
	if err := s.conn().GetContext(ctx, g, "SELECT * FROM groups WHERE id = $1", id); err != nil {
		return nil, notFound(err)
	}
	return g, nil
}

func (s *PostgresStore) GroupMemberships(ctx context.Context, groupID ids.ID) ([]*GroupMembership, error) {
	out := []*GroupMembership{}
	if err := s.conn().SelectContext(ctx, &out,
		"SELECT * FROM group_memberships WHERE group_id = $1 ORDER BY client_id", groupID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GroupMembership(ctx context.Context, groupID, clientID ids.ID) (*GroupMembership, error) {
	m := &GroupMembership{}
	if err := s.conn().GetContext(ctx, m,
		"SELECT * FROM group_memberships WHERE group_id = $1 AND client_id = $2",
		groupID, clientID); err != nil {
		return nil, notFound(err)
	}
	return m, nil
}
