// This package defines the Postgres database used by the relay. It opens a
// connection from a database URL, applies schema migrations and provides a
// labeled transaction helper.
package db

import (
	"database/sql"
	"fmt"

	// load postgres
	_ "github.com/lib/pq"

	"github.com/courier-im/courier/config"
	"github.com/jmoiron/sqlx"
	"github.com/lopezator/migrator"
	"github.com/xo/dburl"
	"go.uber.org/zap"
)

type RunnerFunc func(tx *sqlx.Tx) error

type Database struct {
	Conn *sqlx.DB
	log  *zap.SugaredLogger
}

func NewDatabase(c *config.Config) (*Database, error) {
	log := c.Logger("db")

	log.Debug("opening database connection")
	rawDB, err := dburl.Open(c.DatabaseURL)
	if err != nil {
		return nil, err
	}
	conn := sqlx.NewDb(rawDB, "postgres")

	migrate, err := migrator.New(
		migrator.Migrations(
			&migrator.Migration{
				Name: "Create initial tables",
				Func: func(tx *sql.Tx) error {
					_, err := tx.Exec(`

	CREATE TABLE clients (
		id BYTEA PRIMARY KEY CHECK(length(id) = 16),
		salt BYTEA NOT NULL,
		verifier BYTEA NOT NULL,
		apns_token VARCHAR(256) NOT NULL DEFAULT '',
		fcm_token VARCHAR(512) NOT NULL DEFAULT '',
		last_push_ms BIGINT NOT NULL DEFAULT 0
	);

	CREATE TABLE messages (
		id BYTEA PRIMARY KEY CHECK(length(id) = 16),
		sender_id BYTEA NOT NULL CHECK(length(sender_id) = 16),
		body BYTEA NOT NULL,
		num_deliveries INT NOT NULL DEFAULT 0
	);

	CREATE TABLE deliveries (
		message_id BYTEA NOT NULL CHECK(length(message_id) = 16),
		receiver_id BYTEA NOT NULL CHECK(length(receiver_id) = 16),
		sender_id BYTEA NOT NULL CHECK(length(sender_id) = 16),
		group_id BYTEA NOT NULL DEFAULT '\x',
		tag BYTEA NOT NULL DEFAULT '\x',
		key_wrap BYTEA NOT NULL DEFAULT '\x',
		state VARCHAR(16) NOT NULL,
		accepted_at_ms BIGINT NOT NULL DEFAULT 0,
		changed_at_ms BIGINT NOT NULL DEFAULT 0,
		pushed_in_ms BIGINT NOT NULL DEFAULT 0,
		pushed_out_ms BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY(message_id, receiver_id)
	);
	CREATE INDEX deliveries_receiver_state_idx ON deliveries (receiver_id, state);
	CREATE INDEX deliveries_sender_state_idx ON deliveries (sender_id, state);

	CREATE TABLE relationships (
		a BYTEA NOT NULL CHECK(length(a) = 16),
		b BYTEA NOT NULL CHECK(length(b) = 16),
		state VARCHAR(16) NOT NULL,
		PRIMARY KEY(a, b)
	);

	CREATE TABLE groups (
		id BYTEA PRIMARY KEY CHECK(length(id) = 16),
		name VARCHAR(255) NOT NULL DEFAULT ''
	);

	CREATE TABLE group_memberships (
		group_id BYTEA NOT NULL CHECK(length(group_id) = 16),
		client_id BYTEA NOT NULL CHECK(length(client_id) = 16),
		role VARCHAR(16) NOT NULL,
		state VARCHAR(16) NOT NULL,
		PRIMARY KEY(group_id, client_id)
	);

						`)
					return err
				},
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("db: error creating migrations %w", err)
	}

	log.Debug("running migrations")
	if err := migrate.Migrate(conn.DB); err != nil {
		return nil, err
	}

	return &Database{Conn: conn, log: log}, nil
}

func (db *Database) RunTx(label string, runner RunnerFunc) error {
	tx, err := db.Conn.Beginx()
	if err != nil {
		return err
	}

	if runErr := runner(tx); runErr != nil {
		db.log.Warnf("error while running %s %#v", label, runErr)
		if err := tx.Rollback(); err != nil {
			db.log.Errorf("error while rolling back %s %#v", label, err)
			return err
		}
		return runErr
	}
	if err := tx.Commit(); err != nil {
		db.log.Errorf("error while committing %s %#v", label, err)
		return err
	}
	return nil
}

func (db *Database) Close() error {
	return db.Conn.Close()
}
