/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package storage owns the connection pool and schema for the relational
// store behind the Mailbox Registry, Intern Caches, and Message Injector.
//
// Shaped after internal/storage/imapsql.Storage's driver/dsn configuration
// idiom, but talking to Postgres directly through lib/pq rather than
// delegating to a third-party IMAP storage backend: the Injector's
// SAVEPOINT-retry and COPY ... FROM STDIN (BINARY) bulk loads are the
// subject being implemented here, not something to hand off to a library.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/corvidmail/corvid/framework/log"
)

// Pool wraps the database connection pool used by every coordinator the
// process opens.
type Pool struct {
	DB  *sql.DB
	Log log.Logger
}

// Open connects to dsn (a libpq connection string, per the
// "sql-dsn" directive) and verifies connectivity with a ping.
func Open(dsn string, logger log.Logger) (*Pool, error) {
	if dsn == "" {
		return nil, errors.New("storage: dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &Pool{DB: db, Log: logger}, nil
}

// Close releases the underlying pool.
func (p *Pool) Close() error {
	return p.DB.Close()
}

// Migrate applies the schema in schemaStatements, idempotently (every
// statement uses IF NOT EXISTS). Intended to run once at startup, ahead of
// accepting connections.
func (p *Pool) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// schemaStatements lays out every table the data model names:
// Mailbox, Message, Bodypart, header/address field links, Address, the
// three intern tables, and the delivery record. Column shapes match the
// row formats the injector's bulk loads use.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS mailboxes (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		uidnext INTEGER NOT NULL DEFAULT 1,
		nextmodseq BIGINT NOT NULL DEFAULT 1,
		first_recent INTEGER NOT NULL DEFAULT 1,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		uidvalidity INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		rfc822size BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bodyparts (
		id BIGSERIAL PRIMARY KEY,
		hash CHAR(32) NOT NULL UNIQUE,
		text TEXT,
		data BYTEA
	)`,
	`CREATE TABLE IF NOT EXISTS part_numbers (
		message BIGINT NOT NULL REFERENCES messages(id),
		part TEXT NOT NULL,
		bodypart BIGINT REFERENCES bodyparts(id),
		bytes BIGINT NOT NULL,
		lines BIGINT NOT NULL,
		PRIMARY KEY (message, part)
	)`,
	`CREATE TABLE IF NOT EXISTS header_field_names (
		id SERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS flag_names (
		id SERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS annotation_names (
		id SERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS addresses (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		localpart TEXT NOT NULL,
		domain TEXT NOT NULL,
		UNIQUE (name, localpart, domain)
	)`,
	`CREATE TABLE IF NOT EXISTS header_fields (
		message BIGINT NOT NULL REFERENCES messages(id),
		part TEXT NOT NULL,
		position INTEGER NOT NULL,
		field INTEGER NOT NULL REFERENCES header_field_names(id),
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS address_fields (
		message BIGINT NOT NULL REFERENCES messages(id),
		part TEXT NOT NULL,
		position INTEGER NOT NULL,
		field INTEGER NOT NULL REFERENCES header_field_names(id),
		number INTEGER NOT NULL,
		address BIGINT NOT NULL REFERENCES addresses(id)
	)`,
	`CREATE TABLE IF NOT EXISTS mailbox_messages (
		mailbox BIGINT NOT NULL REFERENCES mailboxes(id),
		uid INTEGER NOT NULL,
		message BIGINT NOT NULL REFERENCES messages(id),
		idate TIMESTAMPTZ NOT NULL,
		modseq BIGINT NOT NULL,
		PRIMARY KEY (mailbox, uid)
	)`,
	`CREATE TABLE IF NOT EXISTS flags (
		mailbox BIGINT NOT NULL,
		uid INTEGER NOT NULL,
		flag INTEGER NOT NULL REFERENCES flag_names(id),
		PRIMARY KEY (mailbox, uid, flag),
		FOREIGN KEY (mailbox, uid) REFERENCES mailbox_messages(mailbox, uid)
	)`,
	`CREATE TABLE IF NOT EXISTS annotations (
		mailbox BIGINT NOT NULL,
		uid INTEGER NOT NULL,
		name INTEGER NOT NULL REFERENCES annotation_names(id),
		value TEXT,
		owner TEXT,
		FOREIGN KEY (mailbox, uid) REFERENCES mailbox_messages(mailbox, uid)
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_records (
		id BIGSERIAL PRIMARY KEY,
		sender_address BIGINT NOT NULL REFERENCES addresses(id),
		message BIGINT NOT NULL REFERENCES messages(id),
		injected_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_recipients (
		delivery_record BIGINT NOT NULL REFERENCES delivery_records(id),
		recipient_address BIGINT NOT NULL REFERENCES addresses(id),
		PRIMARY KEY (delivery_record, recipient_address)
	)`,
}
