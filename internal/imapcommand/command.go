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

// Package imapcommand implements the IMAP command handlers: COPY, APPEND,
// ENABLE, NOOP, CHECK, EXPUNGE, LOGIN, SELECT, EXAMINE and LOGOUT. Each
// handler satisfies imapsession.Command and is registered against a
// Session by name through Register.
package imapcommand

import (
	"context"
	"strings"

	"github.com/corvidmail/corvid/internal/imapsession"
	"github.com/corvidmail/corvid/internal/registry"
	"github.com/corvidmail/corvid/internal/storage"
	"github.com/corvidmail/corvid/internal/txn"
)

// base carries the bookkeeping every handler needs: tag, scheduling
// group, lifecycle state, and the final tagged response line.
type base struct {
	tag, name string
	group     int
	state     imapsession.CommandState
	ok        bool
	respCode  string
	respText  string
}

func newBase(tag, name string, group int) base {
	return base{
		tag: tag, name: name, group: group,
		state: imapsession.Executing, ok: true,
		respCode: "OK", respText: name + " completed",
	}
}

func (b *base) Tag() string                          { return b.tag }
func (b *base) Name() string                          { return b.name }
func (b *base) Group() int                            { return b.group }
func (b *base) State() imapsession.CommandState       { return b.state }
func (b *base) SetState(s imapsession.CommandState)   { b.state = s }
func (b *base) OK() bool                              { return b.ok }

// fail marks the command as having failed with the given tagged response
// status ("NO" or "BAD") and explanatory text.
func (b *base) fail(code, text string) {
	b.ok = false
	b.respCode = code
	b.respText = text
}

func (b *base) EmitResponses(sess *imapsession.Session) {
	sess.WriteLine(b.tag + " " + b.respCode + " " + b.respText)
}

// Deps bundles the storage-layer collaborators every handler that talks
// to the database needs. One Deps is constructed per process and shared
// by every connection's command factories.
type Deps struct {
	Pool     *storage.Pool
	Registry *registry.Registry
}

// requireAuthenticated fails cmd and returns false if sess has not yet
// authenticated. SELECT/EXAMINE and APPEND check it before anything else.
func requireAuthenticated(b *base, sess *imapsession.Session) bool {
	if sess.State() == imapsession.NotAuthenticated {
		b.fail("BAD", "not authenticated")
		return false
	}
	return true
}

// requireSelected fails cmd and returns false unless a mailbox is
// currently selected.
func requireSelected(b *base, sess *imapsession.Session) bool {
	if sess.State() != imapsession.Selected || sess.Mailbox() == nil {
		b.fail("BAD", "no mailbox selected")
		return false
	}
	return true
}

// joinArgs flattens a command's argument chunks into a single
// whitespace-trimmed string for handlers that don't need literal-aware
// parsing beyond the first line.
func joinArgs(args [][]byte) string {
	var parts []string
	for _, a := range args {
		s := strings.TrimSpace(string(a))
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func withTx(ctx context.Context, pool *storage.Pool, fn func(co *txn.Coordinator) error) error {
	co, err := txn.Begin(ctx, pool.DB)
	if err != nil {
		return err
	}
	if err := fn(co); err != nil {
		co.Rollback()
		return err
	}
	return co.Commit()
}
