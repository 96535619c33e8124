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

package imapcommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/corvidmail/corvid/internal/imapsession"
	"github.com/corvidmail/corvid/internal/registry"
	"github.com/corvidmail/corvid/internal/txn"
)

// Select implements both SELECT (RFC 3501 section 6.3.1) and EXAMINE
// (section 6.3.2); the two differ only in whether the mailbox ends up
// writable, tracked by readOnly.
type Select struct {
	base
	deps     *Deps
	readOnly bool
	name     string
}

// NewSelectFactory and NewExamineFactory return the two command
// factories, sharing this handler's implementation.
func NewSelectFactory(deps *Deps) imapsession.Factory {
	return func(tag string) imapsession.Command {
		return &Select{base: newBase(tag, "SELECT", 0), deps: deps}
	}
}

func NewExamineFactory(deps *Deps) imapsession.Factory {
	return func(tag string) imapsession.Command {
		return &Select{base: newBase(tag, "EXAMINE", 0), deps: deps, readOnly: true}
	}
}

func (c *Select) Parse(sess *imapsession.Session, args [][]byte) error {
	if !requireAuthenticated(&c.base, sess) {
		return nil
	}
	c.name = strings.Trim(joinArgs(args), `"`)
	if c.name == "" {
		c.fail("BAD", "missing mailbox name")
	}
	return nil
}

func (c *Select) Execute(ctx context.Context, sess *imapsession.Session) {
	defer func() { c.state = imapsession.Finished }()
	if !c.ok {
		return
	}

	var mb *registry.Mailbox
	var uids []uint32
	err := withTx(ctx, c.deps.Pool, func(co *txn.Coordinator) error {
		var err error
		mb, err = c.deps.Registry.Obtain(ctx, co, c.name, false)
		if err != nil {
			return err
		}
		uids, err = loadMailboxUIDs(co, mb.ID)
		return err
	})
	if err != nil {
		if err == registry.ErrNotFound {
			c.fail("NO", "no such mailbox")
			return
		}
		c.fail("NO", "SELECT failed: "+err.Error())
		return
	}

	sess.SetMailbox(mb)
	sess.SetUIDList(uids)
	sess.SetState(imapsession.Selected)

	snap := mb.Snapshot()
	sess.WriteLine(fmt.Sprintf("* %d EXISTS", len(uids)))
	sess.WriteLine(fmt.Sprintf("* %d RECENT", snap.FirstRecent))
	sess.WriteLine("* FLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft)")
	sess.WriteLine(fmt.Sprintf("* OK [UIDVALIDITY %d] UIDs valid", snap.UIDValidity))
	sess.WriteLine(fmt.Sprintf("* OK [UIDNEXT %d] predicted next UID", snap.UIDNext))

	if c.readOnly {
		c.respText = "[READ-ONLY] " + c.name + " selected"
	} else {
		c.respText = "[READ-WRITE] " + c.name + " selected"
	}
}

func loadMailboxUIDs(co *txn.Coordinator, mailboxID int64) ([]uint32, error) {
	rows, err := co.Query(`SELECT uid FROM mailbox_messages WHERE mailbox = $1 ORDER BY uid`, mailboxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uids []uint32
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}
