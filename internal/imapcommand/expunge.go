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
	"sort"

	"github.com/corvidmail/corvid/internal/imapsession"
	"github.com/corvidmail/corvid/internal/txn"
)

// Expunge implements EXPUNGE (RFC 3501 section 6.4.3): permanently
// removes every message carrying the \Deleted flag from the selected
// mailbox, reporting each removal as an untagged EXPUNGE response giving
// the message's sequence number at the time of removal.
type Expunge struct {
	base
	deps *Deps
}

// NewExpungeFactory returns the EXPUNGE command factory.
func NewExpungeFactory(deps *Deps) imapsession.Factory {
	return func(tag string) imapsession.Command {
		return &Expunge{base: newBase(tag, "EXPUNGE", 0), deps: deps}
	}
}

func (c *Expunge) Parse(sess *imapsession.Session, args [][]byte) error {
	if !requireSelected(&c.base, sess) {
		return nil
	}
	return nil
}

func (c *Expunge) Execute(ctx context.Context, sess *imapsession.Session) {
	defer func() { c.state = imapsession.Finished }()
	if !c.ok {
		return
	}

	mb := sess.Mailbox()
	var removed []uint32
	err := withTx(ctx, c.deps.Pool, func(co *txn.Coordinator) error {
		rows, err := co.Query(
			`SELECT mm.uid FROM mailbox_messages mm
			 JOIN flags f ON f.mailbox = mm.mailbox AND f.uid = mm.uid
			 JOIN flag_names fn ON fn.id = f.flag
			 WHERE mm.mailbox = $1 AND fn.name = '\Deleted'
			 ORDER BY mm.uid`, mb.ID)
		if err != nil {
			return err
		}
		var uids []uint32
		for rows.Next() {
			var uid uint32
			if err := rows.Scan(&uid); err != nil {
				rows.Close()
				return err
			}
			uids = append(uids, uid)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, uid := range uids {
			co.Enqueue(`DELETE FROM flags WHERE mailbox = $1 AND uid = $2`, mb.ID, uid)
			co.Enqueue(`DELETE FROM annotations WHERE mailbox = $1 AND uid = $2`, mb.ID, uid)
			co.Enqueue(`DELETE FROM mailbox_messages WHERE mailbox = $1 AND uid = $2`, mb.ID, uid)
		}
		if len(uids) > 0 {
			co.Enqueue(`UPDATE mailboxes SET nextmodseq = nextmodseq + 1 WHERE id = $1`, mb.ID)
		}
		if err := co.Execute(); err != nil {
			return err
		}
		removed = uids
		return nil
	})
	if err != nil {
		c.fail("NO", "EXPUNGE failed: "+err.Error())
		return
	}

	// RFC 3501 requires EXPUNGE responses in a sequence where each
	// removal is reported against the numbering that was current just
	// before it, i.e. descending UID order relative to the pre-expunge
	// snapshot so sequence numbers don't have to be renumbered mid-flight.
	sort.Slice(removed, func(i, j int) bool { return removed[i] > removed[j] })
	for _, uid := range removed {
		if msn, ok := indexOfUID(sess, uid); ok {
			sess.WriteLine(fmt.Sprintf("* %d EXPUNGE", msn))
		}
	}
}

func indexOfUID(sess *imapsession.Session, uid uint32) (int, bool) {
	for i := 1; i <= sess.MessageCount(); i++ {
		if v, ok := sess.UIDAt(uint32(i)); ok && v == uid {
			return i, true
		}
	}
	return 0, false
}
