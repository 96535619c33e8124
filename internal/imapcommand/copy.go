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
	"strconv"
	"strings"

	"github.com/corvidmail/corvid/internal/imapsession"
	"github.com/corvidmail/corvid/internal/registry"
	"github.com/corvidmail/corvid/internal/txn"
)

// Copy implements COPY (RFC 3501 section 6.4.7): duplicates the given
// messages from the selected mailbox into another mailbox. The
// duplicated rows reference the same underlying message, since this
// schema already separates message content (messages, bodyparts,
// part_numbers) from per-mailbox placement (mailbox_messages, flags,
// annotations) — unlike the historical implementation, which physically
// copied the whole message row.
type Copy struct {
	base
	deps *Deps

	seqSet string
	target string
}

// NewCopyFactory returns the COPY command factory.
func NewCopyFactory(deps *Deps) imapsession.Factory {
	return func(tag string) imapsession.Command {
		return &Copy{base: newBase(tag, "COPY", 0), deps: deps}
	}
}

func (c *Copy) Parse(sess *imapsession.Session, args [][]byte) error {
	if !requireSelected(&c.base, sess) {
		return nil
	}
	fields := strings.Fields(joinArgs(args))
	if len(fields) != 2 {
		c.fail("BAD", "COPY requires a sequence set and a mailbox name")
		return nil
	}
	c.seqSet = fields[0]
	c.target = strings.Trim(fields[1], `"`)
	return nil
}

func (c *Copy) Execute(ctx context.Context, sess *imapsession.Session) {
	defer func() { c.state = imapsession.Finished }()
	if !c.ok {
		return
	}

	msns, err := parseSequenceSet(c.seqSet, sess.MessageCount())
	if err != nil {
		c.fail("BAD", "COPY: "+err.Error())
		return
	}

	srcMB := sess.Mailbox()
	uids := make([]uint32, 0, len(msns))
	for _, msn := range msns {
		uid, ok := sess.UIDAt(msn)
		if !ok {
			c.fail("BAD", "COPY: no such message")
			return
		}
		uids = append(uids, uid)
	}

	var firstUID uint32
	var uidvalidity uint32
	err = withTx(ctx, c.deps.Pool, func(co *txn.Coordinator) error {
		dstMB, err := c.deps.Registry.Obtain(ctx, co, c.target, false)
		if err != nil {
			return err
		}
		uidvalidity = dstMB.Snapshot().UIDValidity

		var uidNext uint32
		var nextModSeq uint64
		co.EnqueueRow([]interface{}{&uidNext, &nextModSeq},
			`SELECT uidnext, nextmodseq FROM mailboxes WHERE id = $1 FOR UPDATE`, dstMB.ID)
		if err := co.Execute(); err != nil {
			return err
		}

		firstUID = uidNext
		for i, srcUID := range uids {
			destUID := uidNext + uint32(i)
			destModSeq := nextModSeq

			co.Enqueue(`INSERT INTO mailbox_messages (mailbox, uid, message, idate, modseq)
				SELECT $1, $2, message, idate, $3 FROM mailbox_messages WHERE mailbox = $4 AND uid = $5`,
				dstMB.ID, destUID, int64(destModSeq), srcMB.ID, srcUID)
			co.Enqueue(`INSERT INTO flags (mailbox, uid, flag)
				SELECT $1, $2, flag FROM flags WHERE mailbox = $3 AND uid = $4`,
				dstMB.ID, destUID, srcMB.ID, srcUID)
			co.Enqueue(`INSERT INTO annotations (mailbox, uid, name, value, owner)
				SELECT $1, $2, name, value, owner FROM annotations WHERE mailbox = $3 AND uid = $4`,
				dstMB.ID, destUID, srcMB.ID, srcUID)
		}

		newUIDNext := uidNext + uint32(len(uids))
		newModSeq := nextModSeq + 1
		co.Enqueue(`UPDATE mailboxes SET uidnext = $1, nextmodseq = $2 WHERE id = $3`, newUIDNext, int64(newModSeq), dstMB.ID)

		return co.Execute()
	})
	if err != nil {
		if err == registry.ErrNotFound {
			c.fail("NO", "[TRYCREATE] no such mailbox")
			return
		}
		c.fail("NO", "COPY failed: "+err.Error())
		return
	}

	lastUID := firstUID + uint32(len(uids)) - 1
	c.respText = fmt.Sprintf("[COPYUID %d %s %d:%d] COPY completed", uidvalidity, c.seqSet, firstUID, lastUID)
}

// parseSequenceSet parses an RFC 3501 sequence-set of message sequence
// numbers (no UIDs, no "$" saved-search marker) against a mailbox
// holding count messages. "*" refers to the highest sequence number.
func parseSequenceSet(s string, count int) ([]uint32, error) {
	var out []uint32
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		if colon := strings.IndexByte(part, ':'); colon >= 0 {
			lo, err := parseSeqNum(part[:colon], count)
			if err != nil {
				return nil, err
			}
			hi, err := parseSeqNum(part[colon+1:], count)
			if err != nil {
				return nil, err
			}
			if lo > hi {
				lo, hi = hi, lo
			}
			for i := lo; i <= hi; i++ {
				out = append(out, i)
			}
			continue
		}
		n, err := parseSeqNum(part, count)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty sequence set")
	}
	return out, nil
}

func parseSeqNum(s string, count int) (uint32, error) {
	if s == "*" {
		return uint32(count), nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 || int(n) > count {
		return 0, fmt.Errorf("invalid sequence number %q", s)
	}
	return uint32(n), nil
}
