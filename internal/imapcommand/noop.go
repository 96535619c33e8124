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

	"github.com/corvidmail/corvid/internal/imapsession"
)

// Noop implements NOOP (RFC 3501 section 6.1.2) and is also the vehicle
// CHECK reuses: both exist purely to give the server a chance to send
// pending untagged status updates. CHECK differs only in logging a debug
// line naming the selected mailbox; it performs no checkpoint of its own.
type Noop struct {
	base
	forceCheckpoint bool
}

// NewNoop returns the NOOP command factory.
func NewNoop(tag string) imapsession.Command {
	return &Noop{base: newBase(tag, "NOOP", 1)}
}

// NewCheck returns the CHECK command factory (RFC 3501 section 6.4.1).
func NewCheck(tag string) imapsession.Command {
	return &Noop{base: newBase(tag, "CHECK", 1), forceCheckpoint: true}
}

func (c *Noop) Parse(sess *imapsession.Session, args [][]byte) error {
	return nil
}

func (c *Noop) Execute(ctx context.Context, sess *imapsession.Session) {
	mb := sess.Mailbox()
	if mb != nil {
		snap := mb.Snapshot()
		sess.WriteLine(fmt.Sprintf("* OK [UIDNEXT %d] uidnext", snap.UIDNext))
		if c.forceCheckpoint {
			sess.Log.Debugln("checkpointed mailbox", snap.Name)
		}
	}
	c.state = imapsession.Finished
}
