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
	"strings"

	"github.com/corvidmail/corvid/internal/auth"
	"github.com/corvidmail/corvid/internal/imapsession"
)

// Login implements LOGIN (RFC 3501 section 6.2.3).
type Login struct {
	base
	authenticator    auth.Authenticator
	username, passwd string
}

// NewLoginFactory returns a Factory binding authenticator for every LOGIN
// command parsed on a session.
func NewLoginFactory(authenticator auth.Authenticator) imapsession.Factory {
	return func(tag string) imapsession.Command {
		return &Login{base: newBase(tag, "LOGIN", 0), authenticator: authenticator}
	}
}

func (c *Login) Parse(sess *imapsession.Session, args [][]byte) error {
	fields := splitQuotedFields(joinArgs(args))
	if len(fields) != 2 {
		c.fail("BAD", "LOGIN requires exactly two arguments")
		return nil
	}
	c.username, c.passwd = fields[0], fields[1]
	return nil
}

func (c *Login) Execute(ctx context.Context, sess *imapsession.Session) {
	if sess.State() != imapsession.NotAuthenticated {
		c.fail("BAD", "already authenticated")
		c.state = imapsession.Finished
		return
	}
	if c.authenticator == nil {
		c.fail("NO", "LOGIN unavailable")
		c.state = imapsession.Finished
		return
	}

	ok, err := c.authenticator.Authenticate(ctx, c.username, c.passwd)
	if err != nil && err != auth.ErrUnknownCredentials {
		sess.Log.Error("imapcommand: login backend error", err)
		c.fail("NO", "LOGIN failed, temporary failure")
		c.state = imapsession.Finished
		return
	}
	if !ok {
		c.fail("NO", "LOGIN failed")
		c.state = imapsession.Finished
		return
	}

	sess.SetLogin(c.username)
	c.state = imapsession.Finished
}

// splitQuotedFields splits on whitespace, treating a double-quoted run as
// a single field with its quotes stripped; good enough for the atom and
// quoted-string forms LOGIN's two arguments take in practice.
func splitQuotedFields(s string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == ' ' && !inQuotes:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}
