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

	"github.com/corvidmail/corvid/internal/imapsession"
)

// enableable lists the capabilities ENABLE (RFC 5161) is allowed to turn
// on; anything else is a BAD tagged response.
var enableable = map[string]bool{
	"CONDSTORE": true,
	"QRESYNC":   true,
}

// Enable implements the ENABLE command.
type Enable struct {
	base
	requested []string
}

// NewEnable returns the ENABLE command factory.
func NewEnable(tag string) imapsession.Command {
	return &Enable{base: newBase(tag, "ENABLE", 1)}
}

func (c *Enable) Parse(sess *imapsession.Session, args [][]byte) error {
	fields := strings.Fields(joinArgs(args))
	if len(fields) == 0 {
		c.fail("BAD", "no capabilities given")
		return nil
	}
	for _, f := range fields {
		name := strings.ToUpper(f)
		if !enableable[name] {
			c.fail("BAD", "capability "+name+" is not subject to ENABLE")
			return nil
		}
		c.requested = append(c.requested, name)
	}
	return nil
}

func (c *Enable) Execute(ctx context.Context, sess *imapsession.Session) {
	if len(c.requested) > 0 {
		sess.WriteLine("* ENABLED " + strings.Join(c.requested, " "))
	}
	c.state = imapsession.Finished
}
