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
	"github.com/corvidmail/corvid/internal/auth"
	"github.com/corvidmail/corvid/internal/imapsession"
	"github.com/corvidmail/corvid/internal/inject"
)

// Register wires every handler in this package into sess under its IMAP
// command name.
func Register(sess *imapsession.Session, deps *Deps, authenticator auth.Authenticator, inj *inject.Injector) {
	sess.RegisterCommand("LOGIN", NewLoginFactory(authenticator))
	sess.RegisterCommand("LOGOUT", NewLogout)
	sess.RegisterCommand("SELECT", NewSelectFactory(deps))
	sess.RegisterCommand("EXAMINE", NewExamineFactory(deps))
	sess.RegisterCommand("NOOP", NewNoop)
	sess.RegisterCommand("CHECK", NewCheck)
	sess.RegisterCommand("ENABLE", NewEnable)
	sess.RegisterCommand("EXPUNGE", NewExpungeFactory(deps))
	sess.RegisterCommand("APPEND", NewAppendFactory(deps, inj))
	sess.RegisterCommand("COPY", NewCopyFactory(deps))
}
