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

// Package corvidcli provides the urfave/cli application shell the
// corvid binary runs under: a "run" subcommand that starts the server
// plus room for operational subcommands alongside it.
package corvidcli

import (
	"github.com/urfave/cli/v2"

	"github.com/corvidmail/corvid/framework/log"
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Usage = "IMAP-centric mail server"
	app.Description = `corvid is a mail store: an IMAP server fed by an SMTP submission
endpoint and an LMTP local-delivery endpoint, backed by a single
Postgres database.

This executable starts the server ('run').
`
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}
	app.EnableBashCompletion = true
}

// AddSubcommand registers cmd with the application. The "run" command is
// additionally wired as the default action, so starting the server needs
// no subcommand argument.
func AddSubcommand(cmd *cli.Command) {
	app.Commands = append(app.Commands, cmd)
	if cmd.Name == "run" {
		app.Action = cmd.Action
		app.Flags = append(app.Flags, cmd.Flags...)
	}
}

// Run parses os.Args and dispatches to the matched subcommand.
func Run(args []string) int {
	if err := app.Run(args); err != nil {
		log.DefaultLogger.Error("command failed", err)
		return 1
	}
	return 0
}
