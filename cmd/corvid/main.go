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

package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v2"

	corvidcli "github.com/corvidmail/corvid/internal/cli"
)

func main() {
	corvidcli.AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "start the server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "/etc/corvid/corvid.conf",
				Usage:   "path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			return runServer(context.Background(), c.String("config"))
		},
	})

	os.Exit(corvidcli.Run(os.Args))
}
