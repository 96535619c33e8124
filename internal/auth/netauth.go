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

package auth

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/netauth/netauth/pkg/netauth"

	"github.com/corvidmail/corvid/framework/log"
)

// NetAuthProvider authenticates against a NetAuth identity server,
// optionally requiring membership in a named group.
type NetAuthProvider struct {
	RequireGroup string
	Log          log.Logger

	client *netauth.Client
}

// NewNetAuthProvider connects to the configured NetAuth service.
func NewNetAuthProvider(logger log.Logger, requireGroup string) (*NetAuthProvider, error) {
	l := hclog.New(&hclog.LoggerOptions{Output: logger})
	client, err := netauth.NewWithLog(l)
	if err != nil {
		return nil, fmt.Errorf("auth: netauth: %w", err)
	}
	client.SetServiceName("corvid")
	return &NetAuthProvider{RequireGroup: requireGroup, Log: logger, client: client}, nil
}

// Authenticate implements Authenticator.
func (p *NetAuthProvider) Authenticate(ctx context.Context, username, password string) (bool, error) {
	if err := p.client.AuthEntity(ctx, username, password); err != nil {
		return false, nil
	}
	if p.RequireGroup != "" {
		ok, err := p.hasGroup(ctx, username, p.RequireGroup)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (p *NetAuthProvider) hasGroup(ctx context.Context, username, group string) (bool, error) {
	groups, err := p.client.EntityGroups(ctx, username)
	if err != nil {
		return false, fmt.Errorf("auth: netauth: groups: %w", err)
	}
	for _, g := range groups {
		if g.GetName() == group {
			return true, nil
		}
	}
	return false, nil
}
