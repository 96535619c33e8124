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
	"net"

	"github.com/emersion/go-sasl"
	dovecotsasl "github.com/foxcpp/go-dovecot-sasl"
)

// ErrDovecotUnsupportedMech is returned by DovecotProvider when the backend's
// authentication socket advertises neither PLAIN nor LOGIN.
var ErrDovecotUnsupportedMech = fmt.Errorf("auth: dovecot: no supported mechanism advertised")

// DovecotProvider authenticates through a Dovecot authentication socket
// (as used by Dovecot's auth-worker or any compatible implementation),
// speaking PLAIN or LOGIN over the connection per exchange.
type DovecotProvider struct {
	Dialer net.Dialer

	network string
	addr    string

	mechanisms map[string]dovecotsasl.Mechanism
}

// NewDovecotProvider dials network/addr once to read the advertised
// mechanism list, then returns a ready DovecotProvider. A new connection
// is opened for every subsequent Authenticate call.
func NewDovecotProvider(ctx context.Context, network, addr string) (*DovecotProvider, error) {
	p := &DovecotProvider{network: network, addr: addr}

	conn, err := p.Dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("auth: dovecot: unable to contact server: %w", err)
	}

	cl, err := dovecotsasl.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("auth: dovecot: unable to contact server: %w", err)
	}
	defer cl.Close()

	p.mechanisms = make(map[string]dovecotsasl.Mechanism, len(cl.ConnInfo().Mechs))
	for name, mech := range cl.ConnInfo().Mechs {
		if mech.Private {
			continue
		}
		p.mechanisms[name] = mech
	}

	return p, nil
}

func (p *DovecotProvider) getConn(ctx context.Context) (*dovecotsasl.Client, error) {
	conn, err := p.Dialer.DialContext(ctx, p.network, p.addr)
	if err != nil {
		return nil, fmt.Errorf("auth: dovecot: unable to contact server: %w", err)
	}
	return dovecotsasl.NewClient(conn)
}

// Authenticate implements Authenticator using whichever of PLAIN/LOGIN
// the server advertised, preferring PLAIN.
func (p *DovecotProvider) Authenticate(ctx context.Context, username, password string) (bool, error) {
	var client sasl.Client
	if _, ok := p.mechanisms[sasl.Plain]; ok {
		client = sasl.NewPlainClient("", username, password)
	} else if _, ok := p.mechanisms[sasl.Login]; ok {
		client = sasl.NewLoginClient(username, password)
	} else {
		return false, ErrDovecotUnsupportedMech
	}

	cl, err := p.getConn(ctx)
	if err != nil {
		return false, err
	}
	defer cl.Close()

	// The service name is nominal here; the backend has no visibility
	// into which protocol endpoint actually collected the credentials.
	if err := cl.Do("IMAP", client, dovecotsasl.Secured, dovecotsasl.NoPenalty); err != nil {
		return false, nil
	}
	return true, nil
}
