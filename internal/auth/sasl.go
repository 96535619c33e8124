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
	"errors"
	"net"

	"github.com/emersion/go-sasl"

	"github.com/corvidmail/corvid/framework/log"
)

// ErrUnsupportedMech is returned by CreateSASL for a mechanism name the
// session did not advertise in its capability list.
var ErrUnsupportedMech = errors.New("auth: unsupported SASL mechanism")

// SASLAuth wires an Authenticator into the two SASL mechanisms the
// protocol endpoints offer: PLAIN and LOGIN. Both ultimately call
// Authenticate with the same plaintext username/password.
type SASLAuth struct {
	Log  log.Logger
	Auth Authenticator
}

// SASLMechanisms lists the mechanisms this wrapper can create a server
// for, for inclusion in an endpoint's CAPABILITY response.
func (s *SASLAuth) SASLMechanisms() []string {
	if s.Auth == nil {
		return nil
	}
	return []string{sasl.Plain, sasl.Login}
}

// CreateSASL returns a sasl.Server for mech, whose successCb is invoked
// with the authenticated username once credentials check out.
func (s *SASLAuth) CreateSASL(ctx context.Context, mech string, remoteAddr net.Addr, successCb func(identity string) error) sasl.Server {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			return s.authenticate(ctx, username, password, identity, remoteAddr, successCb)
		})
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			return s.authenticate(ctx, username, password, "", remoteAddr, successCb)
		})
	}
	return failingSASLServer{err: ErrUnsupportedMech}
}

func (s *SASLAuth) authenticate(ctx context.Context, username, password, identity string, remoteAddr net.Addr, successCb func(string) error) error {
	if s.Auth == nil {
		return ErrUnsupportedMech
	}

	ok, err := s.Auth.Authenticate(ctx, username, password)
	if err != nil && !errors.Is(err, ErrUnknownCredentials) {
		s.Log.Error("authentication backend error", err, "username", username, "src_ip", remoteAddr)
		return errors.New("auth: invalid credentials")
	}
	if !ok {
		s.Log.Debugf("authentication failed for %s from %v", username, remoteAddr)
		return errors.New("auth: invalid credentials")
	}

	who := username
	if identity != "" {
		who = identity
	}
	return successCb(who)
}

type failingSASLServer struct{ err error }

func (s failingSASLServer) Next([]byte) ([]byte, bool, error) {
	return nil, true, s.err
}
