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

// Package auth defines the Authenticator boundary every protocol
// endpoint (IMAP LOGIN/AUTHENTICATE, SMTP submission AUTH) authenticates
// users through, plus an in-tree bcrypt-backed provider suitable for
// small deployments and tests. The SASL mechanism negotiation itself
// lives in sasl.go, built on top of the same Authenticator.
package auth

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"
)

// ErrUnknownCredentials is returned by Authenticate for a username this
// provider has no record of, distinguished from a wrong-password failure
// only by callers that specifically need to tell the two apart (most
// protocol-level responses are required to say "NO" either way).
var ErrUnknownCredentials = errors.New("auth: unknown credentials")

// Authenticator checks a plaintext username/password pair. Implementations
// must treat username comparison as the PRECIS UsernameCaseMapped profile
// requires: case-insensitive, width-folded.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (bool, error)
}

// StaticProvider is an in-memory Authenticator backed by bcrypt hashes,
// intended for local testing and single-node deployments that don't need
// LDAP or PAM.
type StaticProvider struct {
	mu    sync.RWMutex
	users map[string]string // PRECIS compare-key -> bcrypt hash
}

// NewStaticProvider returns an empty StaticProvider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{users: make(map[string]string)}
}

// SetPassword hashes password with bcrypt and stores it under username's
// PRECIS compare key, replacing any existing entry.
func (p *StaticProvider) SetPassword(username, password string) error {
	key, err := precis.UsernameCaseMapped.CompareKey(username)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.users[key] = string(hash)
	p.mu.Unlock()
	return nil
}

// RemoveUser deletes username's stored credential, if any.
func (p *StaticProvider) RemoveUser(username string) {
	key, err := precis.UsernameCaseMapped.CompareKey(username)
	if err != nil {
		return
	}
	p.mu.Lock()
	delete(p.users, key)
	p.mu.Unlock()
}

// Authenticate implements Authenticator.
func (p *StaticProvider) Authenticate(ctx context.Context, username, password string) (bool, error) {
	key, err := precis.UsernameCaseMapped.CompareKey(username)
	if err != nil {
		return false, err
	}

	p.mu.RLock()
	hash, ok := p.users[key]
	p.mu.RUnlock()
	if !ok {
		return false, ErrUnknownCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
