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
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/corvidmail/corvid/framework/log"
)

// LDAPConfig configures LDAPProvider: either a dnTemplate directly
// locates the user's bind DN, or BaseDN/Filter search for it first.
type LDAPConfig struct {
	URLs []string

	TLS      tls.Config
	StartTLS bool

	Dialer         net.Dialer
	RequestTimeout time.Duration

	// Bind authenticates the connection before any search is issued, so
	// a restricted read-only account can be used for the lookup itself;
	// an anonymous/unauthenticated bind is the zero-value default.
	Bind func(*ldap.Conn) error

	DNTemplate string // "{username}" substituted in; mutually exclusive with BaseDN/Filter
	BaseDN     string
	Filter     string // "{username}" substituted in
}

// LDAPProvider authenticates against a directory server by attempting a
// simple bind with the submitted credentials, resolving the bind DN
// either from DNTemplate directly or via a BaseDN/Filter search first.
type LDAPProvider struct {
	cfg LDAPConfig
	Log log.Logger

	mu   sync.Mutex
	conn *ldap.Conn
}

// NewLDAPProvider validates cfg and returns a ready LDAPProvider. The
// directory connection itself is established lazily on first use.
func NewLDAPProvider(cfg LDAPConfig) (*LDAPProvider, error) {
	if cfg.DNTemplate == "" {
		if cfg.BaseDN == "" {
			return nil, fmt.Errorf("auth: ldap: base DN not set")
		}
		if cfg.Filter == "" {
			return nil, fmt.Errorf("auth: ldap: filter not set")
		}
	} else if cfg.BaseDN != "" || cfg.Filter != "" {
		return nil, fmt.Errorf("auth: ldap: search directives set when dn_template is used")
	}
	if cfg.Bind == nil {
		cfg.Bind = func(*ldap.Conn) error { return nil }
	}
	return &LDAPProvider{cfg: cfg}, nil
}

func (p *LDAPProvider) newConn() (*ldap.Conn, error) {
	var conn *ldap.Conn
	var lastErr error
	for _, u := range p.cfg.URLs {
		parsedURL, err := url.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("auth: ldap: invalid server URL: %w", err)
		}
		tlsCfg := p.cfg.TLS.Clone()
		tlsCfg.ServerName = parsedURL.Host

		conn, err = ldap.DialURL(u, ldap.DialWithDialer(&p.cfg.Dialer), ldap.DialWithTLSConfig(tlsCfg))
		if err != nil {
			lastErr = err
			p.Log.Error("cannot contact directory server", err, "url", u)
			continue
		}
		break
	}
	if conn == nil {
		return nil, fmt.Errorf("auth: ldap: all directory servers are unreachable: %w", lastErr)
	}

	if p.cfg.RequestTimeout != 0 {
		conn.SetTimeout(p.cfg.RequestTimeout)
	}
	if p.cfg.StartTLS {
		tlsCfg := p.cfg.TLS.Clone()
		if err := conn.StartTLS(tlsCfg); err != nil {
			return nil, fmt.Errorf("auth: ldap: starttls: %w", err)
		}
	}
	if err := p.cfg.Bind(conn); err != nil {
		return nil, fmt.Errorf("auth: ldap: bind: %w", err)
	}
	return conn, nil
}

func (p *LDAPProvider) getConn() (*ldap.Conn, error) {
	p.mu.Lock()
	if p.conn == nil || p.conn.IsClosing() {
		if p.conn != nil {
			p.conn.Close()
		}
		conn, err := p.newConn()
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.conn = conn
	}
	return p.conn, nil
}

// returnConn re-binds the connection under the read credentials before
// releasing it back for the next Authenticate call.
func (p *LDAPProvider) returnConn(conn *ldap.Conn) {
	defer p.mu.Unlock()
	if err := p.cfg.Bind(conn); err != nil {
		p.Log.Error("failed to rebind for reading", err)
		conn.Close()
		p.conn = nil
		return
	}
	p.conn = conn
}

func (p *LDAPProvider) resolveDN(conn *ldap.Conn, username string) (string, error) {
	if p.cfg.DNTemplate != "" {
		return strings.ReplaceAll(p.cfg.DNTemplate, "{username}", username), nil
	}

	req := ldap.NewSearchRequest(
		p.cfg.BaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		2, 0, false,
		strings.ReplaceAll(p.cfg.Filter, "{username}", username),
		[]string{"dn"}, nil)
	res, err := conn.Search(req)
	if err != nil {
		return "", fmt.Errorf("auth: ldap: search: %w", err)
	}
	if len(res.Entries) > 1 {
		return "", fmt.Errorf("auth: ldap: ambiguous search, %d entries returned", len(res.Entries))
	}
	if len(res.Entries) == 0 {
		return "", ErrUnknownCredentials
	}
	return res.Entries[0].DN, nil
}

// Authenticate implements Authenticator by binding as the resolved user
// DN with the submitted password.
func (p *LDAPProvider) Authenticate(ctx context.Context, username, password string) (bool, error) {
	conn, err := p.getConn()
	if err != nil {
		return false, err
	}
	defer p.returnConn(conn)

	userDN, err := p.resolveDN(conn, username)
	if err != nil {
		if err == ErrUnknownCredentials {
			return false, ErrUnknownCredentials
		}
		return false, err
	}

	if err := conn.Bind(userDN, password); err != nil {
		return false, nil
	}
	return true, nil
}
