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

// Package smtpendpoint implements the SMTP submission pathway: an
// authenticated client hands over one RFC 5322 message via MAIL/RCPT/
// DATA, which is parsed and handed to the Message Injector targeting the
// mailbox owned by each recipient's local-part, exactly as IMAP APPEND
// does for a single mailbox. This supplements the spec's IMAP-centric
// core the way maddy's own "submission" endpoint supplements its IMAP
// storage backend.
package smtpendpoint

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"strings"
	"sync"

	"github.com/emersion/go-smtp"

	"github.com/corvidmail/corvid/framework/log"
	"github.com/corvidmail/corvid/internal/auth"
	"github.com/corvidmail/corvid/internal/inject"
	"github.com/corvidmail/corvid/internal/intern"
	"github.com/corvidmail/corvid/internal/registry"
	"github.com/corvidmail/corvid/internal/storage"
	"github.com/corvidmail/corvid/internal/txn"
)

// Endpoint is the SMTP submission service: one go-smtp server bound to
// the Injector/Registry/Pool an IMAP session would also share, so mail
// submitted here becomes visible to IMAP sessions through the same
// Cluster Notifier path APPEND uses.
type Endpoint struct {
	Hostname  string
	Auth      auth.Authenticator
	Pool      *storage.Pool
	Registry  *registry.Registry
	Injector  *inject.Injector
	Log       log.Logger
	TLSConfig *tls.Config

	serv      *smtp.Server
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New returns a ready Endpoint; ListenAndServe starts accepting
// connections.
func New(hostname string, authenticator auth.Authenticator, pool *storage.Pool, reg *registry.Registry, inj *inject.Injector, logger log.Logger) *Endpoint {
	endp := &Endpoint{
		Hostname: hostname,
		Auth:     authenticator,
		Pool:     pool,
		Registry: reg,
		Injector: inj,
		Log:      logger,
	}
	endp.serv = smtp.NewServer(endp)
	endp.serv.Domain = hostname
	endp.serv.AllowInsecureAuth = false
	endp.serv.EnableSMTPUTF8 = true
	return endp
}

// ListenAndServe binds addr and serves submission connections until
// Close is called. TLSConfig, if set, is required: plaintext submission
// with credentials in flight is never offered.
func (endp *Endpoint) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("smtpendpoint: listen: %w", err)
	}
	if endp.TLSConfig != nil {
		l = tls.NewListener(l, endp.TLSConfig)
	} else {
		endp.serv.AllowInsecureAuth = true
		endp.Log.Println("submission TLS is disabled, this is insecure and should only be used for testing")
	}
	endp.listeners = append(endp.listeners, l)
	endp.wg.Add(1)
	go func() {
		defer endp.wg.Done()
		if err := endp.serv.Serve(l); err != nil {
			endp.Log.Printf("submission: serve %s: %s", addr, err)
		}
	}()
	return nil
}

// Close shuts the server down and waits for its listener goroutines.
func (endp *Endpoint) Close() error {
	err := endp.serv.Close()
	endp.wg.Wait()
	return err
}

// NewSession implements smtp.Backend. The returned Session carries no
// credentials yet; submission always requires authentication, which
// arrives afterward through AuthPlain.
func (endp *Endpoint) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &Session{endp: endp, conn: c, log: endp.Log}, nil
}

// Session is one SMTP submission transaction. A client authenticates
// once per connection, then may submit many messages in sequence.
type Session struct {
	endp     *Endpoint
	conn     *smtp.Conn
	authUser string
	mailFrom string
	rcptTo   []string
	log      log.Logger
}

func (s *Session) Reset() {
	s.mailFrom = ""
	s.rcptTo = nil
}

func (s *Session) Logout() error { return nil }

// AuthPlain implements smtp.Session: go-smtp decodes the client's
// PLAIN/LOGIN SASL exchange itself and hands the recovered credentials
// here, so the endpoint need not speak SASL directly.
func (s *Session) AuthPlain(username, password string) error {
	ok, err := s.endp.Auth.Authenticate(context.Background(), username, password)
	if err != nil && !errors.Is(err, auth.ErrUnknownCredentials) {
		return err
	}
	if !ok {
		s.log.Msg("authentication failed", "username", username, "src_ip", s.conn.Conn().RemoteAddr())
		return errors.New("invalid credentials")
	}
	s.authUser = username
	return nil
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.mailFrom = from
	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	localpart, _, err := splitMailbox(to)
	if err != nil {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Malformed recipient address",
		}
	}
	if localpart == "" {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "Unknown recipient",
		}
	}
	s.rcptTo = append(s.rcptTo, to)
	return nil
}

func (s *Session) Data(r io.Reader) error {
	if len(s.rcptTo) == 0 {
		return &smtp.SMTPError{Code: 503, Message: "RCPT TO required before DATA"}
	}

	raw, err := ioutil.ReadAll(bufio.NewReader(r))
	if err != nil {
		return fmt.Errorf("smtpendpoint: reading message body: %w", err)
	}

	parts, err := inject.ParseMessage(raw)
	if err != nil {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message could not be parsed: " + err.Error(),
		}
	}

	ctx := context.Background()
	err = withTx(ctx, s.endp.Pool, func(co *txn.Coordinator) error {
		var mailboxIDs []int64
		for _, rcpt := range dedup(s.rcptTo) {
			localpart, domain, err := splitMailbox(rcpt)
			if err != nil {
				return err
			}
			name := mailboxName(localpart, domain)
			mb, err := s.endp.Registry.Obtain(ctx, co, name, true)
			if err != nil {
				return fmt.Errorf("resolving mailbox %q: %w", name, err)
			}
			mailboxIDs = append(mailboxIDs, mb.ID)
		}

		msg := inject.Message{
			RFC822Size: int64(len(raw)),
			Parts:      parts,
			Mailboxes:  mailboxIDs,
		}
		if s.mailFrom != "" {
			localpart, domain, _ := splitMailbox(s.mailFrom)
			msg.Delivery = &inject.Delivery{Sender: intern.Address{Localpart: localpart, Domain: domain}}
		}

		_, err := s.endp.Injector.Inject(ctx, co, []inject.Message{msg})
		return err
	})
	if err != nil {
		return fmt.Errorf("smtpendpoint: %w", err)
	}

	s.log.Msg("message accepted", "from", s.mailFrom, "rcpt_count", len(s.rcptTo), "username", s.authUser)
	return nil
}

// withTx runs fn inside a freshly begun transaction, committing on
// success and rolling back otherwise, mirroring the imapcommand package's
// own helper of the same name and shape.
func withTx(ctx context.Context, pool *storage.Pool, fn func(co *txn.Coordinator) error) error {
	co, err := txn.Begin(ctx, pool.DB)
	if err != nil {
		return err
	}
	if err := fn(co); err != nil {
		co.Rollback()
		return err
	}
	return co.Commit()
}

func dedup(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := addrs[:0:0]
	for _, a := range addrs {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// splitMailbox extracts the local-part/domain of an RFC 5321 reverse/
// forward path address, tolerating the surrounding angle brackets a raw
// MAIL FROM/RCPT TO argument carries.
func splitMailbox(addr string) (localpart, domain string, err error) {
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	if addr == "" {
		return "", "", nil
	}
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return "", "", fmt.Errorf("smtpendpoint: address %q has no domain", addr)
	}
	return addr[:at], addr[at+1:], nil
}

// mailboxName derives the per-recipient mailbox the message lands in.
// Mailboxes are named by local-part under a flat "user/INBOX" hierarchy
// since the schema's mailboxes table has no separate owner column;
// domain is intentionally not part of the name, matching a single-domain
// deployment the way maddy's own imapsql backend defaults namespacing.
func mailboxName(localpart, domain string) string {
	return strings.ToLower(localpart) + "/INBOX"
}
