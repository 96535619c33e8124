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

// Package lmtpendpoint implements the LMTP delivery pathway (RFC 2033):
// an upstream MTA hands over one message destined for potentially many
// local recipients, and status is reported back per-recipient rather
// than once for the whole transaction, unlike plain SMTP DATA. Inbound
// signatures are verified with DKIM before the message reaches the
// Injector, surfacing a supplemental authentication-results signal the
// distilled core spec left out but the original delivery path carried.
package lmtpendpoint

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"strings"
	"sync"

	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/emersion/go-smtp"

	"github.com/corvidmail/corvid/framework/log"
	"github.com/corvidmail/corvid/internal/inject"
	"github.com/corvidmail/corvid/internal/intern"
	"github.com/corvidmail/corvid/internal/registry"
	"github.com/corvidmail/corvid/internal/storage"
	"github.com/corvidmail/corvid/internal/txn"
)

// Endpoint is the LMTP local-delivery service. It trusts its caller for
// authentication (LMTP sockets are bound to the loopback interface or a
// Unix socket reachable only by the upstream MTA) and so never demands
// SASL credentials, unlike the submission endpoint.
type Endpoint struct {
	Hostname string
	Pool     *storage.Pool
	Registry *registry.Registry
	Injector *inject.Injector
	Log      log.Logger

	serv      *smtp.Server
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New returns a ready Endpoint; ListenAndServe starts accepting
// connections.
func New(hostname string, pool *storage.Pool, reg *registry.Registry, inj *inject.Injector, logger log.Logger) *Endpoint {
	endp := &Endpoint{
		Hostname: hostname,
		Pool:     pool,
		Registry: reg,
		Injector: inj,
		Log:      logger,
	}
	endp.serv = smtp.NewServer(endp)
	endp.serv.Domain = hostname
	endp.serv.LMTP = true
	endp.serv.AuthDisabled = true
	return endp
}

// ListenAndServe binds addr, which is ordinarily a Unix socket path
// rather than a TCP address, and serves LMTP connections until Close is
// called.
func (endp *Endpoint) ListenAndServe(network, addr string) error {
	l, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("lmtpendpoint: listen: %w", err)
	}
	endp.listeners = append(endp.listeners, l)
	endp.wg.Add(1)
	go func() {
		defer endp.wg.Done()
		if err := endp.serv.Serve(l); err != nil {
			endp.Log.Printf("lmtp: serve %s: %s", addr, err)
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

// NewSession accepts every connection without credentials; LMTP has
// no authentication step of its own, access control is the listening
// socket's job.
func (endp *Endpoint) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &Session{endp: endp, log: endp.Log}, nil
}

// Session is one LMTP delivery transaction, covering one MAIL FROM,
// one or more RCPT TO, and one DATA/BDAT that is delivered to each
// accepted recipient independently.
type Session struct {
	endp     *Endpoint
	mailFrom string
	rcptTo   []string
	log      log.Logger
}

func (s *Session) Reset() {
	s.mailFrom = ""
	s.rcptTo = nil
}

func (s *Session) Logout() error { return nil }

// AuthPlain is unused: the endpoint disables authentication (LMTP sockets
// are trusted by listening address, not by credentials).
func (s *Session) AuthPlain(username, password string) error {
	return smtp.ErrAuthUnsupported
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.mailFrom = from
	return nil
}

func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	localpart, _, err := splitMailbox(to)
	if err != nil || localpart == "" {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "Unknown recipient",
		}
	}
	s.rcptTo = append(s.rcptTo, to)
	return nil
}

// Data handles plain SMTP-style single-status delivery; LMTP clients are
// expected to call LMTPData instead, but the fallback keeps this Session
// usable against an ordinary smtp.Server in tests.
func (s *Session) Data(r io.Reader) error {
	return s.LMTPData(r, singleStatus{})
}

type singleStatus struct{}

func (singleStatus) SetStatus(rcpt string, err error) {}

// LMTPData delivers the message to every recipient accepted by Rcpt,
// reporting success or failure back through sc on a per-recipient basis
// as RFC 2033 section 4.2 requires, rather than failing or succeeding
// the whole transaction atomically the way plain SMTP DATA does.
func (s *Session) LMTPData(r io.Reader, sc smtp.StatusCollector) error {
	if len(s.rcptTo) == 0 {
		return &smtp.SMTPError{Code: 503, Message: "RCPT TO required before DATA"}
	}

	raw, err := ioutil.ReadAll(bufio.NewReader(r))
	if err != nil {
		return fmt.Errorf("lmtpendpoint: reading message body: %w", err)
	}

	authResult := verifyDKIM(raw, s.endp.Hostname, s.log)

	parts, err := inject.ParseMessage(raw)
	if err != nil {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message could not be parsed: " + err.Error(),
		}
	}

	ctx := context.Background()
	for _, rcpt := range dedup(s.rcptTo) {
		sc.SetStatus(rcpt, s.deliverOne(ctx, rcpt, raw, parts, authResult))
	}

	return nil
}

// deliverOne injects the message into one recipient's mailbox inside its
// own transaction, so a failure resolving or writing to one recipient's
// mailbox never blocks delivery to the others in the same DATA command.
func (s *Session) deliverOne(ctx context.Context, rcpt string, raw []byte, parts []inject.Part, authResult string) error {
	localpart, domain, err := splitMailbox(rcpt)
	if err != nil {
		return err
	}

	return withTx(ctx, s.endp.Pool, func(co *txn.Coordinator) error {
		name := mailboxName(localpart, domain)
		mb, err := s.endp.Registry.Obtain(ctx, co, name, true)
		if err != nil {
			return fmt.Errorf("resolving mailbox %q: %w", name, err)
		}

		msg := inject.Message{
			RFC822Size: int64(len(raw)),
			Parts:      parts,
			Mailboxes:  []int64{mb.ID},
		}
		if s.mailFrom != "" {
			fromLocal, fromDomain, _ := splitMailbox(s.mailFrom)
			msg.Delivery = &inject.Delivery{Sender: intern.Address{Localpart: fromLocal, Domain: fromDomain}}
		}
		if authResult != "" {
			msg.Parts = prependAuthResultHeader(msg.Parts, authResult)
		}

		_, err = s.endp.Injector.Inject(ctx, co, []inject.Message{msg})
		return err
	})
}

// verifyDKIM checks every DKIM-Signature field on raw and renders a
// complete Authentication-Results header value (RFC 8601) summarizing
// the outcome, or "" if the message carries no signatures to verify.
func verifyDKIM(raw []byte, hostname string, logger log.Logger) string {
	if !bytes.Contains(raw[:minInt(len(raw), 8192)], []byte("DKIM-Signature:")) {
		return ""
	}

	verifications, err := dkim.Verify(bytes.NewReader(raw))
	if err != nil {
		logger.Printf("dkim: verification failed: %s", err)
		return authres.Format(hostname, []authres.Result{&authres.DKIMResult{Value: authres.ResultNeutral}})
	}
	if len(verifications) == 0 {
		return ""
	}

	var results []authres.Result
	for _, v := range verifications {
		var val authres.ResultValue = authres.ResultPass
		if v.Err != nil {
			val = authres.ResultFail
			logger.Printf("dkim: bad signature from %s (%s): %s", v.Domain, v.Identifier, v.Err)
		}
		results = append(results, &authres.DKIMResult{
			Value:      val,
			Domain:     v.Domain,
			Identifier: v.Identifier,
		})
	}
	return authres.Format(hostname, results)
}

// prependAuthResultHeader stamps an Authentication-Results header onto
// the header-anchor part (Number == "") produced by inject.ParseMessage,
// the way an MDA adds its own trust boundary's verdict before storing a
// message it just authenticated.
func prependAuthResultHeader(parts []inject.Part, line string) []inject.Part {
	for i := range parts {
		if parts[i].Number != "" {
			continue
		}
		parts[i].HeaderFields = append([]inject.Field{{Name: "Authentication-Results", Value: line}}, parts[i].HeaderFields...)
		break
	}
	return parts
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
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

func splitMailbox(addr string) (localpart, domain string, err error) {
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	if addr == "" {
		return "", "", nil
	}
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return "", "", fmt.Errorf("lmtpendpoint: address %q has no domain", addr)
	}
	return addr[:at], addr[at+1:], nil
}

func mailboxName(localpart, domain string) string {
	return strings.ToLower(localpart) + "/INBOX"
}

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
