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
	"testing"

	"github.com/corvidmail/corvid/framework/log"
	"github.com/corvidmail/corvid/internal/imapsession"
)

func TestNewBaseDefaultsToOK(t *testing.T) {
	b := newBase("a1", "NOOP", 1)
	if !b.OK() {
		t.Fatal("expected a freshly built base to be OK")
	}
	if b.Tag() != "a1" || b.Name() != "NOOP" || b.Group() != 1 {
		t.Fatalf("unexpected base fields: %+v", b)
	}
}

func TestBaseFailOverridesResponse(t *testing.T) {
	b := newBase("a1", "SELECT", 0)
	b.fail("BAD", "missing mailbox name")
	if b.OK() {
		t.Fatal("fail should clear OK")
	}
	if b.respCode != "BAD" || b.respText != "missing mailbox name" {
		t.Fatalf("unexpected response: %s %s", b.respCode, b.respText)
	}
}

func TestEmitResponsesFormatsTaggedLine(t *testing.T) {
	sess := imapsession.New(log.Logger{}, "IMAP4rev1")
	sess.TakeOutput() // discard the greeting

	b := newBase("a1", "NOOP", 1)
	b.EmitResponses(sess)

	out := string(sess.TakeOutput())
	if out != "a1 OK NOOP completed\r\n" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestJoinArgsTrimsAndJoins(t *testing.T) {
	got := joinArgs([][]byte{[]byte("  INBOX  "), []byte(""), []byte("extra")})
	if got != "INBOX extra" {
		t.Fatalf("joinArgs = %q", got)
	}
}

func TestRequireAuthenticatedFailsBeforeLogin(t *testing.T) {
	sess := imapsession.New(log.Logger{}, "IMAP4rev1")
	b := newBase("a1", "SELECT", 0)
	if requireAuthenticated(&b, sess) {
		t.Fatal("expected requireAuthenticated to fail pre-login")
	}
	if b.OK() {
		t.Fatal("expected base to record the failure")
	}
}

func TestRequireSelectedFailsWithoutMailbox(t *testing.T) {
	sess := imapsession.New(log.Logger{}, "IMAP4rev1")
	b := newBase("a1", "COPY", 0)
	if requireSelected(&b, sess) {
		t.Fatal("expected requireSelected to fail without a selected mailbox")
	}
}
