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

package lmtpendpoint

import (
	"testing"

	"github.com/corvidmail/corvid/framework/log"
	"github.com/corvidmail/corvid/internal/inject"
)

func TestSplitMailboxRejectsMissingDomain(t *testing.T) {
	if _, _, err := splitMailbox("bob"); err == nil {
		t.Fatal("expected an error for an address with no domain")
	}
}

func TestMailboxNameLowercasesLocalpart(t *testing.T) {
	if got := mailboxName("Bob", "example.com"); got != "bob/INBOX" {
		t.Fatalf("mailboxName = %q", got)
	}
}

func TestVerifyDKIMSkipsUnsignedMessages(t *testing.T) {
	raw := []byte("From: alice@example.com\r\nTo: bob@example.com\r\n\r\nhi\r\n")
	if got := verifyDKIM(raw, "mx.example.com", log.Logger{}); got != "" {
		t.Fatalf("expected no Authentication-Results for an unsigned message, got %q", got)
	}
}

func TestPrependAuthResultHeaderTargetsHeaderAnchor(t *testing.T) {
	parts := []inject.Part{
		{Number: ""},
		{Number: "1", ContentType: "text/plain"},
	}
	got := prependAuthResultHeader(parts, "mx.example.com; dkim=pass")
	if len(got[0].HeaderFields) != 1 || got[0].HeaderFields[0].Name != "Authentication-Results" {
		t.Fatalf("header anchor part = %+v", got[0])
	}
	if len(got[1].HeaderFields) != 0 {
		t.Fatalf("leaf part should be untouched, got %+v", got[1])
	}
}

func TestDedupRemovesRepeats(t *testing.T) {
	got := dedup([]string{"a@x", "a@x", "b@x"})
	if len(got) != 2 {
		t.Fatalf("dedup = %#v", got)
	}
}
