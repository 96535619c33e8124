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

package clusternotify

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/corvidmail/corvid/framework/log"
)

func TestFormatAndParseCounters(t *testing.T) {
	ev := Event{Mailbox: "INBOX", UIDNext: 42, NextModSeq: 7, HasCounters: true}
	line := ev.Format()
	if line != `* mailbox "INBOX" uidnext=42 nextmodseq=7` {
		t.Fatalf("unexpected wire line: %q", line)
	}

	got, err := Parse(line)
	if err != nil {
		t.Fatal(err)
	}
	if got.Mailbox != ev.Mailbox || got.UIDNext != ev.UIDNext || got.NextModSeq != ev.NextModSeq || !got.HasCounters {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestFormatAndParseDeleted(t *testing.T) {
	ev := Event{Mailbox: "Trash & Co", Deleted: true, HasDeleted: true}
	line := ev.Format()
	if line != `* mailbox "Trash & Co" deleted=t` {
		t.Fatalf("unexpected wire line: %q", line)
	}

	got, err := Parse(line)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Deleted || !got.HasDeleted {
		t.Fatalf("expected deleted=true, got %+v", got)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"* mailbox",
		"update mailbox \"INBOX\" uidnext=1 nextmodseq=1",
		"* mailbox INBOX uidnext=1 nextmodseq=1",
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Fatalf("expected error parsing %q", c)
		}
	}
}

type recordingSink struct {
	events chan Event
}

func (s *recordingSink) Apply(ev Event) { s.events <- ev }

func TestPushUnreachableDoesNotPanic(t *testing.T) {
	n := New("127.0.0.1:0", log.Logger{})
	// Port 0 dialed directly will fail to connect; Push must swallow it.
	n.Push(Event{Mailbox: "INBOX", UIDNext: 1, NextModSeq: 1, HasCounters: true})
}

func TestListenDispatchesParsedEvents(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	sink := &recordingSink{events: make(chan Event, 1)}
	n := New("", log.Logger{})
	n.Listen(ln, sink)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString("* mailbox \"INBOX\" uidnext=5 nextmodseq=3\n"); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sink.events:
		if ev.Mailbox != "INBOX" || ev.UIDNext != 5 || ev.NextModSeq != 3 {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched event")
	}
}
