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

// Package clusternotify implements the Cluster Notifier: a single-writer
// connection to a peer coordination daemon ("ocd" in the configuration
// directives) that publishes mailbox change events and consumes the same
// shape from peers to keep the local Registry current.
//
// Shaped after maddy's internal/updatepipe.UnixSockPipe: one outbound
// connection for Push, one listener goroutine for Listen, both optional
// and independently fallible. Unlike updatepipe (which serializes full
// IMAP update objects as JSON over a Unix socket), the wire format here
// is plain newline-delimited key=value text, because that is the shape
// the "ocd-address"/"ocd-port" peer configuration directives call for.
package clusternotify

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/corvidmail/corvid/framework/log"
)

// Event is one change notification, either direction.
type Event struct {
	Mailbox string // UTF-7 encoded mailbox name, as it appears on the wire

	// Exactly one of the following is set, matching the two line
	// shapes below.
	HasCounters bool
	UIDNext     uint32
	NextModSeq  uint64

	HasDeleted bool
	Deleted    bool
}

// Format renders ev as the wire line(s):
//
//	* mailbox "<utf7-name>" uidnext=<n> nextmodseq=<n>
//	* mailbox "<utf7-name>" deleted=(t|f)
func (ev Event) Format() string {
	if ev.HasDeleted {
		d := "f"
		if ev.Deleted {
			d = "t"
		}
		return fmt.Sprintf("* mailbox %q deleted=%s", ev.Mailbox, d)
	}
	return fmt.Sprintf("* mailbox %q uidnext=%d nextmodseq=%d", ev.Mailbox, ev.UIDNext, ev.NextModSeq)
}

// Parse parses one wire line back into an Event. Lines not shaped like
// "* mailbox ..." are rejected; this notifier speaks no other message
// kind.
func Parse(line string) (Event, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != "*" || fields[1] != "mailbox" {
		return Event{}, fmt.Errorf("clusternotify: malformed line %q", line)
	}

	name, rest, err := parseQuoted(strings.Join(fields[2:], " "))
	if err != nil {
		return Event{}, err
	}

	ev := Event{Mailbox: name}
	for _, kv := range strings.Fields(rest) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "uidnext":
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return Event{}, fmt.Errorf("clusternotify: bad uidnext: %w", err)
			}
			ev.UIDNext = uint32(n)
			ev.HasCounters = true
		case "nextmodseq":
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return Event{}, fmt.Errorf("clusternotify: bad nextmodseq: %w", err)
			}
			ev.NextModSeq = n
			ev.HasCounters = true
		case "deleted":
			ev.Deleted = v == "t"
			ev.HasDeleted = true
		}
	}
	return ev, nil
}

func parseQuoted(s string) (value, rest string, err error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 || s[0] != '"' {
		return "", "", fmt.Errorf("clusternotify: expected quoted mailbox name in %q", s)
	}
	end := strings.IndexByte(s[1:], '"')
	if end < 0 {
		return "", "", fmt.Errorf("clusternotify: unterminated quote in %q", s)
	}
	end++ // account for the leading offset
	return s[1:end], strings.TrimSpace(s[end+1:]), nil
}

// Notifier is a single-writer connection to the cluster coordination
// peer. The zero value is not usable; construct with New.
type Notifier struct {
	addr string
	log  log.Logger

	mu   sync.Mutex
	conn net.Conn
}

// New returns a Notifier that will dial addr lazily on first Push.
func New(addr string, logger log.Logger) *Notifier {
	return &Notifier{addr: addr, log: logger}
}

// Push publishes ev to the peer. Failure to connect or write is logged at
// disaster severity and otherwise swallowed: the process carries on in
// standalone mode and message delivery does not fail because the cluster
// peer is unreachable.
func (n *Notifier) Push(ev Event) {
	if n.addr == "" {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		conn, err := net.Dial("tcp", n.addr)
		if err != nil {
			sc := log.NewScope(n.log)
			sc.Log(log.SevDisaster, "cluster notifier unreachable, continuing standalone", "error", err.Error())
			sc.Commit()
			return
		}
		n.conn = conn
	}

	if _, err := io.WriteString(n.conn, ev.Format()+"\n"); err != nil {
		sc := log.NewScope(n.log)
		sc.Log(log.SevDisaster, "cluster notifier write failed, continuing standalone", "error", err.Error())
		sc.Commit()
		n.conn.Close()
		n.conn = nil
	}
}

// Sink receives Events parsed off an inbound Listen connection, applying
// them to the local Registry.
type Sink interface {
	Apply(ev Event)
}

// Listen accepts connections on ln in a background goroutine until Accept
// fails (for example because ln was closed). Each accepted connection is
// read on its own goroutine, and every line it carries is parsed and fed
// to sink until that connection closes.
//
// Matches updatepipe.UnixSockPipe.Listen's one-goroutine-reads-and-
// dispatches shape, adapted from a Unix socket to the TCP line protocol
// the ocd peer's configuration calls for.
func (n *Notifier) Listen(ln net.Listener, sink Sink) {
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go n.readLoop(conn, sink)
		}
	}()
}

func (n *Notifier) readLoop(conn net.Conn, sink Sink) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		ev, err := Parse(scanner.Text())
		if err != nil {
			n.log.Msg("malformed cluster notifier line", "error", err.Error(), "line", scanner.Text())
			continue
		}
		sink.Apply(ev)
	}
}

// Close releases the outbound connection, if any.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	err := n.conn.Close()
	n.conn = nil
	return err
}
