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

// Package framing implements a growable byte buffer with line- and
// literal-extraction operations suitable for driving a line+literal wire
// protocol such as IMAP, without ever blocking the caller.
package framing

import "errors"

// ErrIncomplete is returned by RemoveLine and RemoveExact when the buffer
// does not yet hold enough bytes to satisfy the request. It is not a fatal
// condition: the caller should Write more bytes from the network and try
// again.
var ErrIncomplete = errors.New("framing: incomplete")

// Filter transforms bytes as they pass through the buffer, e.g. for TLS or
// compression layered beneath the line protocol. Filters are applied in
// the order they were added, both on Write (outer to inner) and would be
// applied in reverse on any future read-side decoding; the current
// implementation only exercises the write path, matching how TLS/COMPRESS
// are layered beneath IMAP framing in practice (decoding already happens
// below us, at the net.Conn level).
type Filter interface {
	Filter(p []byte) []byte
}

// Buffer is a growable byte buffer with cheap prefix removal, appended
// writes, and two protocol-aware extraction operations: RemoveLine and
// RemoveExact. It is the staging area between a raw byte stream and a
// command parser.
//
// A Buffer is not safe for concurrent use; callers (e.g. an IMAP session)
// already serialize access to it as part of the larger event loop.
type Buffer struct {
	buf     []byte
	off     int // index of first unconsumed byte
	eof     bool
	err     error
	filters []Filter
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// AddFilter appends a byte-transforming filter to the chain applied on
// Write.
func (b *Buffer) AddFilter(f Filter) {
	b.filters = append(b.filters, f)
}

// Write appends p to the buffer, running it through any registered
// filters first. It never blocks and never fails on its own; io errors
// observed by the caller's reader should be reported via SetError.
func (b *Buffer) Write(p []byte) {
	for _, f := range b.filters {
		p = f.Filter(p)
	}
	b.compact()
	b.buf = append(b.buf, p...)
}

// SetEOF marks the buffer as having reached the end of its input stream.
// RemoveLine/RemoveExact do not look at this flag and still return
// ErrIncomplete for a partial line or literal; callers use EOF() to
// distinguish "need more bytes" from "stream is over, this will never
// complete".
func (b *Buffer) SetEOF() {
	b.eof = true
}

// EOF reports whether the underlying stream has ended.
func (b *Buffer) EOF() bool {
	return b.eof
}

// SetError records a fatal error observed while feeding the buffer (e.g. a
// network read failure). Once set it is sticky and retrievable via Err.
func (b *Buffer) SetError(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Err returns the first error recorded via SetError, or nil.
func (b *Buffer) Err() error {
	return b.err
}

// Size returns the number of unconsumed bytes currently buffered.
func (b *Buffer) Size() int {
	return len(b.buf) - b.off
}

// Peek returns the byte at unconsumed offset i without consuming it, and
// whether that offset is currently available. Used to look ahead for a
// literal suffix ("{n}" / "{n+}") at the end of a parsed line.
func (b *Buffer) Peek(i int) (byte, bool) {
	if i < 0 || b.off+i >= len(b.buf) {
		return 0, false
	}
	return b.buf[b.off+i], true
}

// RemoveLine consumes and returns the bytes up to and including the next
// line terminator (CRLF, or a bare LF), stripped of the terminator itself.
// It returns ErrIncomplete, consuming nothing, if no terminator is present
// yet.
func (b *Buffer) RemoveLine() ([]byte, error) {
	data := b.buf[b.off:]
	idx := indexByte(data, '\n')
	if idx < 0 {
		return nil, ErrIncomplete
	}

	end := idx
	if end > 0 && data[end-1] == '\r' {
		end--
	}

	line := make([]byte, end)
	copy(line, data[:end])
	b.off += idx + 1
	return line, nil
}

// RemoveExact consumes and returns exactly n bytes, the raw contents of an
// IMAP literal. It returns ErrIncomplete, consuming nothing, if fewer than
// n bytes are currently buffered.
func (b *Buffer) RemoveExact(n int) ([]byte, error) {
	if n < 0 {
		n = 0
	}
	if b.Size() < n {
		return nil, ErrIncomplete
	}
	out := make([]byte, n)
	copy(out, b.buf[b.off:b.off+n])
	b.off += n
	return out, nil
}

// compact discards already-consumed bytes once they make up a significant
// fraction of the backing array, so long-lived connections don't grow
// their buffer without bound.
func (b *Buffer) compact() {
	if b.off == 0 {
		return
	}
	if b.off < 4096 && b.off < len(b.buf)/2 {
		return
	}
	n := copy(b.buf, b.buf[b.off:])
	b.buf = b.buf[:n]
	b.off = 0
}

func indexByte(p []byte, c byte) int {
	for i, x := range p {
		if x == c {
			return i
		}
	}
	return -1
}
