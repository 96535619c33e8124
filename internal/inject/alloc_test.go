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

package inject

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strings"
	"sync"
	"testing"

	"github.com/corvidmail/corvid/framework/log"
	"github.com/corvidmail/corvid/internal/registry"
	"github.com/corvidmail/corvid/internal/txn"
)

// allocFakeDriver serves exactly the two query shapes allocateUIDs
// issues: the locking SELECT and the counter-advancing UPDATE. It
// records the order mailbox ids were locked in, so tests can assert the
// ascending-id ordering that makes concurrent Injectors deadlock-free.
type allocFakeDriver struct {
	mu        sync.Mutex
	mailboxes map[int64][3]uint32 // id -> uidnext, nextmodseq, first_recent
	lockOrder []int64
}

func (d *allocFakeDriver) Open(string) (driver.Conn, error) { return &allocFakeConn{d: d}, nil }

type allocFakeConn struct{ d *allocFakeDriver }

func (c *allocFakeConn) Prepare(q string) (driver.Stmt, error) { return &allocFakeStmt{c: c, q: q}, nil }
func (c *allocFakeConn) Close() error                          { return nil }
func (c *allocFakeConn) Begin() (driver.Tx, error)             { return allocFakeTx{}, nil }

type allocFakeTx struct{}

func (allocFakeTx) Commit() error   { return nil }
func (allocFakeTx) Rollback() error { return nil }

type allocFakeStmt struct {
	c *allocFakeConn
	q string
}

func (s *allocFakeStmt) Close() error  { return nil }
func (s *allocFakeStmt) NumInput() int { return -1 }

func (s *allocFakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	d := s.c.d
	d.mu.Lock()
	defer d.mu.Unlock()

	id, _ := args[0].(int64)
	n, _ := args[1].(int64)
	row := d.mailboxes[id]
	row[0] += uint32(n)
	row[1] += 1
	if strings.Contains(s.q, "first_recent = first_recent") {
		row[2] += uint32(n)
	}
	d.mailboxes[id] = row
	return driver.RowsAffected(1), nil
}

func (s *allocFakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	d := s.c.d
	d.mu.Lock()
	defer d.mu.Unlock()

	id, _ := args[0].(int64)
	d.lockOrder = append(d.lockOrder, id)
	row := d.mailboxes[id]
	return &allocFakeRows{vals: [][]driver.Value{{int64(row[0]), int64(row[1]), int64(row[2])}}}, nil
}

type allocFakeRows struct {
	vals [][]driver.Value
	pos  int
}

func (r *allocFakeRows) Columns() []string { return nil }
func (r *allocFakeRows) Close() error      { return nil }
func (r *allocFakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.vals) {
		return sql.ErrNoRows
	}
	copy(dest, r.vals[r.pos])
	r.pos++
	return nil
}

var allocRegisterOnce sync.Once
var currentAllocDriver *allocFakeDriver

type allocDriverShim struct{}

func (allocDriverShim) Open(name string) (driver.Conn, error) { return currentAllocDriver.Open(name) }

func newAllocCoordinator(t *testing.T, d *allocFakeDriver) *txn.Coordinator {
	t.Helper()
	currentAllocDriver = d
	allocRegisterOnce.Do(func() {
		sql.Register("corvid-inject-alloc-fake", allocDriverShim{})
	})
	db, err := sql.Open("corvid-inject-alloc-fake", "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	co, err := txn.Begin(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	return co
}

func TestAllocateUIDsLocksInAscendingOrder(t *testing.T) {
	d := &allocFakeDriver{mailboxes: map[int64][3]uint32{
		5: {1, 1, 1},
		1: {1, 1, 1},
		3: {1, 1, 1},
	}}
	co := newAllocCoordinator(t, d)

	inj := &Injector{Registry: registry.New(), Log: log.Logger{}}
	msgs := []Message{
		{Mailboxes: []int64{5, 1}},
		{Mailboxes: []int64{3}},
	}

	_, err := inj.allocateUIDs(co, msgs)
	if err != nil {
		t.Fatal(err)
	}

	want := []int64{1, 3, 5}
	if !equalInt64(d.lockOrder, want) {
		t.Fatalf("expected every mailbox locked exactly once in ascending id order, got %v", d.lockOrder)
	}
}

func TestAllocateUIDsAssignsSequentialUIDsPerMailbox(t *testing.T) {
	d := &allocFakeDriver{mailboxes: map[int64][3]uint32{
		1: {10, 4, 10},
	}}
	co := newAllocCoordinator(t, d)

	inj := &Injector{Registry: registry.New(), Log: log.Logger{}}
	msgs := []Message{
		{Mailboxes: []int64{1}},
		{Mailboxes: []int64{1}},
		{Mailboxes: []int64{1}},
	}

	alloc, err := inj.allocateUIDs(co, msgs)
	if err != nil {
		t.Fatal(err)
	}

	for i, want := range []uint32{10, 11, 12} {
		if got := alloc[i][1].UID; got != want {
			t.Fatalf("message %d: expected uid %d, got %d", i, want, got)
		}
	}
	// All three messages share the single modseq bump for this mailbox.
	if alloc[0][1].ModSeq != alloc[1][1].ModSeq || alloc[1][1].ModSeq != alloc[2][1].ModSeq {
		t.Fatalf("expected a shared modseq across messages sharing a mailbox: %+v", alloc)
	}
	if alloc[0][1].ModSeq != 4 {
		t.Fatalf("expected the messages to take the mailbox's current nextmodseq (4), got %d", alloc[0][1].ModSeq)
	}

	if d.mailboxes[1][0] != 13 {
		t.Fatalf("expected uidnext to advance by 3, got %d", d.mailboxes[1][0])
	}
}

func sortInt64(s []int64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func equalInt64(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
