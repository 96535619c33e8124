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

package registry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strings"
	"sync"
	"testing"

	"github.com/corvidmail/corvid/internal/txn"
)

type regFakeDriver struct {
	mu   sync.Mutex
	rows map[string][6]interface{} // name -> id, uidnext, nextmodseq, first_recent, deleted, uidvalidity
	next int64
}

func (d *regFakeDriver) Open(string) (driver.Conn, error) { return &regFakeConn{d: d}, nil }

type regFakeConn struct{ d *regFakeDriver }

func (c *regFakeConn) Prepare(q string) (driver.Stmt, error) { return &regFakeStmt{c: c, q: q}, nil }
func (c *regFakeConn) Close() error                          { return nil }
func (c *regFakeConn) Begin() (driver.Tx, error)             { return regFakeTx{}, nil }

type regFakeTx struct{}

func (regFakeTx) Commit() error   { return nil }
func (regFakeTx) Rollback() error { return nil }

type regFakeStmt struct {
	c *regFakeConn
	q string
}

func (s *regFakeStmt) Close() error  { return nil }
func (s *regFakeStmt) NumInput() int { return -1 }
func (s *regFakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return driver.RowsAffected(1), nil
}

func (s *regFakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	d := s.c.d
	d.mu.Lock()
	defer d.mu.Unlock()

	name, _ := args[0].(string)

	if strings.HasPrefix(s.q, "SELECT") {
		if row, ok := d.rows[name]; ok {
			return &regFakeRows{vals: [][]driver.Value{{row[0], row[1], row[2], row[3], row[4], row[5]}}}, nil
		}
		return &regFakeRows{}, nil
	}

	// INSERT ... RETURNING id, uidvalidity
	if d.rows == nil {
		d.rows = map[string][6]interface{}{}
	}
	d.next++
	d.rows[name] = [6]interface{}{d.next, int64(1), int64(1), int64(1), false, int64(1000 + d.next)}
	return &regFakeRows{vals: [][]driver.Value{{d.next, int64(1000 + d.next)}}}, nil
}

type regFakeRows struct {
	vals [][]driver.Value
	pos  int
}

func (r *regFakeRows) Columns() []string { return nil }
func (r *regFakeRows) Close() error      { return nil }
func (r *regFakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.vals) {
		return sql.ErrNoRows
	}
	copy(dest, r.vals[r.pos])
	r.pos++
	return nil
}

var regRegisterOnce sync.Once
var currentRegDriver *regFakeDriver

func openRegDB(d *regFakeDriver) *sql.DB {
	currentRegDriver = d
	regRegisterOnce.Do(func() {
		sql.Register("corvid-registry-fake", regDriverShim{})
	})
	db, _ := sql.Open("corvid-registry-fake", "")
	return db
}

type regDriverShim struct{}

func (regDriverShim) Open(name string) (driver.Conn, error) { return currentRegDriver.Open(name) }

func newRegCoordinator(t *testing.T, d *regFakeDriver) *txn.Coordinator {
	t.Helper()
	db := openRegDB(d)
	t.Cleanup(func() { db.Close() })
	co, err := txn.Begin(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	return co
}

type stubObserver struct {
	changed int
}

func (o *stubObserver) MailboxChanged(mb *Mailbox) { o.changed++ }

func TestObtainCreatesIfMissing(t *testing.T) {
	d := &regFakeDriver{rows: map[string][6]interface{}{}}
	co := newRegCoordinator(t, d)

	r := New()
	mb, err := r.Obtain(context.Background(), co, "INBOX", true)
	if err != nil {
		t.Fatal(err)
	}
	if mb.UIDNext != 1 || mb.NextModSeq != 1 {
		t.Fatalf("new mailbox should start at uidnext=1 nextmodseq=1, got %+v", mb)
	}
}

func TestObtainWithoutCreateFails(t *testing.T) {
	d := &regFakeDriver{rows: map[string][6]interface{}{}}
	co := newRegCoordinator(t, d)

	r := New()
	if _, err := r.Obtain(context.Background(), co, "Missing", false); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestObtainIsIdempotentInProcess(t *testing.T) {
	d := &regFakeDriver{rows: map[string][6]interface{}{}}
	co := newRegCoordinator(t, d)

	r := New()
	a, err := r.Obtain(context.Background(), co, "INBOX", true)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Obtain(context.Background(), co, "INBOX", true)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("second Obtain should return the same cached *Mailbox")
	}
}

func TestMonotonicCounters(t *testing.T) {
	d := &regFakeDriver{rows: map[string][6]interface{}{}}
	co := newRegCoordinator(t, d)

	r := New()
	mb, err := r.Obtain(context.Background(), co, "INBOX", true)
	if err != nil {
		t.Fatal(err)
	}

	obs := &stubObserver{}
	mb.Attach(obs)

	r.SetUIDNextAndNextModSeq(mb, 10, 5)
	if mb.UIDNext != 10 || mb.NextModSeq != 5 {
		t.Fatalf("counters did not advance: %+v", mb)
	}
	if obs.changed != 1 {
		t.Fatalf("expected 1 notification, got %d", obs.changed)
	}

	// A stale/backward update must never move the counters down.
	r.SetUIDNextAndNextModSeq(mb, 3, 2)
	if mb.UIDNext != 10 || mb.NextModSeq != 5 {
		t.Fatalf("counters moved backward: %+v", mb)
	}
	if obs.changed != 1 {
		t.Fatalf("no-op update should not notify again, got %d notifications", obs.changed)
	}
}

func TestHasObservers(t *testing.T) {
	mb := &Mailbox{}
	if mb.HasObservers() {
		t.Fatal("fresh mailbox should have no observers")
	}
	obs := &stubObserver{}
	mb.Attach(obs)
	if !mb.HasObservers() {
		t.Fatal("expected observer to be attached")
	}
	mb.Detach(obs)
	if mb.HasObservers() {
		t.Fatal("expected observer to be detached")
	}
}
