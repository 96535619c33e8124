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

package intern

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strings"
	"sync"
	"testing"

	"github.com/lib/pq"

	"github.com/corvidmail/corvid/internal/txn"
)

// internFakeDriver backs a tiny in-memory table keyed by the interned
// string, simulating exactly the SELECT-then-INSERT-RETURNING dance the
// Cache performs, including one forced unique-violation race.
type internFakeDriver struct {
	mu        sync.Mutex
	rows      map[string]int64
	nextID    int64
	raceLeft  int // number of times the next INSERT for raceKey should fail
	raceKey   string
	racedOnce bool
}

func (d *internFakeDriver) Open(string) (driver.Conn, error) { return &internFakeConn{d: d}, nil }

type internFakeConn struct{ d *internFakeDriver }

func (c *internFakeConn) Prepare(query string) (driver.Stmt, error) {
	return &internFakeStmt{c: c, query: query}, nil
}
func (c *internFakeConn) Close() error              { return nil }
func (c *internFakeConn) Begin() (driver.Tx, error) { return internFakeTx{}, nil }

type internFakeTx struct{}

func (internFakeTx) Commit() error   { return nil }
func (internFakeTx) Rollback() error { return nil }

type internFakeStmt struct {
	c     *internFakeConn
	query string
}

func (s *internFakeStmt) Close() error  { return nil }
func (s *internFakeStmt) NumInput() int { return -1 }
func (s *internFakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	return driver.RowsAffected(1), nil
}

func (s *internFakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	d := s.c.d
	d.mu.Lock()
	defer d.mu.Unlock()

	key, _ := args[0].(string)

	if strings.HasPrefix(s.query, "SELECT") {
		if id, ok := d.rows[key]; ok {
			return &internFakeRows{vals: [][]driver.Value{{id}}}, nil
		}
		return &internFakeRows{}, nil
	}

	// INSERT ... RETURNING id
	if key == d.raceKey && d.raceLeft > 0 {
		d.raceLeft--
		if !d.racedOnce {
			d.racedOnce = true
			// simulate the other transaction's row becoming visible only
			// after this one unique-violates.
			d.rows[key] = d.allocID()
		}
		return nil, &pq.Error{Code: "23505", Message: "duplicate key"}
	}

	if _, ok := d.rows[key]; ok {
		return nil, &pq.Error{Code: "23505", Message: "duplicate key"}
	}
	id := d.allocID()
	d.rows[key] = id
	return &internFakeRows{vals: [][]driver.Value{{id}}}, nil
}

func (d *internFakeDriver) allocID() int64 {
	d.nextID++
	return d.nextID
}

type internFakeRows struct {
	vals [][]driver.Value
	pos  int
}

func (r *internFakeRows) Columns() []string { return []string{"id"} }
func (r *internFakeRows) Close() error      { return nil }
func (r *internFakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.vals) {
		return sql.ErrNoRows
	}
	copy(dest, r.vals[r.pos])
	r.pos++
	return nil
}

var registerOnce sync.Once

func openDB(d *internFakeDriver) *sql.DB {
	name := "corvid-intern-fake"
	registerOnce.Do(func() {
		sql.Register(name, &driverRegistry{})
	})
	driverRegistry{}.set(d)
	db, err := sql.Open(name, "")
	if err != nil {
		panic(err)
	}
	return db
}

// driverRegistry indirects sql.Register (which only accepts one static
// driver.Driver per name) to a swappable *internFakeDriver so each test
// gets an isolated in-memory table.
type driverRegistry struct{}

var currentDriver *internFakeDriver

func (driverRegistry) set(d *internFakeDriver) { currentDriver = d }
func (driverRegistry) Open(name string) (driver.Conn, error) {
	return currentDriver.Open(name)
}

func newTestCoordinator(t *testing.T, d *internFakeDriver) *txn.Coordinator {
	t.Helper()
	db := openDB(d)
	t.Cleanup(func() { db.Close() })
	co, err := txn.Begin(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	return co
}

func TestLookupCreatesOnDemand(t *testing.T) {
	d := &internFakeDriver{rows: map[string]int64{}}
	co := newTestCoordinator(t, d)

	c := NewCache("flag_names", "name")
	ids, err := c.Lookup(context.Background(), co, []string{"\\Seen", "\\Deleted"})
	if err != nil {
		t.Fatal(err)
	}
	if ids["\\Seen"] == 0 || ids["\\Deleted"] == 0 {
		t.Fatalf("expected non-zero ids, got %+v", ids)
	}
	if ids["\\Seen"] == ids["\\Deleted"] {
		t.Fatal("distinct keys must get distinct ids")
	}
}

func TestLookupIsCachedInProcess(t *testing.T) {
	d := &internFakeDriver{rows: map[string]int64{}}
	co := newTestCoordinator(t, d)

	c := NewCache("flag_names", "name")
	first, err := c.Lookup(context.Background(), co, []string{"\\Seen"})
	if err != nil {
		t.Fatal(err)
	}

	// Even with a coordinator that would error on any further query, a
	// second lookup of the same key must be served from memory.
	second, err := c.Lookup(context.Background(), nil, []string{"\\Seen"})
	if err != nil {
		t.Fatal(err)
	}
	if first["\\Seen"] != second["\\Seen"] {
		t.Fatal("cached id changed between lookups")
	}
}

func TestLookupResolvesInsertionRace(t *testing.T) {
	d := &internFakeDriver{rows: map[string]int64{}, raceKey: "Received", raceLeft: 1}
	co := newTestCoordinator(t, d)

	c := NewCache("header_field_names", "name")
	ids, err := c.Lookup(context.Background(), co, []string{"Received"})
	if err != nil {
		t.Fatalf("Lookup should recover from the savepoint race: %v", err)
	}
	if ids["Received"] == 0 {
		t.Fatal("expected a resolved id despite the race")
	}
}
