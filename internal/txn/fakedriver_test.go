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

package txn

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"sync"

	"github.com/lib/pq"
)

// fakeDriver is a minimal in-memory database/sql driver used only to unit
// test Coordinator's FIFO/failure semantics without a live Postgres
// server. It understands just enough of the statement shapes the
// Coordinator itself issues (SAVEPOINT/RELEASE/ROLLBACK TO, plain
// INSERT/UPDATE, and a "FAIL" sentinel query used by tests to force an
// error).
type fakeDriver struct {
	mu     sync.Mutex
	rowVal int64
}

func (d *fakeDriver) Open(name string) (driver.Conn, error) {
	return &fakeConn{d: d}, nil
}

type fakeConn struct {
	d *fakeDriver
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{c: c, query: query}, nil
}
func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) {
	return &fakeTx{}, nil
}

type fakeTx struct{}

func (t *fakeTx) Commit() error   { return nil }
func (t *fakeTx) Rollback() error { return nil }

type fakeStmt struct {
	c     *fakeConn
	query string
}

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }

func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	if strings.Contains(s.query, "FAIL_UNIQUE") {
		return nil, &pq.Error{Code: "23505", Message: "duplicate key"}
	}
	if strings.Contains(s.query, "FAIL_SERIALIZATION") {
		return nil, &pq.Error{Code: "40001", Message: "could not serialize"}
	}
	if strings.Contains(s.query, "FAIL") {
		return nil, errors.New("fake failure")
	}
	return driver.RowsAffected(1), nil
}

func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	if strings.Contains(s.query, "FAIL_UNIQUE") {
		return nil, &pq.Error{Code: "23505", Message: "duplicate key"}
	}
	s.c.d.mu.Lock()
	s.c.d.rowVal++
	val := s.c.d.rowVal
	s.c.d.mu.Unlock()
	return &fakeRows{cols: []string{"id"}, vals: [][]driver.Value{{val}}}, nil
}

type fakeRows struct {
	cols []string
	vals [][]driver.Value
	pos  int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.vals) {
		return sql.ErrNoRows
	}
	copy(dest, r.vals[r.pos])
	r.pos++
	return nil
}

var registerOnce sync.Once

func openFakeDB() *sql.DB {
	registerOnce.Do(func() {
		sql.Register("corvid-fake", &fakeDriver{})
	})
	db, err := sql.Open("corvid-fake", "")
	if err != nil {
		panic(err)
	}
	return db
}
