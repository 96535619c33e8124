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

// Package txn implements the Transaction Coordinator: a single database
// connection wrapped in BEGIN/COMMIT/ROLLBACK scope, with a FIFO queue of
// statements and first-failure-sticky error semantics.
//
// The reference design this descends from describes a non-blocking,
// re-entrant "enqueue, then execute" machine driven by a cooperative
// event loop ("event-handler continuation passing", in its own
// terminology). Go's goroutines make that re-entrancy unnecessary:
// Coordinator still exposes Enqueue/Execute so callers (notably the
// Injector) can build up a batch of statements before
// flushing them, but Execute runs them to completion on the calling
// goroutine rather than suspending and resuming.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/corvidmail/corvid/framework/exterrors"
)

// Stmt is one queued statement: a query template plus its bound arguments.
// Dest is set when the statement is expected to return at most one row,
// which is scanned into it once Execute runs the statement.
type Stmt struct {
	Query string
	Args  []interface{}

	Dest []interface{} // scan targets for a QueryRow-style statement; nil for Exec-style

	// result and err hold the outcome once Execute has run (or
	// discarded) this statement.
	result   sql.Result
	err      error
	executed bool
}

// Coordinator wraps one *sql.Tx in FIFO-enqueue scope.
//
// A Coordinator is not safe for concurrent use from multiple goroutines;
// like the rest of the system it is owned by exactly one command/session
// at a time.
type Coordinator struct {
	tx     *sql.Tx
	ctx    context.Context
	queue  []*Stmt
	failed bool
	err    error
}

// Begin starts a new transaction on db and returns a Coordinator wrapping
// it.
func Begin(ctx context.Context, db *sql.DB) (*Coordinator, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("txn: begin: %w", err)
	}
	return &Coordinator{tx: tx, ctx: ctx}, nil
}

// Enqueue queues a statement for execution in FIFO order. It never blocks
// and never touches the database; the statement runs on the next call to
// Execute. If the transaction has already failed, the statement is
// silently discarded, per the "subsequent enqueued statements
// are discarded" rule, and a handle to the (never-run) Stmt is still
// returned so call sites don't need an extra nil check.
func (c *Coordinator) Enqueue(query string, args ...interface{}) *Stmt {
	s := &Stmt{Query: query, Args: args}
	if c.failed {
		s.executed = true
		s.err = c.err
		return s
	}
	c.queue = append(c.queue, s)
	return s
}

// EnqueueRow is like Enqueue but for a statement whose single result row
// should be scanned into dest once it runs.
func (c *Coordinator) EnqueueRow(dest []interface{}, query string, args ...interface{}) *Stmt {
	s := c.Enqueue(query, args...)
	s.Dest = dest
	return s
}

// Failed reports whether the transaction has recorded a failure. Once
// true, every subsequently enqueued statement is discarded.
func (c *Coordinator) Failed() bool {
	return c.failed
}

// Err returns the first error recorded by Execute, or nil.
func (c *Coordinator) Err() error {
	return c.err
}

// Execute flushes every statement enqueued so far, in FIFO order. On the
// first failure it marks the transaction failed, records the error as
// returned by the driver (callers classify it with exterrors.Classify),
// and stops running further statements from this
// batch (they are left in Stmt.err). Execute may be called multiple times
// as more statements are enqueued between calls; already-executed
// statements are not re-run.
func (c *Coordinator) Execute() error {
	for _, s := range c.queue {
		if s.executed {
			continue
		}
		if c.failed {
			s.executed = true
			s.err = c.err
			continue
		}

		if len(s.Dest) > 0 {
			row := c.tx.QueryRowContext(c.ctx, s.Query, s.Args...)
			if err := row.Scan(s.Dest...); err != nil {
				s.executed = true
				s.err = err
				// A SELECT legitimately returning no rows is not a SQL
				// failure and must not abort the transaction; only the
				// statement itself records the outcome. Any other scan
				// error (type mismatch, connection loss) is fatal as usual.
				if !errors.Is(err, sql.ErrNoRows) {
					c.markFailed(err)
				}
				continue
			}
		} else {
			res, err := c.tx.ExecContext(c.ctx, s.Query, s.Args...)
			if err != nil {
				c.markFailed(err)
				s.executed = true
				s.err = err
				continue
			}
			s.result = res
		}
		s.executed = true
	}
	return c.err
}

func (c *Coordinator) markFailed(err error) {
	if c.failed {
		return
	}
	c.failed = true
	c.err = err
}

// Savepoint enqueues SAVEPOINT name. name must already be a safe SQL
// identifier (callers generate these internally, never from client input).
func (c *Coordinator) Savepoint(name string) *Stmt {
	return c.Enqueue("SAVEPOINT " + name)
}

// ReleaseSavepoint enqueues RELEASE SAVEPOINT name.
func (c *Coordinator) ReleaseSavepoint(name string) *Stmt {
	return c.Enqueue("RELEASE SAVEPOINT " + name)
}

// RollbackToSavepoint enqueues ROLLBACK TO SAVEPOINT name. This is the
// intra-transaction partial rollback used by intern caches to
// recover from a unique-violation race without aborting the whole
// transaction.
func (c *Coordinator) RollbackToSavepoint(name string) *Stmt {
	return c.Enqueue("ROLLBACK TO SAVEPOINT " + name)
}

// RunSavepoint executes body inside a SAVEPOINT/RELEASE pair, running
// Execute immediately (unlike the rest of the Coordinator's batching API)
// since savepoint retry logic needs to observe the outcome of each step
// before deciding whether to roll back. On failure inside body that is a
// unique-violation, the savepoint is rolled back to and nil is returned
// so the caller can retry via a SELECT; any other failure is left marking
// the transaction failed and is returned as-is.
func (c *Coordinator) RunSavepoint(name string, body func() error) error {
	c.Savepoint(name)
	if err := c.Execute(); err != nil {
		return err
	}

	bodyErr := body()
	if bodyErr == nil {
		c.ReleaseSavepoint(name)
		return c.Execute()
	}

	if exterrors.Classify(bodyErr) != exterrors.KindUniqueViolation {
		c.markFailed(bodyErr)
		return bodyErr
	}

	// Clear the failure recorded by body()'s own Execute call so the
	// rollback-to-savepoint can still run.
	c.failed = false
	c.err = nil
	c.RollbackToSavepoint(name)
	return c.Execute()
}

// Commit finalizes the transaction. Any statements still queued are
// flushed first.
func (c *Coordinator) Commit() error {
	if err := c.Execute(); err != nil {
		_ = c.tx.Rollback()
		return err
	}
	if err := c.tx.Commit(); err != nil {
		return fmt.Errorf("txn: commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction, discarding any queued or executed
// statements.
func (c *Coordinator) Rollback() error {
	return c.tx.Rollback()
}

// Query runs a multi-row SELECT immediately, bypassing the FIFO queue:
// Enqueue/EnqueueRow only scan a single result row, which isn't enough
// for listing commands (mailbox listings, FETCH over a UID range). It
// still participates in the Coordinator's failure-sticky accounting.
func (c *Coordinator) Query(query string, args ...interface{}) (*sql.Rows, error) {
	if c.failed {
		return nil, c.err
	}
	rows, err := c.tx.QueryContext(c.ctx, query, args...)
	if err != nil {
		c.markFailed(err)
		return nil, err
	}
	return rows, nil
}

// Tx exposes the underlying *sql.Tx for call sites that need a driver
// feature the Coordinator doesn't wrap directly, such as pq.CopyIn bulk
// loading.
func (c *Coordinator) Tx() *sql.Tx {
	return c.tx
}
