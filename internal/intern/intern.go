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

// Package intern implements the four string-interning caches: header-field
// names, flag names, annotation names, and addresses. Each maps a domain
// key to a small, permanent, monotonically-assigned integer id, creating
// rows on demand and resolving insertion races against concurrent
// injectors with a SAVEPOINT/retry dance.
//
// By design, a Cache is not a package-level global: it is constructed
// once per process by cmd/corvid's wiring (or once per isolated test) and
// handed to the long-lived components that need it. Once a key's id is
// resolved it is cached forever in memory; Caches never evict and never
// need teardown.
package intern

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/corvidmail/corvid/internal/txn"
)

var savepointSeq int64

func nextSavepointName(prefix string) string {
	n := atomic.AddInt64(&savepointSeq, 1)
	return fmt.Sprintf("intern_%s_%d", prefix, n)
}

// maxRetries bounds the SAVEPOINT+SELECT retry loop used to resolve an
// insertion race. Lock ordering elsewhere in the system prevents
// deadlock, but a pathological stampede of inserts for the same brand new
// key could in principle still need more than one retry; this cap turns
// "never resolves" into a returned error rather than an infinite loop.
const maxRetries = 25

// Cache interns single-column string keys (header field names, flag
// names, annotation names) into database row ids.
type Cache struct {
	table string
	col   string

	mu   sync.RWMutex
	byID map[string]int64
}

// NewCache returns a Cache backed by table, whose unique text column is
// named col and whose primary key column is "id".
func NewCache(table, col string) *Cache {
	return &Cache{table: table, col: col, byID: make(map[string]int64)}
}

// Lookup resolves every key in keys to its permanent id, inserting rows
// within co for any key not already known. It returns a map from key to
// id; every requested key is present on success.
func (c *Cache) Lookup(ctx context.Context, co *txn.Coordinator, keys []string) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))

	var missing []string
	c.mu.RLock()
	for _, k := range keys {
		if id, ok := c.byID[k]; ok {
			out[k] = id
		} else {
			missing = append(missing, k)
		}
	}
	c.mu.RUnlock()

	for _, k := range missing {
		id, err := c.resolve(ctx, co, k)
		if err != nil {
			return nil, fmt.Errorf("intern: resolve %s(%q): %w", c.table, k, err)
		}
		c.mu.Lock()
		c.byID[k] = id
		c.mu.Unlock()
		out[k] = id
	}

	return out, nil
}

func (c *Cache) resolve(ctx context.Context, co *txn.Coordinator, key string) (int64, error) {
	if id, ok, err := c.selectID(co, key); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		var inserted int64
		sp := nextSavepointName(c.table)
		err := co.RunSavepoint(sp, func() error {
			co.EnqueueRow([]interface{}{&inserted},
				fmt.Sprintf("INSERT INTO %s (%s) VALUES ($1) RETURNING id", c.table, c.col), key)
			return co.Execute()
		})
		if err != nil {
			return 0, err
		}
		if inserted != 0 {
			return inserted, nil
		}

		// RunSavepoint absorbed a unique-violation: someone else inserted
		// this key concurrently. Re-select; it may not be visible yet if
		// the racing transaction hasn't committed, in which case we loop.
		if id, ok, err := c.selectID(co, key); err != nil {
			return 0, err
		} else if ok {
			return id, nil
		}
	}

	return 0, errors.New("intern: insertion race did not resolve after retries")
}

func (c *Cache) selectID(co *txn.Coordinator, key string) (int64, bool, error) {
	var id int64
	co.EnqueueRow([]interface{}{&id},
		fmt.Sprintf("SELECT id FROM %s WHERE %s = $1", c.table, c.col), key)
	if err := co.Execute(); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}
