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
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/secure/precis"

	"github.com/corvidmail/corvid/internal/txn"
)

// Address is the (name, localpart, domain) triple describing an RFC 5322
// address entity. Equality is case-insensitive on Domain, case-sensitive
// on Localpart.
type Address struct {
	Name      string
	Localpart string
	Domain    string
}

// key returns the de-duplication key:
// "name || NUL || localpart || NUL || lower(domain)".
func (a Address) key() string {
	return a.Name + "\x00" + a.Localpart + "\x00" + strings.ToLower(a.Domain)
}

// CasefoldLocalpart applies the PRECIS UsernameCaseMapped profile to an
// address localpart, matching the casefolding maddy itself performs on
// mailbox-owning account names (internal/storage/imapsql/imapsql.go).
// Nothing in this tree calls it; AddressCache keys keep Localpart as
// given.
func CasefoldLocalpart(localpart string) (string, error) {
	out, err := precis.UsernameCaseMapped.String(localpart)
	if err != nil {
		return "", fmt.Errorf("intern: casefold localpart: %w", err)
	}
	return out, nil
}

// AddressCache interns (name, localpart, domain) triples into the
// "addresses" table, de-duplicated by the case rules above.
type AddressCache struct {
	mu   sync.RWMutex
	byID map[string]int64
}

// NewAddressCache returns an empty AddressCache.
func NewAddressCache() *AddressCache {
	return &AddressCache{byID: make(map[string]int64)}
}

// Lookup resolves every address in addrs to its permanent row id.
func (c *AddressCache) Lookup(ctx context.Context, co *txn.Coordinator, addrs []Address) (map[Address]int64, error) {
	out := make(map[Address]int64, len(addrs))

	var missing []Address
	c.mu.RLock()
	for _, a := range addrs {
		if id, ok := c.byID[a.key()]; ok {
			out[a] = id
		} else {
			missing = append(missing, a)
		}
	}
	c.mu.RUnlock()

	for _, a := range missing {
		id, err := c.resolve(ctx, co, a)
		if err != nil {
			return nil, fmt.Errorf("intern: resolve address %+v: %w", a, err)
		}
		c.mu.Lock()
		c.byID[a.key()] = id
		c.mu.Unlock()
		out[a] = id
	}

	return out, nil
}

func (c *AddressCache) resolve(ctx context.Context, co *txn.Coordinator, a Address) (int64, error) {
	if id, ok, err := c.selectID(co, a); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		var inserted int64
		sp := nextSavepointName("addresses")
		err := co.RunSavepoint(sp, func() error {
			co.EnqueueRow([]interface{}{&inserted},
				`INSERT INTO addresses (name, localpart, domain) VALUES ($1, $2, $3) RETURNING id`,
				a.Name, a.Localpart, a.Domain)
			return co.Execute()
		})
		if err != nil {
			return 0, err
		}
		if inserted != 0 {
			return inserted, nil
		}

		if id, ok, err := c.selectID(co, a); err != nil {
			return 0, err
		} else if ok {
			return id, nil
		}
	}

	return 0, errors.New("intern: address insertion race did not resolve after retries")
}

func (c *AddressCache) selectID(co *txn.Coordinator, a Address) (int64, bool, error) {
	var id int64
	co.EnqueueRow([]interface{}{&id},
		`SELECT id FROM addresses WHERE name = $1 AND localpart = $2 AND lower(domain) = lower($3)`,
		a.Name, a.Localpart, a.Domain)
	if err := co.Execute(); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}
