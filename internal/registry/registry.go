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

// Package registry implements the Mailbox Registry: a process-wide
// mapping of mailbox name to record, shared by every session, with
// change notification fanned out to attached observers.
//
// By design, the Registry itself is not a package global — it is
// constructed once (by cmd/corvid's wiring) and handed by reference
// to whatever needs it. What is process-wide is that every session
// shares that single Registry instance, rather
// than each session keeping its own private view of mailbox state.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/corvidmail/corvid/internal/txn"
)

// Mailbox is the in-memory record of a mailbox's state. Registry owns the
// only authoritative copy; sessions read a snapshot via Find/Obtain and
// are notified of changes rather than polling.
type Mailbox struct {
	ID          int64
	Name        string
	UIDNext     uint32
	NextModSeq  uint64
	FirstRecent uint32
	Deleted     bool
	UIDValidity uint32

	mu        sync.Mutex
	observers map[Observer]struct{}
}

// Snapshot returns a value copy of the mailbox's current counters, safe
// to read without racing further mutation.
func (m *Mailbox) Snapshot() Mailbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Mailbox{
		ID: m.ID, Name: m.Name, UIDNext: m.UIDNext, NextModSeq: m.NextModSeq,
		FirstRecent: m.FirstRecent, Deleted: m.Deleted, UIDValidity: m.UIDValidity,
	}
}

// Observer receives change notifications for mailboxes it has attached
// to. Implemented by the IMAP session in production; tests use a stub.
type Observer interface {
	MailboxChanged(mb *Mailbox)
}

// Registry is the process-wide mailbox directory.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*Mailbox
	byID   map[int64]*Mailbox

	mailboxCount prometheus.Gauge
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]*Mailbox),
		byID:   make(map[int64]*Mailbox),
		mailboxCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "corvid",
			Subsystem: "registry",
			Name:      "mailboxes",
			Help:      "Number of mailbox records known to the process-wide registry.",
		}),
	}
}

// Collector exposes the Registry's gauges to a Prometheus registerer.
func (r *Registry) Collector() prometheus.Collector {
	return r.mailboxCount
}

// Find returns the mailbox with the given id, if the Registry has already
// loaded it.
func (r *Registry) Find(id int64) (*Mailbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mb, ok := r.byID[id]
	return mb, ok
}

// FindByName returns the mailbox with the given canonical name, if the
// Registry has already loaded it.
func (r *Registry) FindByName(name string) (*Mailbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mb, ok := r.byName[name]
	return mb, ok
}

// Obtain returns the Registry's record for name, loading it from the
// database (within co) if this is the first time it's been referenced in
// this process, and optionally creating it if it does not exist in the
// database at all.
//
// Concurrent Obtain calls for the same not-yet-cached name, even with
// createIfMissing set, are idempotent: the load/create runs outside the
// Registry's mutex, the database resolves a concurrent insert of the
// same name, and the first record to reach the cache is the one every
// caller gets back.
func (r *Registry) Obtain(ctx context.Context, co *txn.Coordinator, name string, createIfMissing bool) (*Mailbox, error) {
	r.mu.Lock()
	if mb, ok := r.byName[name]; ok {
		r.mu.Unlock()
		return mb, nil
	}
	r.mu.Unlock()

	// Load (or create) outside the Registry lock: the database round
	// trip may suspend the goroutine, and we don't want to block Find/
	// Obtain of unrelated mailboxes while it does.
	mb, err := r.loadOrCreate(co, name, createIfMissing)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.byName[name]; ok {
		// Someone else won the race to populate the cache first; the row
		// we may have just inserted and theirs both describe the same
		// database row (name is unique), so keep the one already cached.
		r.mu.Unlock()
		return existing, nil
	}
	mb.observers = make(map[Observer]struct{})
	r.byName[name] = mb
	r.byID[mb.ID] = mb
	r.mailboxCount.Set(float64(len(r.byName)))
	r.mu.Unlock()

	return mb, nil
}

var ErrNotFound = errors.New("registry: mailbox not found")

func (r *Registry) loadOrCreate(co *txn.Coordinator, name string, createIfMissing bool) (*Mailbox, error) {
	mb, err := r.selectByName(co, name)
	if err == nil {
		return mb, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if !createIfMissing {
		return nil, ErrNotFound
	}

	var id int64
	var uidvalidity uint32
	co.EnqueueRow([]interface{}{&id, &uidvalidity},
		`INSERT INTO mailboxes (name, uidnext, nextmodseq, first_recent, deleted, uidvalidity)
		 VALUES ($1, 1, 1, 1, false, extract(epoch from now())::int)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id, uidvalidity`,
		name)
	if err := co.Execute(); err != nil {
		return nil, fmt.Errorf("registry: create mailbox %q: %w", name, err)
	}

	return &Mailbox{
		ID: id, Name: name, UIDNext: 1, NextModSeq: 1, FirstRecent: 1,
		Deleted: false, UIDValidity: uidvalidity,
	}, nil
}

func (r *Registry) selectByName(co *txn.Coordinator, name string) (*Mailbox, error) {
	var mb Mailbox
	mb.Name = name
	co.EnqueueRow([]interface{}{&mb.ID, &mb.UIDNext, &mb.NextModSeq, &mb.FirstRecent, &mb.Deleted, &mb.UIDValidity},
		`SELECT id, uidnext, nextmodseq, first_recent, deleted, uidvalidity FROM mailboxes WHERE name = $1`,
		name)
	if err := co.Execute(); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &mb, nil
}

// SetUIDNextAndNextModSeq advances a mailbox's counters to at least the
// given values, notifying attached observers if they actually moved
// forward. It never moves the counters backward, preserving the
// monotonicity invariant even if called with stale values (e.g. a Cluster
// Notifier update that raced with a local injection).
func (r *Registry) SetUIDNextAndNextModSeq(mb *Mailbox, uidNext uint32, nextModSeq uint64) {
	mb.mu.Lock()
	changed := false
	if uidNext > mb.UIDNext {
		mb.UIDNext = uidNext
		changed = true
	}
	if nextModSeq > mb.NextModSeq {
		mb.NextModSeq = nextModSeq
		changed = true
	}
	mb.mu.Unlock()

	if changed {
		r.notify(mb)
	}
}

// SetDeleted marks the mailbox as deleted (or not) and notifies observers.
func (r *Registry) SetDeleted(mb *Mailbox, deleted bool) {
	mb.mu.Lock()
	changed := mb.Deleted != deleted
	mb.Deleted = deleted
	mb.mu.Unlock()

	if changed {
		r.notify(mb)
	}
}

// Attach registers obs to receive MailboxChanged notifications for mb.
func (mb *Mailbox) Attach(obs Observer) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.observers == nil {
		mb.observers = make(map[Observer]struct{})
	}
	mb.observers[obs] = struct{}{}
}

// Detach unregisters obs from mb's notifications.
func (mb *Mailbox) Detach(obs Observer) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.observers, obs)
}

// HasObservers reports whether any session is currently attached to mb —
// used by the Injector to decide whether newly delivered
// messages are still "recent" for the next SELECT.
func (mb *Mailbox) HasObservers() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.observers) > 0
}

func (r *Registry) notify(mb *Mailbox) {
	mb.mu.Lock()
	obs := make([]Observer, 0, len(mb.observers))
	for o := range mb.observers {
		obs = append(obs, o)
	}
	mb.mu.Unlock()

	for _, o := range obs {
		o.MailboxChanged(mb)
	}
}
