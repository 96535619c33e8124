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

// Package inject implements the Message Injector: the component that
// delivers fully-parsed messages into one or more local mailboxes,
// atomically, with strict UID/ModSeq allocation.
//
// The original Injector (message/injector.cpp in the reference
// implementation this module descends from) is a resumable EventHandler
// that advances through its pipeline one network round trip at a time,
// because its Postgres driver is itself a cooperative event loop sharing
// one goroutine-less thread with everything else in the process. Go gives
// every connection its own goroutine and a blocking database/sql call
// simply parks that goroutine, so Injector.Inject below runs the same
// nine stages as a plain synchronous function: flags and
// annotation names first, then bodyparts, then UID/ModSeq allocation,
// then header names, then addresses, then the message rows and bulk
// links. Nothing here is resumable because nothing needs to be.
package inject

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/corvidmail/corvid/framework/exterrors"
	"github.com/corvidmail/corvid/framework/log"
	"github.com/corvidmail/corvid/internal/clusternotify"
	"github.com/corvidmail/corvid/internal/intern"
	"github.com/corvidmail/corvid/internal/registry"
	"github.com/corvidmail/corvid/internal/txn"
)

// Part is one MIME leaf or container. Number follows the injector's own
// numbering: "" is the synthetic top-level header anchor, "1", "1.2",
// etc. are ordinary parts, and "<n>.rfc822" is the embedded header of a
// message/rfc822 part.
type Part struct {
	Number       string
	ContentType  string // full "type/subtype", lowercased
	HeaderFields []Field
	Addresses    []AddressUse

	// Text holds the canonical UTF-8 text form (text/*, plus the derived
	// plaintext half of text/html); Data holds the canonical binary form.
	// Both may be set (text/html); neither is set for multipart/* and
	// message/rfc822 parts, which recurse instead of storing bytes.
	Text string
	Data []byte

	Lines int64
}

// Field is one header field occurrence, in the order it appeared.
type Field struct {
	Name  string
	Value string
}

// AddressUse is one parsed address, scoped to the header field it came
// from, with Number preserving its position within a multi-address field
// (e.g. the second name in "To: a, b, c").
type AddressUse struct {
	FieldName string
	Number    int
	Address   intern.Address
}

// hasStorableBytes reports whether this part's dedup key participates in
// the bodyparts table at all. multipart/* and message/rfc822 parts carry
// no bytes of their own — their children do.
func (p Part) hasStorableBytes() bool {
	return !strings.HasPrefix(p.ContentType, "multipart/") && p.ContentType != "message/rfc822"
}

// canonicalBytes returns the bytes bodypart deduplication hashes, per
// the text form when present, else the binary form.
func (p Part) canonicalBytes() []byte {
	if p.Text != "" {
		return []byte(p.Text)
	}
	return p.Data
}

// Annotation is one IMAP METADATA-style per-message annotation.
type Annotation struct {
	Name  string
	Value string
	Owner string // "" stores NULL: a shared, not per-user, annotation
}

// Message is one fully-parsed message ready for injection. Flags,
// Annotations, and InternalDate apply identically to every mailbox this
// message is targeted at; callers needing per-mailbox flags must submit
// separate Messages that happen to share Parts.
type Message struct {
	RFC822Size   int64
	Parts        []Part
	Flags        []string
	Annotations  []Annotation
	InternalDate time.Time // zero value: derive below

	Mailboxes []int64 // target mailbox ids, must be non-empty

	// Delivery, if non-nil, has its sender and recipient addresses
	// interned into the addresses table alongside the mailbox
	// injections. Inject writes no delivery_records or
	// delivery_recipients row for it.
	Delivery *Delivery
}

// Delivery is the "Delivery record": an outbound relay receipt
// independent of (and possibly in addition to) local mailbox injection.
type Delivery struct {
	Sender     intern.Address
	Recipients []intern.Address
	ExpiresAt  time.Time // zero: no expiry
}

// Placement is the (uid, modseq, idate) a message was assigned within one
// target mailbox.
type Placement struct {
	MailboxID int64
	UID       uint32
	ModSeq    uint64
	IDate     time.Time
}

// Result is the outcome of injecting one Message.
type Result struct {
	MessageID  int64
	Placements []Placement
}

// Notifiee describes a per-message delivery callback: a message landing
// in a mailbox that has an attached IMAP session. No type in this tree
// implements it and Inject never calls it; Inject reports a delivery
// only by advancing the Registry's counters and pushing a Cluster
// Notifier event.
type Notifiee interface {
	MessageDelivered(mailboxID int64, uid uint32, modseq uint64)
}

// Injector delivers messages into the Mailbox Registry's mailboxes,
// atomically, across an arbitrary number of target mailboxes per message
// and an arbitrary number of messages per call.
type Injector struct {
	FieldNames      *intern.Cache
	FlagNames       *intern.Cache
	AnnotationNames *intern.Cache
	Addresses       *intern.AddressCache
	Registry        *registry.Registry
	Notifier        *clusternotify.Notifier
	Log             log.Logger

	uidExhaustionWarnings  prometheus.Counter
	uidExhaustionDisasters prometheus.Counter
}

// New constructs an Injector backed by the given process-wide caches.
func New(fieldNames, flagNames, annotationNames *intern.Cache, addrs *intern.AddressCache, reg *registry.Registry, notifier *clusternotify.Notifier, logger log.Logger) *Injector {
	return &Injector{
		FieldNames:      fieldNames,
		FlagNames:       flagNames,
		AnnotationNames: annotationNames,
		Addresses:       addrs,
		Registry:        reg,
		Notifier:        notifier,
		Log:             logger,
		uidExhaustionWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corvid", Subsystem: "inject", Name: "uid_exhaustion_warnings_total",
			Help: "Mailboxes whose uidnext crossed the soft exhaustion threshold.",
		}),
		uidExhaustionDisasters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "corvid", Subsystem: "inject", Name: "uid_exhaustion_disasters_total",
			Help: "Mailboxes whose uidnext crossed the hard exhaustion threshold.",
		}),
	}
}

const (
	uidExhaustionWarnThreshold     = 0x7FF00000
	uidExhaustionDisasterThreshold = 0x7FFFFF00
)

// Inject delivers msgs within the given transaction, atomically: either
// every message lands in every one of its target mailboxes, or co is
// left failed and every enqueued statement so far is discarded by the
// Coordinator's own FIFO-abort behavior (internal/txn). No delivery
// record row is written; see Message.Delivery.
//
// Callers are expected to Commit or Rollback co themselves; Inject never
// does either, so multiple independent Inject calls (e.g. one per
// recipient during a single SMTP transaction's fan-out) can share one
// transaction.
func (inj *Injector) Inject(ctx context.Context, co *txn.Coordinator, msgs []Message) ([]Result, error) {
	for i, m := range msgs {
		if len(m.Mailboxes) == 0 {
			return nil, fmt.Errorf("inject: message %d has no target mailboxes", i)
		}
	}

	flagIDs, err := inj.internFlags(ctx, co, msgs)
	if err != nil {
		return nil, err
	}
	annotationIDs, err := inj.internAnnotations(ctx, co, msgs)
	if err != nil {
		return nil, err
	}
	bodypartIDs, err := inj.insertBodyparts(co, msgs)
	if err != nil {
		return nil, err
	}
	alloc, err := inj.allocateUIDs(co, msgs)
	if err != nil {
		return nil, err
	}
	fieldIDs, err := inj.internFieldNames(ctx, co, msgs)
	if err != nil {
		return nil, err
	}
	addrIDs, err := inj.internAddresses(ctx, co, msgs)
	if err != nil {
		return nil, err
	}

	messageIDs, err := inj.insertMessages(co, msgs)
	if err != nil {
		return nil, err
	}

	if err := inj.linkBulk(co, msgs, messageIDs, alloc, bodypartIDs, fieldIDs, flagIDs, addrIDs, annotationIDs); err != nil {
		return nil, err
	}

	if err := co.Execute(); err != nil {
		return nil, classifyFailure(err)
	}

	results := make([]Result, len(msgs))
	for i, m := range msgs {
		results[i] = Result{MessageID: messageIDs[i]}
		for _, mbID := range m.Mailboxes {
			p := alloc[i][mbID]
			results[i].Placements = append(results[i].Placements, p)
		}
	}

	inj.notifySuccess(msgs, alloc)

	return results, nil
}

func classifyFailure(err error) error {
	kind := exterrors.Classify(err)
	return exterrors.WithKind(err, kind)
}

// internFlags interns every distinct flag name used across msgs.
func (inj *Injector) internFlags(ctx context.Context, co *txn.Coordinator, msgs []Message) (map[string]int64, error) {
	var names []string
	seen := map[string]bool{}
	for _, m := range msgs {
		for _, f := range m.Flags {
			if !seen[f] {
				seen[f] = true
				names = append(names, f)
			}
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	return inj.FlagNames.Lookup(ctx, co, names)
}

func (inj *Injector) internAnnotations(ctx context.Context, co *txn.Coordinator, msgs []Message) (map[string]int64, error) {
	var names []string
	seen := map[string]bool{}
	for _, m := range msgs {
		for _, a := range m.Annotations {
			if !seen[a.Name] {
				seen[a.Name] = true
				names = append(names, a.Name)
			}
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	return inj.AnnotationNames.Lookup(ctx, co, names)
}

func (inj *Injector) internFieldNames(ctx context.Context, co *txn.Coordinator, msgs []Message) (map[string]int64, error) {
	var names []string
	seen := map[string]bool{}
	for _, m := range msgs {
		for _, part := range m.Parts {
			for _, f := range part.HeaderFields {
				if !seen[f.Name] {
					seen[f.Name] = true
					names = append(names, f.Name)
				}
			}
			for _, a := range part.Addresses {
				if !seen[a.FieldName] {
					seen[a.FieldName] = true
					names = append(names, a.FieldName)
				}
			}
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	return inj.FieldNames.Lookup(ctx, co, names)
}

func (inj *Injector) internAddresses(ctx context.Context, co *txn.Coordinator, msgs []Message) (map[intern.Address]int64, error) {
	var addrs []intern.Address
	seen := map[intern.Address]bool{}
	add := func(a intern.Address) {
		if !seen[a] {
			seen[a] = true
			addrs = append(addrs, a)
		}
	}
	for _, m := range msgs {
		for _, part := range m.Parts {
			for _, au := range part.Addresses {
				add(au.Address)
			}
		}
		if m.Delivery != nil {
			add(m.Delivery.Sender)
			for _, r := range m.Delivery.Recipients {
				add(r)
			}
		}
	}
	if len(addrs) == 0 {
		return nil, nil
	}
	return inj.Addresses.Lookup(ctx, co, addrs)
}

// insertBodyparts deduplicates every storable part across every message
// by content hash and returns the
// resolved bodypart id for each (message index, part number).
func (inj *Injector) insertBodyparts(co *txn.Coordinator, msgs []Message) (map[bodypartKey]int64, error) {
	type pending struct {
		key  bodypartKey
		hash string
		text string
		data []byte
	}

	byHash := map[string]int64{}
	var order []pending

	for mi, m := range msgs {
		for _, part := range m.Parts {
			if !part.hasStorableBytes() {
				continue
			}
			raw := part.canonicalBytes()
			sum := md5.Sum(raw)
			hash := hex.EncodeToString(sum[:])
			key := bodypartKey{msgIndex: mi, part: part.Number}
			order = append(order, pending{key: key, hash: hash, text: part.Text, data: part.Data})
		}
	}

	resolved := make(map[bodypartKey]int64, len(order))
	alreadyInTxn := map[string]bool{}

	for _, p := range order {
		if id, ok := byHash[p.hash]; ok {
			resolved[p.key] = id
			continue
		}

		id, err := insertOrSelectBodypart(co, p.hash, p.text, p.data, alreadyInTxn[p.hash])
		if err != nil {
			return nil, fmt.Errorf("inject: bodypart %s: %w", p.key.part, err)
		}
		alreadyInTxn[p.hash] = true
		byHash[p.hash] = id
		resolved[p.key] = id
	}

	return resolved, nil
}

type bodypartKey struct {
	msgIndex int
	part     string
}

var bodypartSavepointSeq int

func insertOrSelectBodypart(co *txn.Coordinator, hash, text string, data []byte, raceExpected bool) (int64, error) {
	var id int64
	bodypartSavepointSeq++
	sp := fmt.Sprintf("bodypart_sp_%d", bodypartSavepointSeq)

	err := co.RunSavepoint(sp, func() error {
		co.EnqueueRow([]interface{}{&id},
			`INSERT INTO bodyparts (hash, text, data) VALUES ($1, $2, $3) RETURNING id`,
			hash, nullableText(text), nullableBytes(data))
		return co.Execute()
	})
	if err != nil {
		return 0, err
	}
	if id != 0 {
		return id, nil
	}

	// Unique violation: either a sibling part earlier in this same
	// transaction, or a concurrent Injector, already inserted this hash.
	co.EnqueueRow([]interface{}{&id}, `SELECT id FROM bodyparts WHERE hash = $1`, hash)
	if err := co.Execute(); err != nil {
		return 0, err
	}
	return id, nil
}

func nullableText(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

// allocateUIDs performs UID/ModSeq allocation: one
// SELECT ... FOR UPDATE and UPDATE per distinct target mailbox across
// the whole batch, with mailboxes locked in ascending id order so that
// concurrent Injectors can never deadlock against each other.
func (inj *Injector) allocateUIDs(co *txn.Coordinator, msgs []Message) ([]map[int64]Placement, error) {
	counts := map[int64]int{}
	for _, m := range msgs {
		for _, mbID := range m.Mailboxes {
			counts[mbID]++
		}
	}

	ids := make([]int64, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	base := make(map[int64]struct {
		uidNext     uint32
		nextModSeq  uint64
		firstRecent uint32
		hasSession  bool
	}, len(ids))

	for _, id := range ids {
		var uidNext uint32
		var nextModSeq uint64
		var firstRecent uint32
		co.EnqueueRow([]interface{}{&uidNext, &nextModSeq, &firstRecent},
			`SELECT uidnext, nextmodseq, first_recent FROM mailboxes WHERE id = $1 FOR UPDATE`, id)
		if err := co.Execute(); err != nil {
			return nil, fmt.Errorf("inject: lock mailbox %d: %w", id, err)
		}

		hasSession := false
		if mb, ok := inj.Registry.Find(id); ok {
			hasSession = mb.HasObservers()
		}

		n := uint32(counts[id])
		newUIDNext := uidNext + n

		if newUIDNext > uidExhaustionDisasterThreshold {
			inj.uidExhaustionDisasters.Inc()
			inj.Log.Msg("mailbox uid space nearly exhausted, manual repair required", "mailbox", id, "uidnext", newUIDNext)
		} else if newUIDNext > uidExhaustionWarnThreshold {
			inj.uidExhaustionWarnings.Inc()
			inj.Log.Msg("mailbox uid space approaching exhaustion", "mailbox", id, "uidnext", newUIDNext)
		}

		if hasSession {
			co.Enqueue(`UPDATE mailboxes SET uidnext = uidnext + $2, nextmodseq = nextmodseq + 1 WHERE id = $1`, id, n)
		} else {
			co.Enqueue(`UPDATE mailboxes SET uidnext = uidnext + $2, nextmodseq = nextmodseq + 1, first_recent = first_recent + $2 WHERE id = $1`, id, n)
		}

		base[id] = struct {
			uidNext     uint32
			nextModSeq  uint64
			firstRecent uint32
			hasSession  bool
		}{uidNext, nextModSeq, firstRecent, hasSession}
	}
	if err := co.Execute(); err != nil {
		return nil, err
	}

	cursor := map[int64]uint32{}
	for id := range counts {
		cursor[id] = base[id].uidNext
	}

	now := time.Now()
	out := make([]map[int64]Placement, len(msgs))
	for i, m := range msgs {
		out[i] = make(map[int64]Placement, len(m.Mailboxes))
		idate := m.InternalDate
		if idate.IsZero() {
			idate = deriveInternalDate(m, now)
		}
		for _, mbID := range m.Mailboxes {
			uid := cursor[mbID]
			cursor[mbID]++
			out[i][mbID] = Placement{
				MailboxID: mbID,
				UID:       uid,
				ModSeq:    base[mbID].nextModSeq,
				IDate:     idate,
			}
		}
	}

	return out, nil
}

// deriveInternalDate implements the fallback order used when the
// caller did not supply an explicit internal date: the most recent
// Received: header's trailing timestamp, then Date:, then wall clock.
func deriveInternalDate(m Message, now time.Time) time.Time {
	for _, part := range m.Parts {
		if part.Number != "" {
			continue
		}
		for _, f := range part.HeaderFields {
			if !strings.EqualFold(f.Name, "Received") {
				continue
			}
			if i := strings.LastIndexByte(f.Value, ';'); i >= 0 {
				if t, err := parseMessageDate(strings.TrimSpace(f.Value[i+1:])); err == nil {
					return t
				}
			}
		}
	}
	for _, part := range m.Parts {
		if part.Number != "" {
			continue
		}
		for _, f := range part.HeaderFields {
			if strings.EqualFold(f.Name, "Date") {
				if t, err := parseMessageDate(strings.TrimSpace(f.Value)); err == nil {
					return t
				}
			}
		}
	}
	return now
}

func parseMessageDate(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC1123Z, time.RFC1123, "Mon, 2 Jan 2006 15:04:05 -0700", "2 Jan 2006 15:04:05 -0700",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("inject: unparseable date")
}

func (inj *Injector) insertMessages(co *txn.Coordinator, msgs []Message) ([]int64, error) {
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		co.EnqueueRow([]interface{}{&ids[i]},
			`INSERT INTO messages (rfc822size) VALUES ($1) RETURNING id`, m.RFC822Size)
	}
	if err := co.Execute(); err != nil {
		return nil, err
	}
	return ids, nil
}

// linkBulk populates part_numbers, header_fields, address_fields,
// mailbox_messages, flags, and annotations via COPY ... FROM STDIN, per
// the tabulated row formats above.
func (inj *Injector) linkBulk(co *txn.Coordinator, msgs []Message, messageIDs []int64, alloc []map[int64]Placement, bodypartIDs map[bodypartKey]int64, fieldIDs, flagIDs map[string]int64, addrIDs map[intern.Address]int64, annotationIDs map[string]int64) error {
	tx := co.Tx()

	partNumbers, err := tx.Prepare(pq.CopyIn("part_numbers", "message", "part", "bodypart", "bytes", "lines"))
	if err != nil {
		return err
	}
	headerFields, err := tx.Prepare(pq.CopyIn("header_fields", "message", "part", "position", "field", "value"))
	if err != nil {
		return err
	}
	addressFields, err := tx.Prepare(pq.CopyIn("address_fields", "message", "part", "position", "field", "number", "address"))
	if err != nil {
		return err
	}
	mailboxMessages, err := tx.Prepare(pq.CopyIn("mailbox_messages", "mailbox", "uid", "message", "idate", "modseq"))
	if err != nil {
		return err
	}
	flags, err := tx.Prepare(pq.CopyIn("flags", "mailbox", "uid", "flag"))
	if err != nil {
		return err
	}
	annotations, err := tx.Prepare(pq.CopyIn("annotations", "mailbox", "uid", "name", "value", "owner"))
	if err != nil {
		return err
	}

	for mi, m := range msgs {
		msgID := messageIDs[mi]

		for _, part := range m.Parts {
			var bodypartID interface{}
			if id, ok := bodypartIDs[bodypartKey{msgIndex: mi, part: part.Number}]; ok {
				bodypartID = id
			}
			if _, err := partNumbers.Exec(msgID, part.Number, bodypartID, len(part.canonicalBytes()), part.Lines); err != nil {
				return fmt.Errorf("inject: copy part_numbers: %w", err)
			}

			position := map[string]int{}
			for _, f := range part.HeaderFields {
				position[f.Name]++
				if _, err := headerFields.Exec(msgID, part.Number, position[f.Name]-1, fieldIDs[f.Name], f.Value); err != nil {
					return fmt.Errorf("inject: copy header_fields: %w", err)
				}
			}
			addrPos := map[string]int{}
			for _, au := range part.Addresses {
				n := addrPos[au.FieldName]
				addrPos[au.FieldName]++
				if _, err := addressFields.Exec(msgID, part.Number, n, fieldIDs[au.FieldName], au.Number, addrIDs[au.Address]); err != nil {
					return fmt.Errorf("inject: copy address_fields: %w", err)
				}
			}
		}

		for _, mbID := range m.Mailboxes {
			p := alloc[mi][mbID]
			if _, err := mailboxMessages.Exec(mbID, int64(p.UID), msgID, p.IDate, int64(p.ModSeq)); err != nil {
				return fmt.Errorf("inject: copy mailbox_messages: %w", err)
			}
			for _, flagName := range m.Flags {
				if _, err := flags.Exec(mbID, int64(p.UID), flagIDs[flagName]); err != nil {
					return fmt.Errorf("inject: copy flags: %w", err)
				}
			}
			for _, a := range m.Annotations {
				var owner interface{}
				if a.Owner != "" {
					owner = a.Owner
				}
				if _, err := annotations.Exec(mbID, int64(p.UID), annotationIDs[a.Name], a.Value, owner); err != nil {
					return fmt.Errorf("inject: copy annotations: %w", err)
				}
			}
		}
	}

	for _, stmt := range []*sql.Stmt{partNumbers, headerFields, addressFields, mailboxMessages, flags, annotations} {
		if err := finishCopy(stmt); err != nil {
			return fmt.Errorf("inject: flush copy: %w", err)
		}
	}

	return nil
}

// finishCopy sends the terminating frame of a pq.CopyIn statement (a
// no-arg Exec) and releases it, matching the sequence lib/pq's COPY
// support requires: the driver buffers every Exec call and only writes
// the rows to the wire when the copy is finalized this way.
func finishCopy(stmt *sql.Stmt) error {
	if _, err := stmt.Exec(); err != nil {
		return err
	}
	return stmt.Close()
}

func (inj *Injector) notifySuccess(msgs []Message, alloc []map[int64]Placement) {
	for i, m := range msgs {
		for _, mbID := range m.Mailboxes {
			p := alloc[i][mbID]
			mb, ok := inj.Registry.Find(mbID)
			if ok {
				inj.Registry.SetUIDNextAndNextModSeq(mb, p.UID+1, p.ModSeq+1)
			}
			if inj.Notifier != nil && ok {
				snap := mb.Snapshot()
				inj.Notifier.Push(clusternotify.Event{
					Mailbox:     snap.Name,
					HasCounters: true,
					UIDNext:     snap.UIDNext,
					NextModSeq:  snap.NextModSeq,
				})
			}
		}
	}
}
