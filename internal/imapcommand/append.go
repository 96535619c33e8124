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

package imapcommand

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/corvidmail/corvid/internal/imapsession"
	"github.com/corvidmail/corvid/internal/inject"
	"github.com/corvidmail/corvid/internal/registry"
	"github.com/corvidmail/corvid/internal/txn"
)

// Append implements APPEND (RFC 3501 section 6.3.11): stores a new
// message, supplied as a single literal, into an existing mailbox with
// an optional flag list and optional internal date.
type Append struct {
	base
	deps *Deps
	inj  *inject.Injector

	mailbox      string
	flags        []string
	internalDate time.Time
	literal      []byte

	placement inject.Placement
}

// NewAppendFactory returns the APPEND command factory.
func NewAppendFactory(deps *Deps, inj *inject.Injector) imapsession.Factory {
	return func(tag string) imapsession.Command {
		return &Append{base: newBase(tag, "APPEND", 0), deps: deps, inj: inj}
	}
}

// Parse expects at least 2 argument chunks once literals have been
// assembled by the session. The longest chunk is taken as the message
// literal; the remaining chunks are joined and tokenized as mailbox
// name, an optional parenthesized flag list and an optional quoted
// date-time.
func (c *Append) Parse(sess *imapsession.Session, args [][]byte) error {
	if !requireAuthenticated(&c.base, sess) {
		return nil
	}
	if len(args) < 2 {
		c.fail("BAD", "APPEND requires a mailbox name and a message literal")
		return nil
	}

	// The session assembles one extra (possibly empty) trailing line
	// chunk after every literal, so the literal itself is not
	// necessarily the last element; pick the longest chunk, since the
	// message body dwarfs the mailbox/flags/date text surrounding it.
	litIdx := 0
	for i, a := range args {
		if len(a) > len(args[litIdx]) {
			litIdx = i
		}
	}
	c.literal = args[litIdx]

	var head strings.Builder
	for i, a := range args {
		if i == litIdx {
			continue
		}
		head.WriteString(strings.TrimSpace(string(a)))
		head.WriteByte(' ')
	}

	fields, err := tokenizeAppendHead(strings.TrimSpace(head.String()))
	if err != nil {
		c.fail("BAD", "APPEND: "+err.Error())
		return nil
	}
	if len(fields) == 0 {
		c.fail("BAD", "APPEND requires a mailbox name")
		return nil
	}
	c.mailbox = strings.Trim(fields[0], `"`)
	rest := fields[1:]

	if len(rest) > 0 && strings.HasPrefix(rest[0], "(") {
		c.flags = strings.Fields(strings.Trim(rest[0], "()"))
		rest = rest[1:]
	}
	if len(rest) > 0 {
		if t, err := parseAppendDate(strings.Trim(rest[0], `"`)); err == nil {
			c.internalDate = t
		}
	}
	return nil
}

func (c *Append) Execute(ctx context.Context, sess *imapsession.Session) {
	defer func() { c.state = imapsession.Finished }()
	if !c.ok {
		return
	}

	parts, err := inject.ParseMessage(c.literal)
	if err != nil {
		c.fail("BAD", "APPEND: "+err.Error())
		return
	}

	msg := inject.Message{
		RFC822Size:   int64(len(c.literal)),
		Parts:        parts,
		Flags:        c.flags,
		InternalDate: c.internalDate,
	}

	var results []inject.Result
	err = withTx(ctx, c.deps.Pool, func(co *txn.Coordinator) error {
		mb, err := c.deps.Registry.Obtain(ctx, co, c.mailbox, false)
		if err != nil {
			return err
		}
		msg.Mailboxes = []int64{mb.ID}
		results, err = c.inj.Inject(ctx, co, []inject.Message{msg})
		return err
	})
	if err != nil {
		if err == registry.ErrNotFound {
			c.fail("NO", "[TRYCREATE] no such mailbox")
			return
		}
		c.fail("NO", "APPEND failed: "+err.Error())
		return
	}

	if len(results) == 1 && len(results[0].Placements) == 1 {
		c.placement = results[0].Placements[0]
		c.respText = fmt.Sprintf("[APPENDUID %d %d] APPEND completed", mailboxUIDValidity(sess, c.placement.MailboxID), c.placement.UID)
	}
}

func mailboxUIDValidity(sess *imapsession.Session, mailboxID int64) uint32 {
	if mb := sess.Mailbox(); mb != nil && mb.ID == mailboxID {
		return mb.Snapshot().UIDValidity
	}
	return 0
}

// parseAppendDate parses the optional APPEND date-time argument, which
// follows RFC 3501's date-time production, itself a variant of RFC 822
// dates with a mandatory zone and a quoted day-of-month.
func parseAppendDate(s string) (time.Time, error) {
	for _, layout := range []string{
		"02-Jan-2006 15:04:05 -0700",
		"2-Jan-2006 15:04:05 -0700",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date-time %q", s)
}

// tokenizeAppendHead splits the pre-literal portion of an APPEND command
// into mailbox/flags/date fields, keeping a parenthesized flag list
// together as one token even though it contains spaces.
func tokenizeAppendHead(s string) ([]string, error) {
	var out []string
	var cur strings.Builder
	depth := 0
	inQuotes := false
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' :
			inQuotes = !inQuotes
			cur.WriteByte(c)
		case c == '(' && !inQuotes:
			depth++
			cur.WriteByte(c)
		case c == ')' && !inQuotes:
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced parentheses")
			}
			cur.WriteByte(c)
		case c == ' ' && !inQuotes && depth == 0:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced parentheses")
	}
	flush()
	return out, nil
}
