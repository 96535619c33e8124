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

// Package imapsession implements the IMAP Session state machine: the
// object a connection-handling goroutine feeds network bytes into, which
// turns them into tagged commands, runs those commands according to the
// concurrency rules RFC 3501 allows, and produces the response lines the
// goroutine writes back out.
//
// The session owns four pieces of RFC 3501 state: the connection state
// (not authenticated / authenticated / selected / logout), the selected
// mailbox, the idle flag (RFC 2177), and the pending command queue. It
// does not itself know how to execute any particular command; that is
// supplied by a Command registered under its name, so this package has no
// dependency on imapcommand and imapcommand depends on this one.
package imapsession

import (
	"context"
	"strings"
	"time"

	"github.com/corvidmail/corvid/framework/log"
	"github.com/corvidmail/corvid/internal/framing"
	"github.com/corvidmail/corvid/internal/registry"
)

// State is the connection state defined by RFC 3501 section 3.
type State int

const (
	NotAuthenticated State = iota
	Authenticated
	Selected
	Logout
)

func (s State) String() string {
	switch s {
	case NotAuthenticated:
		return "not authenticated"
	case Authenticated:
		return "authenticated"
	case Selected:
		return "selected"
	case Logout:
		return "logout"
	default:
		return "unknown"
	}
}

// CommandState tracks a single in-flight command through the pipeline.
type CommandState int

const (
	Parsing CommandState = iota
	Blocked
	Executing
	Finished
)

// Command is one parsed IMAP command, driven by the Session through
// Execute and EmitResponses once its tag line (and any literals) has been
// fully read. Implementations live in imapcommand; this package only
// needs the interface to sequence them.
type Command interface {
	Tag() string
	Name() string
	// Group reports the command's concurrency group. Commands in the
	// same nonzero group may execute concurrently with each other;
	// group 0 means "must run alone", matching RFC 3501's restriction
	// that state-mutating commands like SELECT or the first
	// untagged-response generating command in a batch cannot overlap
	// with other client commands.
	Group() int
	State() CommandState
	SetState(CommandState)
	// OK reports whether the command is still viable. A command that
	// hit a parse or execution error sets this false and is retired on
	// the next runCommands pass without running further.
	OK() bool
	// Parse consumes the raw argument tokens (one per line/literal read
	// for this command) and prepares the command to run. A handler
	// that rejects its arguments records the failure on itself (so OK
	// reports false) and returns nil; a non-nil error instead makes the
	// session answer "<tag> BAD <error>" at once and drop the command.
	Parse(sess *Session, args [][]byte) error
	// Execute runs the command's side effects. Long-running commands
	// may be invoked more than once if they keep themselves in the
	// Executing state; most finish in a single call.
	Execute(ctx context.Context, sess *Session)
	// EmitResponses writes the command's untagged and tagged response
	// lines to the session once it reaches Finished.
	EmitResponses(sess *Session)
}

// Factory constructs a new Command for the given tag, to be parsed
// against the argument tokens gathered for this command line.
type Factory func(tag string) Command

// autologoutTimeout is the RFC 3501-recommended minimum read timeout: the
// server must not autologout a client in under 30 minutes.
const autologoutTimeout = 1800 * time.Second

// Session is one client connection's IMAP protocol state. It is not safe
// for concurrent use; the owning connection goroutine serializes all
// calls into it.
type Session struct {
	Log log.Logger

	state State
	login string

	mailbox *registry.Mailbox

	idle bool

	in  *framing.Buffer
	out []byte

	factories map[string]Factory

	pendingArgs    [][]byte
	readingLiteral bool
	literalSize    int
	literalNonSync bool

	reader   Command
	commands []Command

	uidList []uint32

	lastActivity time.Time
}

// New returns a freshly connected Session in NotAuthenticated state, with
// the initial untagged OK greeting already queued for output.
func New(logger log.Logger, capabilities string) *Session {
	s := &Session{
		Log:       logger,
		state:     NotAuthenticated,
		in:        framing.New(),
		factories: make(map[string]Factory),
	}
	s.writeLine("* OK [CAPABILITY " + capabilities + "]")
	return s
}

// RegisterCommand makes name available to the parser; name is matched
// case-insensitively as IMAP command keywords are.
func (s *Session) RegisterCommand(name string, f Factory) {
	s.factories[strings.ToUpper(name)] = f
}

// State returns the session's current RFC 3501 connection state.
func (s *Session) State() State { return s.state }

// SetState transitions the session to a new connection state, logging the
// change the way the reference server does.
func (s *Session) SetState(st State) {
	if st == s.state {
		return
	}
	s.state = st
	s.Log.Debugf("changed to %s state", st)
}

// SetIdle records whether the session is in RFC 2177 IDLE mode. While
// idle, mailbox change notifications may be sent to the client
// immediately instead of being held for the next tagged response.
func (s *Session) SetIdle(v bool) {
	if v == s.idle {
		return
	}
	s.idle = v
	if v {
		s.Log.Debugln("entered idle mode")
	} else {
		s.Log.Debugln("left idle mode")
	}
}

// Idle reports whether the session is currently in IDLE mode.
func (s *Session) Idle() bool { return s.idle }

// SetLogin records the authenticated account name and transitions to
// Authenticated state. It is a no-op (logged as an error) if the session
// is not currently NotAuthenticated, since a login name must not change
// once set.
func (s *Session) SetLogin(name string) {
	if s.state != NotAuthenticated {
		s.Log.Error("imapsession: ignored SetLogin due to wrong state", nil)
		return
	}
	s.login = name
	s.Log.Debugf("logged in as %s", name)
	s.SetState(Authenticated)
}

// Login returns the authenticated account name, meaningful only once the
// session has left NotAuthenticated state.
func (s *Session) Login() string { return s.login }

// SetUIDList records the ascending UID ordering of the selected mailbox's
// messages, as of the last SELECT/EXAMINE. Commands
// taking message-sequence-number sets (as opposed to UID sets) resolve
// them against this snapshot.
func (s *Session) SetUIDList(uids []uint32) { s.uidList = uids }

// UIDAt resolves a 1-based message sequence number to the UID it
// currently names, using the last snapshot set via SetUIDList.
func (s *Session) UIDAt(msn uint32) (uint32, bool) {
	if msn < 1 || int(msn) > len(s.uidList) {
		return 0, false
	}
	return s.uidList[msn-1], true
}

// MessageCount returns the number of messages in the last UID snapshot,
// i.e. the EXISTS count a client would currently see.
func (s *Session) MessageCount() int { return len(s.uidList) }

// Mailbox returns the currently selected mailbox record, or nil if none
// is selected.
func (s *Session) Mailbox() *registry.Mailbox { return s.mailbox }

// SetMailbox sets the currently selected mailbox. The caller must not
// pass a mailbox pending expunge notifications the client hasn't yet
// seen; SELECT/EXAMINE handlers are expected to have already drained
// those before calling this.
func (s *Session) SetMailbox(mb *registry.Mailbox) {
	if mb == s.mailbox {
		return
	}
	if s.mailbox != nil {
		s.mailbox.Detach(s)
	}
	s.mailbox = mb
	if mb != nil {
		mb.Attach(s)
		s.Log.Debugf("now using mailbox %s", mb.Name)
	}
}

// MailboxChanged implements registry.Observer. The default implementation
// only logs; a connection goroutine that wants immediate IDLE pushes
// should wrap Session and override delivery, since Session itself has no
// notion of an output stream beyond the buffered WriteLine queue used for
// synchronous responses.
func (s *Session) MailboxChanged(mb *registry.Mailbox) {
	s.Log.Debugf("mailbox %s changed", mb.Name)
}

// Reserve hands the input stream to command for direct reads, bypassing
// line-at-a-time parsing. Used by commands like IDLE and AUTHENTICATE
// that need to keep reading input after their initial line has been
// parsed. The command must call Reserve(nil) once it is done.
func (s *Session) Reserve(cmd Command) {
	s.reader = cmd
}

// writeLine appends a CRLF-terminated response line to the pending output
// buffer, drained by TakeOutput.
func (s *Session) writeLine(line string) {
	s.out = append(s.out, line...)
	s.out = append(s.out, '\r', '\n')
}

// WriteLine is the exported form used by Command implementations to
// queue a response line.
func (s *Session) WriteLine(line string) { s.writeLine(line) }

// TakeOutput returns and clears whatever response bytes have accumulated
// since the last call, for the connection goroutine to write to the
// network.
func (s *Session) TakeOutput() []byte {
	out := s.out
	s.out = nil
	return out
}

// Feed appends newly read network bytes to the session's input buffer
// and drives the parser until no further progress can be made without
// more input. It returns the deadline the caller should next apply to its
// network read, matching the 1800-second autologout timeout.
func (s *Session) Feed(ctx context.Context, data []byte) time.Time {
	s.in.Write(data)
	s.parse()
	s.runCommands(ctx)
	s.lastActivity = time.Now()
	return s.lastActivity.Add(autologoutTimeout)
}

// Logout marks the session as logging out and queues the BYE response,
// mirroring the server-initiated autologout/shutdown paths.
func (s *Session) Logout(reason string) {
	s.writeLine("* BYE " + reason)
	s.SetState(Logout)
}

// parse consumes as much of the input buffer as currently possible,
// mirroring the reference server's read loop: a line at a time outside of
// literals, a fixed byte count while a literal is pending, and a direct
// handoff to a reserved Command's own reader otherwise.
func (s *Session) parse() {
	for {
		switch {
		case s.reader != nil:
			// The command owns the input stream; it is responsible for
			// calling Reserve(nil) once it has read enough.
			return

		case s.readingLiteral:
			data, err := s.in.RemoveExact(s.literalSize)
			if err != nil {
				return
			}
			s.pendingArgs = append(s.pendingArgs, data)
			s.readingLiteral = false

		default:
			line, err := s.in.RemoveLine()
			if err != nil {
				return
			}
			s.pendingArgs = append(s.pendingArgs, line)

			if spec, ok := framing.DetectLiteral(line); ok {
				s.pendingArgs[len(s.pendingArgs)-1] = spec.LinePart
				s.readingLiteral = true
				s.literalSize = spec.Size
				s.literalNonSync = spec.NonSync
				if !spec.NonSync {
					s.writeLine("+ OK")
				}
				continue
			}

			s.addCommand()
			s.pendingArgs = nil
		}
	}
}

// isTagChar and isAtomChar implement the ASTRING-CHAR-minus-specials
// classes the reference parser uses to split "tag command ..." without
// needing a full grammar just to find the command keyword.
func isTagChar(c byte) bool {
	if c <= ' ' || c >= 127 {
		return false
	}
	switch c {
	case '(', ')', '{', '%', '*', '"', '\\', '+':
		return false
	}
	return true
}

func isAtomChar(c byte) bool {
	if c <= ' ' || c >= 127 {
		return false
	}
	switch c {
	case '(', ')', '{', '%', '*', '"', '\\', ']':
		return false
	}
	return true
}

// addCommand parses enough of the first collected line to identify the
// tag and command keyword, constructs the Command via its registered
// factory, and hands it the full argument list for the rest of its
// parsing.
func (s *Session) addCommand() {
	if len(s.pendingArgs) == 0 {
		return
	}
	line := s.pendingArgs[0]

	i := 0
	for i < len(line) && isTagChar(line[i]) {
		i++
	}
	if i < 1 || i >= len(line) || line[i] != ' ' {
		s.writeLine("* BAD tag")
		s.Log.Debugf("unable to parse tag from line: %q", line)
		return
	}
	tag := string(line[:i])

	j := i + 1
	k := j
	for k < len(line) && isAtomChar(line[k]) {
		k++
	}
	if k == j {
		s.writeLine(tag + " BAD no command")
		return
	}
	name := strings.ToUpper(string(line[j:k]))

	factory, ok := s.factories[name]
	if !ok {
		s.writeLine(tag + " BAD unknown command: " + name)
		s.Log.Debugf("unknown command %q (tag %q)", name, tag)
		return
	}

	cmd := factory(tag)
	rest := append([][]byte{line[k:]}, s.pendingArgs[1:]...)
	if err := cmd.Parse(s, rest); err != nil {
		s.writeLine(tag + " BAD " + err.Error())
		return
	}

	if cmd.OK() && cmd.State() == Executing && len(s.commands) > 0 {
		if cmd.Group() == 0 {
			cmd.SetState(Blocked)
		} else {
			for _, other := range s.commands {
				if other.Group() != cmd.Group() {
					cmd.SetState(Blocked)
					break
				}
			}
		}
	}

	s.commands = append(s.commands, cmd)
}

// runCommands executes every command currently eligible to run, emits
// responses for those that finish, retires them, and then promotes the
// next blocked command if the queue has drained enough to allow it.
// Mirrors the reference server's fixed-point loop exactly: it keeps
// iterating while any pass makes progress.
func (s *Session) runCommands(ctx context.Context) {
	more := true
	for more {
		more = false

		for _, c := range s.commands {
			if c.OK() {
				if c.State() == Executing {
					c.Execute(ctx, s)
				}
			}
			if !c.OK() {
				c.SetState(Finished)
			}
			if c.State() == Finished {
				c.EmitResponses(s)
			}
		}

		kept := s.commands[:0]
		for _, c := range s.commands {
			if c.State() != Finished {
				kept = append(kept, c)
			}
		}
		s.commands = kept

		if len(s.commands) > 0 && s.commands[0].OK() && s.commands[0].State() == Blocked {
			s.commands[0].SetState(Executing)
			more = true
		}
	}
}
