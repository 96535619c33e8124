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

package imapsession

import (
	"context"
	"strings"
	"testing"

	"github.com/corvidmail/corvid/framework/log"
)

// stubCommand is a minimal Command used to exercise Session's parsing and
// scheduling without depending on any real handler.
type stubCommand struct {
	tag, name string
	group     int
	state     CommandState
	ok        bool
	args      [][]byte
	executed  int
}

func (c *stubCommand) Tag() string           { return c.tag }
func (c *stubCommand) Name() string          { return c.name }
func (c *stubCommand) Group() int            { return c.group }
func (c *stubCommand) State() CommandState   { return c.state }
func (c *stubCommand) SetState(s CommandState) { c.state = s }
func (c *stubCommand) OK() bool              { return c.ok }

func (c *stubCommand) Parse(sess *Session, args [][]byte) error {
	c.args = args
	c.ok = true
	c.state = Executing
	return nil
}

func (c *stubCommand) Execute(ctx context.Context, sess *Session) {
	c.executed++
	c.state = Finished
}

func (c *stubCommand) EmitResponses(sess *Session) {
	sess.WriteLine(c.tag + " OK " + c.name + " completed")
}

func newTestSession() *Session {
	return New(log.Logger{}, "IMAP4rev1")
}

func TestNewSessionQueuesGreeting(t *testing.T) {
	s := newTestSession()
	out := string(s.TakeOutput())
	if !strings.HasPrefix(out, "* OK [CAPABILITY IMAP4rev1]\r\n") {
		t.Fatalf("unexpected greeting: %q", out)
	}
}

func TestFeedRunsSimpleCommand(t *testing.T) {
	s := newTestSession()
	s.TakeOutput()

	var created *stubCommand
	s.RegisterCommand("NOOP", func(tag string) Command {
		created = &stubCommand{tag: tag, name: "NOOP", group: 1}
		return created
	})

	s.Feed(context.Background(), []byte("a1 NOOP\r\n"))

	if created == nil || created.executed != 1 {
		t.Fatalf("expected command to execute exactly once, got %+v", created)
	}
	out := string(s.TakeOutput())
	if out != "a1 OK NOOP completed\r\n" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestFeedHandlesSyncLiteral(t *testing.T) {
	s := newTestSession()
	s.TakeOutput()

	var gotArgs [][]byte
	s.RegisterCommand("APPEND", func(tag string) Command {
		return &recordingCommand{tag: tag, name: "APPEND", onParse: func(args [][]byte) {
			gotArgs = args
		}}
	})

	s.Feed(context.Background(), []byte("a1 APPEND INBOX {5}\r\n"))
	out := string(s.TakeOutput())
	if out != "+ OK\r\n" {
		t.Fatalf("expected a continuation request, got %q", out)
	}

	s.Feed(context.Background(), []byte("hello\r\n"))
	out = string(s.TakeOutput())
	if out != "a1 OK APPEND completed\r\n" {
		t.Fatalf("unexpected final output: %q", out)
	}

	// Three chunks: the line remainder preceding the literal spec, the
	// literal's raw bytes, and the (here empty) trailing line that
	// follows the literal on the wire.
	if len(gotArgs) != 3 {
		t.Fatalf("expected 3 argument chunks, got %d: %q", len(gotArgs), gotArgs)
	}
	if !strings.Contains(string(gotArgs[0]), "INBOX") {
		t.Fatalf("expected first chunk to carry the mailbox name, got %q", gotArgs[0])
	}
	if string(gotArgs[1]) != "hello" {
		t.Fatalf("expected literal bytes %q, got %q", "hello", gotArgs[1])
	}
}

func TestAddCommandRejectsUnknownCommand(t *testing.T) {
	s := newTestSession()
	s.TakeOutput()

	s.Feed(context.Background(), []byte("a1 BOGUS\r\n"))
	out := string(s.TakeOutput())
	if !strings.Contains(out, "a1 BAD unknown command: BOGUS") {
		t.Fatalf("expected unknown-command BAD response, got %q", out)
	}
}

func TestGroupZeroBlocksSubsequentCommands(t *testing.T) {
	s := newTestSession()
	s.TakeOutput()

	var executions []string
	s.RegisterCommand("SELECT", func(tag string) Command {
		return &recordingCommand{tag: tag, name: "SELECT", group: 0, onExecute: func() {
			executions = append(executions, tag)
		}}
	})

	s.Feed(context.Background(), []byte("a1 SELECT\r\na2 SELECT\r\n"))
	if len(executions) != 2 {
		t.Fatalf("expected both commands to eventually execute serially, got %v", executions)
	}
	if executions[0] != "a1" || executions[1] != "a2" {
		t.Fatalf("expected strict serial ordering, got %v", executions)
	}
}

// recordingCommand is a slightly richer stub supporting custom parse/
// execute hooks per test.
type recordingCommand struct {
	tag, name string
	group     int
	state     CommandState
	ok        bool
	onParse   func(args [][]byte)
	onExecute func()
}

func (c *recordingCommand) Tag() string             { return c.tag }
func (c *recordingCommand) Name() string            { return c.name }
func (c *recordingCommand) Group() int              { return c.group }
func (c *recordingCommand) State() CommandState     { return c.state }
func (c *recordingCommand) SetState(s CommandState) { c.state = s }
func (c *recordingCommand) OK() bool                { return c.ok }

func (c *recordingCommand) Parse(sess *Session, args [][]byte) error {
	c.ok = true
	c.state = Executing
	if c.onParse != nil {
		c.onParse(args)
	}
	return nil
}

func (c *recordingCommand) Execute(ctx context.Context, sess *Session) {
	if c.onExecute != nil {
		c.onExecute()
	}
	c.state = Finished
}

func (c *recordingCommand) EmitResponses(sess *Session) {
	sess.WriteLine(c.tag + " OK " + c.name + " completed")
}
