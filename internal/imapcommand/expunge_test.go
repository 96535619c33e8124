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

import "testing"

func TestIndexOfUIDFindsSequenceNumber(t *testing.T) {
	sess := newTestSession()
	sess.SetUIDList([]uint32{10, 20, 30})

	msn, ok := indexOfUID(sess, 20)
	if !ok || msn != 2 {
		t.Fatalf("indexOfUID = (%d, %v), want (2, true)", msn, ok)
	}
}

func TestIndexOfUIDMissesUnknownUID(t *testing.T) {
	sess := newTestSession()
	sess.SetUIDList([]uint32{10, 20, 30})

	if _, ok := indexOfUID(sess, 99); ok {
		t.Fatal("expected indexOfUID to report false for an absent UID")
	}
}

func TestExpungeParseRequiresSelectedMailbox(t *testing.T) {
	sess := newTestSession()
	cmd := NewExpungeFactory(&Deps{})("a1").(*Expunge)
	if err := cmd.Parse(sess, nil); err != nil {
		t.Fatal(err)
	}
	if cmd.OK() {
		t.Fatal("expected EXPUNGE to fail without a selected mailbox")
	}
}
