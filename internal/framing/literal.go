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

package framing

import "strconv"

// LiteralSpec describes a trailing "{n}" or "{n+}" literal announcement
// found at the end of an otherwise-complete line.
type LiteralSpec struct {
	Size     int
	NonSync  bool // true for "{n+}" (LITERAL+), which suppresses the "+ OK" continuation
	LinePart []byte
}

// DetectLiteral looks for a literal spec at the end of line and, if found,
// returns it along with the portion of line preceding it, without the
// space that separates that portion from the literal. ok is false if
// line does not end in a well-formed "{digits}" or "{digits+}".
func DetectLiteral(line []byte) (spec LiteralSpec, ok bool) {
	if len(line) == 0 || line[len(line)-1] != '}' {
		return LiteralSpec{}, false
	}

	nonSync := false
	end := len(line) - 1
	if end > 0 && line[end-1] == '+' {
		nonSync = true
		end--
	}

	start := end
	for start > 0 && line[start-1] >= '0' && line[start-1] <= '9' {
		start--
	}
	if start == end {
		// no digits at all
		return LiteralSpec{}, false
	}
	if start == 0 || line[start-1] != '{' {
		return LiteralSpec{}, false
	}

	n, err := strconv.Atoi(string(line[start:end]))
	if err != nil || n < 0 {
		return LiteralSpec{}, false
	}

	part := line[:start-1]
	for len(part) > 0 && part[len(part)-1] == ' ' {
		part = part[:len(part)-1]
	}

	return LiteralSpec{
		Size:     n,
		NonSync:  nonSync,
		LinePart: part,
	}, true
}
