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

package storage

import (
	"strings"
	"testing"

	"github.com/corvidmail/corvid/framework/log"
)

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := Open("", log.Logger{}); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestSchemaStatementsAreIdempotent(t *testing.T) {
	for _, stmt := range schemaStatements {
		trimmed := strings.TrimSpace(stmt)
		if !strings.HasPrefix(trimmed, "CREATE TABLE IF NOT EXISTS") {
			t.Fatalf("statement is not idempotent: %s", firstLine(stmt))
		}
	}
}

func TestSchemaCoversDataModel(t *testing.T) {
	want := []string{
		"mailboxes", "messages", "bodyparts", "part_numbers",
		"header_field_names", "flag_names", "annotation_names",
		"addresses", "header_fields", "address_fields",
		"mailbox_messages", "flags", "annotations",
		"delivery_records", "delivery_recipients",
	}
	for _, table := range want {
		found := false
		for _, stmt := range schemaStatements {
			if strings.Contains(stmt, "EXISTS "+table+" ") {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("no schema statement for table %q", table)
		}
	}
}
