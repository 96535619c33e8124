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

package auth

import "testing"

func TestNewLDAPProviderRequiresBaseDNOrTemplate(t *testing.T) {
	if _, err := NewLDAPProvider(LDAPConfig{URLs: []string{"ldap://dc1"}}); err == nil {
		t.Fatal("expected an error without DNTemplate or BaseDN/Filter")
	}
}

func TestNewLDAPProviderRejectsMixedConfig(t *testing.T) {
	_, err := NewLDAPProvider(LDAPConfig{
		URLs:       []string{"ldap://dc1"},
		DNTemplate: "uid={username},ou=people,dc=example,dc=com",
		BaseDN:     "dc=example,dc=com",
	})
	if err == nil {
		t.Fatal("expected an error when both DNTemplate and BaseDN are set")
	}
}

func TestNewLDAPProviderAcceptsDNTemplate(t *testing.T) {
	p, err := NewLDAPProvider(LDAPConfig{
		URLs:       []string{"ldap://dc1"},
		DNTemplate: "uid={username},ou=people,dc=example,dc=com",
	})
	if err != nil {
		t.Fatal(err)
	}
	dn, err := p.resolveDN(nil, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if dn != "uid=alice,ou=people,dc=example,dc=com" {
		t.Fatalf("resolveDN = %q", dn)
	}
}

func TestNewLDAPProviderAcceptsSearchConfig(t *testing.T) {
	_, err := NewLDAPProvider(LDAPConfig{
		URLs:   []string{"ldap://dc1"},
		BaseDN: "dc=example,dc=com",
		Filter: "(uid={username})",
	})
	if err != nil {
		t.Fatal(err)
	}
}
