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

import (
	"context"
	"net"
	"testing"

	"github.com/corvidmail/corvid/framework/log"
)

func TestCreateSASLUnsupportedMechanism(t *testing.T) {
	p := NewStaticProvider()
	a := SASLAuth{Log: log.Logger{}, Auth: p}

	srv := a.CreateSASL(context.Background(), "XWHATEVER", &net.TCPAddr{}, func(string) error { return nil })
	if _, _, err := srv.Next([]byte("")); err == nil {
		t.Fatal("expected an error for an unsupported mechanism")
	}
}

func TestCreateSASLPlain(t *testing.T) {
	p := NewStaticProvider()
	if err := p.SetPassword("user1", "hunter2"); err != nil {
		t.Fatal(err)
	}
	a := SASLAuth{Log: log.Logger{}, Auth: p}

	var gotIdentity string
	srv := a.CreateSASL(context.Background(), "PLAIN", &net.TCPAddr{}, func(id string) error {
		gotIdentity = id
		return nil
	})

	if _, _, err := srv.Next([]byte("\x00user1\x00hunter2")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotIdentity != "user1" {
		t.Fatalf("expected identity user1, got %q", gotIdentity)
	}
}

func TestCreateSASLPlainWrongPassword(t *testing.T) {
	p := NewStaticProvider()
	if err := p.SetPassword("user1", "hunter2"); err != nil {
		t.Fatal(err)
	}
	a := SASLAuth{Log: log.Logger{}, Auth: p}

	srv := a.CreateSASL(context.Background(), "PLAIN", &net.TCPAddr{}, func(string) error { return nil })
	if _, _, err := srv.Next([]byte("\x00user1\x00wrongpass")); err == nil {
		t.Fatal("expected an authentication failure")
	}
}

func TestCreateSASLPlainAuthorizationIdentity(t *testing.T) {
	p := NewStaticProvider()
	if err := p.SetPassword("user1", "hunter2"); err != nil {
		t.Fatal(err)
	}
	a := SASLAuth{Log: log.Logger{}, Auth: p}

	var gotIdentity string
	srv := a.CreateSASL(context.Background(), "PLAIN", &net.TCPAddr{}, func(id string) error {
		gotIdentity = id
		return nil
	})

	if _, _, err := srv.Next([]byte("user1a\x00user1\x00hunter2")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotIdentity != "user1a" {
		t.Fatalf("expected authorization identity user1a, got %q", gotIdentity)
	}
}
