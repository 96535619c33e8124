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

package idset

import "testing"

func TestAddMerge(t *testing.T) {
	s := New()
	s.Add(5)
	s.Add(7)
	s.AddRange(1, 3)
	s.Add(4) // merges 1:3 and 4 and 5 into 1:5, leaving 7 separate

	if got, want := s.String(0), "1:5,7"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if s.Count() != 6 {
		t.Fatalf("Count() = %d, want 6", s.Count())
	}
}

func TestAddAdjacentRanges(t *testing.T) {
	s := FromRanges(Range{1, 3}, Range{4, 6}, Range{10, 12})
	if got, want := s.String(0), "1:6,10:12"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestRemove(t *testing.T) {
	s := FromRanges(Range{1, 10})
	s.Remove(5)
	if got, want := s.String(0), "1:4,6:10"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	s.RemoveRange(1, 4)
	if got, want := s.String(0), "6:10"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestContains(t *testing.T) {
	s := FromRanges(Range{1, 3}, Range{5, 5}, Range{7, 9})
	cases := map[uint32]bool{1: true, 3: true, 4: false, 5: true, 6: false, 9: true, 10: false}
	for n, want := range cases {
		if got := s.Contains(n); got != want {
			t.Errorf("Contains(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestValueAndIndex(t *testing.T) {
	s := FromRanges(Range{2, 3}, Range{5, 5}, Range{7, 9})
	// Members in order: 2, 3, 5, 7, 8, 9
	want := []uint32{2, 3, 5, 7, 8, 9}
	for i, v := range want {
		if got := s.Value(uint32(i + 1)); got != v {
			t.Errorf("Value(%d) = %d, want %d", i+1, got, v)
		}
		if got := s.Index(v); got != uint32(i+1) {
			t.Errorf("Index(%d) = %d, want %d", v, got, i+1)
		}
	}
	if s.Index(4) != 0 {
		t.Errorf("Index(4) = %d, want 0 (absent)", s.Index(4))
	}
	if s.Value(100) != 0 {
		t.Errorf("Value(100) = %d, want 0 (out of range)", s.Value(100))
	}
}

func TestIntersection(t *testing.T) {
	a := FromRanges(Range{1, 10})
	b := FromRanges(Range{5, 15})
	got := a.Intersection(b)
	if want := "5:10"; got.String(0) != want {
		t.Fatalf("Intersection = %q, want %q", got.String(0), want)
	}
}

func TestStringStar(t *testing.T) {
	s := FromRanges(Range{1, 3}, Range{7, 100})
	if got, want := s.String(100), "1:3,7:*"; got != want {
		t.Fatalf("String(100) = %q, want %q", got, want)
	}
}

func TestCSL(t *testing.T) {
	s := FromRanges(Range{1, 3}, Range{5, 5})
	if got, want := s.CSL(), "1,2,3,5"; got != want {
		t.Fatalf("CSL() = %q, want %q", got, want)
	}
}

func TestParse(t *testing.T) {
	s, err := Parse("1:3,5,7:*", 100)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := s.String(100), "1:3,5,7:*"; got != want {
		t.Fatalf("roundtrip = %q, want %q", got, want)
	}

	if _, err := Parse("not-a-number", 0); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestContainsSet(t *testing.T) {
	a := FromRanges(Range{1, 10})
	b := FromRanges(Range{2, 4}, Range{8, 9})
	if !a.ContainsSet(b) {
		t.Fatal("expected a to contain b")
	}
	c := FromRanges(Range{2, 4}, Range{11, 12})
	if a.ContainsSet(c) {
		t.Fatal("expected a to not contain c")
	}
}

func TestRemoveSet(t *testing.T) {
	a := FromRanges(Range{1, 20})
	b := FromRanges(Range{5, 10}, Range{15, 16})
	a.RemoveSet(b)
	if got, want := a.String(0), "1:4,11:14,17:20"; got != want {
		t.Fatalf("RemoveSet result = %q, want %q", got, want)
	}
}
