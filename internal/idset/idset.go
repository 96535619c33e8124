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

// Package idset implements a compact representation of sets of 32-bit
// message identifiers (UIDs or sequence numbers) as a sorted list of
// merged, inclusive ranges.
//
// All operations are expressed in terms of a small number of ranges
// rather than individual members, so a set spanning millions of
// contiguous UIDs costs the same as a set of two.
package idset

import (
	"sort"
	"strconv"
	"strings"
)

// Range is an inclusive [Lo, Hi] span of identifiers. Hi >= Lo always.
type Range struct {
	Lo, Hi uint32
}

// Set is a sorted, merged list of disjoint, non-adjacent Ranges.
//
// The zero value is an empty set ready to use.
type Set struct {
	ranges []Range
}

// New returns an empty Set.
func New() *Set {
	return &Set{}
}

// FromRanges builds a Set from an arbitrary (possibly overlapping,
// possibly unsorted) list of ranges.
func FromRanges(rs ...Range) *Set {
	s := New()
	for _, r := range rs {
		s.AddRange(r.Lo, r.Hi)
	}
	return s
}

// IsEmpty reports whether the set has no members.
func (s *Set) IsEmpty() bool {
	return len(s.ranges) == 0
}

// Count returns the number of members in the set.
func (s *Set) Count() uint32 {
	var n uint32
	for _, r := range s.ranges {
		n += r.Hi - r.Lo + 1
	}
	return n
}

// Smallest returns the smallest member, or 0 if the set is empty.
func (s *Set) Smallest() uint32 {
	if len(s.ranges) == 0 {
		return 0
	}
	return s.ranges[0].Lo
}

// Largest returns the largest member, or 0 if the set is empty.
func (s *Set) Largest() uint32 {
	if len(s.ranges) == 0 {
		return 0
	}
	return s.ranges[len(s.ranges)-1].Hi
}

// Add inserts n into the set. It is equivalent to AddRange(n, n).
func (s *Set) Add(n uint32) {
	s.AddRange(n, n)
}

// AddRange inserts every identifier in [lo, hi] into the set, merging with
// any overlapping or adjacent existing ranges.
func (s *Set) AddRange(lo, hi uint32) {
	if hi < lo {
		lo, hi = hi, lo
	}

	// Find the insertion point: the first range whose Hi reaches at least
	// lo-1 (i.e. the first range that could possibly merge with [lo, hi]),
	// comparing in 64 bits to sidestep the lo==0 underflow edge.
	i := sort.Search(len(s.ranges), func(i int) bool {
		return int64(s.ranges[i].Hi)+1 >= int64(lo)
	})

	merged := Range{Lo: lo, Hi: hi}
	j := i
	for j < len(s.ranges) && rangesTouch(s.ranges[j], merged) {
		if s.ranges[j].Lo < merged.Lo {
			merged.Lo = s.ranges[j].Lo
		}
		if s.ranges[j].Hi > merged.Hi {
			merged.Hi = s.ranges[j].Hi
		}
		j++
	}

	out := make([]Range, 0, len(s.ranges)-(j-i)+1)
	out = append(out, s.ranges[:i]...)
	out = append(out, merged)
	out = append(out, s.ranges[j:]...)
	s.ranges = out
}

func rangesTouch(a, b Range) bool {
	// a and b overlap or are adjacent (no gap between them), compared in
	// 64 bits so a Hi of 0xFFFFFFFF doesn't overflow when adding 1.
	if int64(a.Hi) < int64(b.Lo) {
		return int64(b.Lo)-int64(a.Hi) <= 1
	}
	if int64(b.Hi) < int64(a.Lo) {
		return int64(a.Lo)-int64(b.Hi) <= 1
	}
	return true
}

// Remove removes n from the set.
func (s *Set) Remove(n uint32) {
	s.RemoveRange(n, n)
}

// RemoveRange removes every identifier in [lo, hi] from the set.
func (s *Set) RemoveRange(lo, hi uint32) {
	if hi < lo {
		lo, hi = hi, lo
	}

	out := make([]Range, 0, len(s.ranges))
	for _, r := range s.ranges {
		if r.Hi < lo || r.Lo > hi {
			out = append(out, r)
			continue
		}
		if r.Lo < lo {
			out = append(out, Range{Lo: r.Lo, Hi: lo - 1})
		}
		if r.Hi > hi {
			out = append(out, Range{Lo: hi + 1, Hi: r.Hi})
		}
	}
	s.ranges = out
}

// RemoveSet removes every member of other from the set.
func (s *Set) RemoveSet(other *Set) {
	for _, r := range other.ranges {
		s.RemoveRange(r.Lo, r.Hi)
	}
}

// Clear empties the set.
func (s *Set) Clear() {
	s.ranges = nil
}

// Contains reports whether n is a member of the set.
func (s *Set) Contains(n uint32) bool {
	i := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Hi >= n
	})
	return i < len(s.ranges) && s.ranges[i].Lo <= n
}

// ContainsSet reports whether every member of other is also a member of s.
func (s *Set) ContainsSet(other *Set) bool {
	for _, r := range other.ranges {
		lo, hi := r.Lo, r.Hi
		for lo <= hi {
			if !s.Contains(lo) {
				return false
			}
			if lo == hi {
				break
			}
			lo++
		}
	}
	return true
}

// Value returns the i-th element of the set, 1-indexed in iteration order.
// It returns 0 if i is out of range.
func (s *Set) Value(i uint32) uint32 {
	if i == 0 {
		return 0
	}
	for _, r := range s.ranges {
		span := r.Hi - r.Lo + 1
		if i <= span {
			return r.Lo + i - 1
		}
		i -= span
	}
	return 0
}

// Index returns the 1-based rank of n within the set, or 0 if n is absent.
func (s *Set) Index(n uint32) uint32 {
	var rank uint32
	for _, r := range s.ranges {
		if n >= r.Lo && n <= r.Hi {
			return rank + (n - r.Lo) + 1
		}
		rank += r.Hi - r.Lo + 1
	}
	return 0
}

// Intersection returns a new Set containing only the members present in
// both s and other.
func (s *Set) Intersection(other *Set) *Set {
	out := New()
	i, j := 0, 0
	for i < len(s.ranges) && j < len(other.ranges) {
		a, b := s.ranges[i], other.ranges[j]
		lo := a.Lo
		if b.Lo > lo {
			lo = b.Lo
		}
		hi := a.Hi
		if b.Hi < hi {
			hi = b.Hi
		}
		if lo <= hi {
			out.AddRange(lo, hi)
		}
		if a.Hi < b.Hi {
			i++
		} else {
			j++
		}
	}
	return out
}

// Ranges returns the set's ranges in ascending order. The returned slice
// must not be mutated by the caller.
func (s *Set) Ranges() []Range {
	return s.ranges
}

// String renders the set using RFC 3501 sequence-set syntax, e.g.
// "1:3,5,7:9". An empty set renders as "".
//
// last, if non-zero, is replaced by "*" when a multi-member range's upper
// bound equals it (the conventional way to denote "through the highest
// UID", e.g. "7:*"); a single-member range always prints its number.
// Pass 0 to disable the substitution.
func (s *Set) String(last uint32) string {
	var b strings.Builder
	for i, r := range s.ranges {
		if i > 0 {
			b.WriteByte(',')
		}
		if r.Lo == r.Hi {
			b.WriteString(strconv.FormatUint(uint64(r.Lo), 10))
			continue
		}
		b.WriteString(strconv.FormatUint(uint64(r.Lo), 10))
		b.WriteByte(':')
		if last != 0 && r.Hi == last {
			b.WriteByte('*')
		} else {
			b.WriteString(strconv.FormatUint(uint64(r.Hi), 10))
		}
	}
	return b.String()
}

// CSL renders the set as a flat comma-separated list of individual
// members, e.g. "1,2,3,5,7,8,9". Intended for call sites (logging,
// non-IMAP protocols) that don't want range compression.
func (s *Set) CSL() string {
	var b strings.Builder
	first := true
	for _, r := range s.ranges {
		for n := r.Lo; ; n++ {
			if !first {
				b.WriteByte(',')
			}
			first = false
			b.WriteString(strconv.FormatUint(uint64(n), 10))
			if n == r.Hi {
				break
			}
		}
	}
	return b.String()
}

// Parse parses RFC 3501 sequence-set syntax ("1:3,5,7:9" or "1:*") into a
// Set. last is substituted for "*"; it must be non-zero if the input may
// contain "*".
func Parse(s string, last uint32) (*Set, error) {
	out := New()
	if s == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		lo, hi, err := parseRangePart(part, last)
		if err != nil {
			return nil, err
		}
		out.AddRange(lo, hi)
	}
	return out, nil
}

func parseRangePart(part string, last uint32) (uint32, uint32, error) {
	colon := strings.IndexByte(part, ':')
	if colon < 0 {
		n, err := parseNumOrStar(part, last)
		return n, n, err
	}
	lo, err := parseNumOrStar(part[:colon], last)
	if err != nil {
		return 0, 0, err
	}
	hi, err := parseNumOrStar(part[colon+1:], last)
	if err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}

func parseNumOrStar(s string, last uint32) (uint32, error) {
	if s == "*" {
		return last, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
