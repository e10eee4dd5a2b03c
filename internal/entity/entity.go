// Package entity defines the subject identifiers that calculations and cohort
// definitions operate on, and the set type used to hold cohorts of them.
package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// ID is an opaque subject identifier (for example a patient id).
type ID string

// Set is an unordered collection of unique IDs. A Set returned from any
// evaluation is shared and must be treated as read-only; all operations
// below return new sets.
type Set struct {
	m map[ID]struct{}
}

// NewSet builds a set from the given ids. Duplicates are collapsed.
func NewSet(ids ...ID) Set {
	m := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return Set{m: m}
}

// FromStrings is a convenience for building a set from raw identifiers.
func FromStrings(ids ...string) Set {
	m := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		m[ID(id)] = struct{}{}
	}
	return Set{m: m}
}

// Len returns the number of members.
func (s Set) Len() int { return len(s.m) }

// Empty reports whether the set has no members.
func (s Set) Empty() bool { return len(s.m) == 0 }

// Has reports whether id is a member.
func (s Set) Has(id ID) bool {
	_, ok := s.m[id]
	return ok
}

// IDs returns the members in ascending order.
func (s Set) IDs() []ID {
	out := make([]ID, 0, len(s.m))
	for id := range s.m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the members in ascending order as plain strings.
func (s Set) Strings() []string {
	ids := s.IDs()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// Intersect returns the members present in both s and o.
func (s Set) Intersect(o Set) Set {
	small, large := s, o
	if large.Len() < small.Len() {
		small, large = large, small
	}
	m := make(map[ID]struct{}, small.Len())
	for id := range small.m {
		if large.Has(id) {
			m[id] = struct{}{}
		}
	}
	return Set{m: m}
}

// Union returns the members present in either s or o.
func (s Set) Union(o Set) Set {
	m := make(map[ID]struct{}, s.Len()+o.Len())
	for id := range s.m {
		m[id] = struct{}{}
	}
	for id := range o.m {
		m[id] = struct{}{}
	}
	return Set{m: m}
}

// Difference returns the members of s that are not in o.
func (s Set) Difference(o Set) Set {
	m := make(map[ID]struct{}, s.Len())
	for id := range s.m {
		if !o.Has(id) {
			m[id] = struct{}{}
		}
	}
	return Set{m: m}
}

// Equal reports whether both sets hold exactly the same members.
func (s Set) Equal(o Set) bool {
	if s.Len() != o.Len() {
		return false
	}
	for id := range s.m {
		if !o.Has(id) {
			return false
		}
	}
	return true
}

// Key returns a stable fingerprint of the membership. Two sets have the same
// key if and only if they hold the same ids (modulo sha256 collisions).
func (s Set) Key() string {
	h := sha256.New()
	for _, id := range s.IDs() {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// String renders a short human readable form, used in logs.
func (s Set) String() string {
	ids := s.Strings()
	if len(ids) > 8 {
		return "{" + strings.Join(ids[:8], ",") + ",...}"
	}
	return "{" + strings.Join(ids, ",") + "}"
}
