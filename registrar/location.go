// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package registrar

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

var ErrIntervalTooBrief = errors.New("registration interval too brief")

// Binding is registered contact of address of record
type Binding struct {
	AOR     string
	Contact sip.Uri
	// Source is address REGISTER came from. Used when contact is not reachable directly.
	Source  string
	CallID  string
	CSeq    uint32
	Expires time.Time
}

// ExpiresIn returns seconds left until binding expires
func (b Binding) ExpiresIn(now time.Time) int {
	left := b.Expires.Sub(now)
	if left < 0 {
		return 0
	}
	return int(left.Round(time.Second).Seconds())
}

// LocationStore is in memory location service.
// Expired bindings are not returned and are removed by Purge.
type LocationStore struct {
	mu       sync.Mutex
	bindings map[string][]*Binding

	minExpires int
	maxExpires int
	now        func() time.Time
}

func NewLocationStore(minExpires int, maxExpires int) *LocationStore {
	return &LocationStore{
		bindings:   make(map[string][]*Binding),
		minExpires: minExpires,
		maxExpires: maxExpires,
		now:        time.Now,
	}
}

func (s *LocationStore) MinExpires() int {
	return s.minExpires
}

// Register adds or refreshes binding. Expires is clamped to max.
func (s *LocationStore) Register(b Binding, expires int) (Binding, error) {
	if expires < s.minExpires {
		return Binding{}, fmt.Errorf("%w: %d < %d", ErrIntervalTooBrief, expires, s.minExpires)
	}
	if s.maxExpires > 0 && expires > s.maxExpires {
		expires = s.maxExpires
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b.Expires = s.now().Add(time.Duration(expires) * time.Second)
	key := b.Contact.String()
	for _, existing := range s.bindings[b.AOR] {
		if existing.Contact.String() == key {
			*existing = b
			return b, nil
		}
	}
	nb := b
	s.bindings[b.AOR] = append(s.bindings[b.AOR], &nb)
	return b, nil
}

// Unregister removes single contact of aor
func (s *LocationStore) Unregister(aor string, contact sip.Uri) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contact.String()
	list := s.bindings[aor]
	for i, b := range list {
		if b.Contact.String() == key {
			s.bindings[aor] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.bindings[aor]) == 0 {
		delete(s.bindings, aor)
	}
}

// UnregisterAll removes all contacts of aor
func (s *LocationStore) UnregisterAll(aor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, aor)
}

// Lookup returns active bindings of aor, most recently expiring first
func (s *LocationStore) Lookup(aor string) []Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var res []Binding
	for _, b := range s.bindings[aor] {
		if b.Expires.After(now) {
			res = append(res, *b)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Expires.After(res[j].Expires)
	})
	return res
}

// Purge removes expired bindings and returns how many were removed
func (s *LocationStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for aor, list := range s.bindings {
		kept := list[:0]
		for _, b := range list {
			if b.Expires.After(now) {
				kept = append(kept, b)
				continue
			}
			n++
		}
		if len(kept) == 0 {
			delete(s.bindings, aor)
			continue
		}
		s.bindings[aor] = kept
	}
	return n
}

func (s *LocationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, list := range s.bindings {
		n += len(list)
	}
	return n
}
