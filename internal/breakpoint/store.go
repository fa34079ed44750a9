// Package breakpoint implements an insertion-ordered software breakpoint
// store: one entry per trapped address, a monotonic id assigned on insert,
// and an address index for O(1) lookup on trap. The store alone owns its
// entries; callers get stable ids, never pointers to manage.
package breakpoint

import (
	"errors"
	"fmt"
)

// ErrDuplicateAddress is returned by Insert when a breakpoint already
// exists at the requested address.
var ErrDuplicateAddress = errors.New("breakpoint: duplicate address")

// ErrNotFound is returned by Delete and Get when no breakpoint exists with
// the given id.
var ErrNotFound = errors.New("breakpoint: not found")

// Breakpoint is one planted trap.
type Breakpoint struct {
	ID           int
	Address      uint64
	OriginalWord uint64 // the machine word at Address before the trap byte was written
	Enabled      bool
}

// Store owns the set of live breakpoints. The zero value is not usable;
// construct with NewStore.
type Store struct {
	order  []int // insertion order of ids, for stable iteration
	byID   map[int]*Breakpoint
	byAddr map[uint64]int // address -> id
	nextID int
}

// NewStore returns an empty breakpoint store.
func NewStore() *Store {
	return &Store{
		byID:   make(map[int]*Breakpoint),
		byAddr: make(map[uint64]int),
		nextID: 1,
	}
}

// Insert plants a new breakpoint at address, recording originalWord (the
// machine word read from that address before the trap byte is written in).
// It returns ErrDuplicateAddress if a breakpoint already exists there.
func (s *Store) Insert(address, originalWord uint64) (*Breakpoint, error) {
	if _, exists := s.byAddr[address]; exists {
		return nil, fmt.Errorf("%w: %#x", ErrDuplicateAddress, address)
	}
	bp := &Breakpoint{
		ID:           s.nextID,
		Address:      address,
		OriginalWord: originalWord,
		Enabled:      true,
	}
	s.byID[bp.ID] = bp
	s.byAddr[address] = bp.ID
	s.order = append(s.order, bp.ID)
	s.nextID++
	return bp, nil
}

// Delete removes the breakpoint with the given id.
func (s *Store) Delete(id int) error {
	bp, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	delete(s.byID, id)
	delete(s.byAddr, bp.Address)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the breakpoint with the given id.
func (s *Store) Get(id int) (*Breakpoint, error) {
	bp, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return bp, nil
}

// FindByAddress returns the breakpoint planted at address, if any.
func (s *Store) FindByAddress(address uint64) (*Breakpoint, bool) {
	id, ok := s.byAddr[address]
	if !ok {
		return nil, false
	}
	return s.byID[id], true
}

// All returns every breakpoint in insertion order. The returned slice is a
// fresh copy; mutating it does not affect the store.
func (s *Store) All() []*Breakpoint {
	out := make([]*Breakpoint, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Len returns the number of live breakpoints.
func (s *Store) Len() int {
	return len(s.order)
}
