// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vm

import (
	"fmt"
	"sync"
)

// The console kernel manages user memory in 16 KiB pages.
const DefaultPageSize = 0x4000

// DefaultBase is the lowest address used for mappings without a fixed
// address.
const DefaultBase = 0x8_0000_0000

// DefaultCapacity is the default size of the range automatic mappings are
// placed in.
const DefaultCapacity = 0x10_0000_0000

var _ AddressSpace = (*Simulated)(nil)

// Simulated is an [AddressSpace] backed by Go memory.
type Simulated struct {
	mu       sync.RWMutex
	regions  regions
	base     uint64
	capacity uint64
}

// SimulatedOption configures a [Simulated] address space.
type SimulatedOption func(*Simulated)

// WithPageSize sets the page size. It must be a power of two.
func WithPageSize(size uint64) SimulatedOption {
	return func(s *Simulated) {
		s.regions.pageSize = size
	}
}

// WithBase sets the lowest address for automatically placed mappings.
func WithBase(base uint64) SimulatedOption {
	return func(s *Simulated) {
		s.base = base
	}
}

// WithCapacity limits the range automatically placed mappings can use.
func WithCapacity(capacity uint64) SimulatedOption {
	return func(s *Simulated) {
		s.capacity = capacity
	}
}

// NewSimulated creates a new empty [Simulated] address space.
func NewSimulated(opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		regions:  regions{pageSize: DefaultPageSize},
		base:     DefaultBase,
		capacity: DefaultCapacity,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// PageSize implements [AddressSpace].
func (s *Simulated) PageSize() uint64 {
	return s.regions.pageSize
}

// Map implements [AddressSpace].
func (s *Simulated) Map(addr, length uint64, prot Protections) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if addr == 0 {
		if length == 0 || length%s.regions.pageSize != 0 {
			return 0, fmt.Errorf("%w: length %#x", ErrInvalidArgument, length)
		}

		free, err := s.regions.freeRange(s.base, s.base+s.capacity, length)
		if err != nil {
			return 0, err
		}

		addr = free
	} else {
		err := s.regions.checkRange(addr, length)
		if err != nil {
			return 0, err
		}

		if s.regions.overlaps(addr, length) {
			return 0, fmt.Errorf("%w: %#x+%#x", ErrOverlap, addr, length)
		}
	}

	s.regions.insert(newMapping(addr, make([]byte, length), s.regions.pageSize, prot))

	return addr, nil
}

// Unmap implements [AddressSpace].
func (s *Simulated) Unmap(addr, length uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.regions.remove(addr, length)

	return err
}

// Protect implements [AddressSpace].
func (s *Simulated) Protect(addr, length uint64, prot Protections) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.regions.checkRange(addr, length)
	if err != nil {
		return err
	}

	m, err := s.regions.find(addr, length)
	if err != nil {
		return err
	}

	first := (addr - m.addr) / s.regions.pageSize
	for i := range length / s.regions.pageSize {
		m.prots[first+i] = prot
	}

	return nil
}

// Protection implements [AddressSpace].
func (s *Simulated) Protection(addr uint64) (Protections, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.regions.protection(addr)
}

// Bytes implements [AddressSpace].
func (s *Simulated) Bytes(addr, length uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.regions.bytes(addr, length)
}
