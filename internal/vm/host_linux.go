// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package vm

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var _ AddressSpace = (*Host)(nil)

// Host is an [AddressSpace] whose guest pages are host pages at the same
// addresses, so guest code can run natively on them. Slices returned by
// [Host.Bytes] are subject to the host protections of the pages.
type Host struct {
	mu      sync.RWMutex
	regions regions
	ptrs    map[uint64]unsafe.Pointer
}

// NewHost creates a new [Host] address space. The page size is the guest
// page size or the host page size, whichever is larger.
func NewHost() (*Host, error) {
	return &Host{
		regions: regions{pageSize: max(DefaultPageSize, uint64(unix.Getpagesize()))},
		ptrs:    make(map[uint64]unsafe.Pointer),
	}, nil
}

func hostProt(prot Protections) int {
	var p int

	if prot.Has(CPURead) {
		p |= unix.PROT_READ
	}

	if prot.Has(CPUWrite) {
		p |= unix.PROT_WRITE
	}

	if prot.Has(CPUExec) {
		p |= unix.PROT_EXEC
	}

	return p
}

// PageSize implements [AddressSpace].
func (h *Host) PageSize() uint64 {
	return h.regions.pageSize
}

// Map implements [AddressSpace].
func (h *Host) Map(addr, length uint64, prot Protections) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if length == 0 || length%h.regions.pageSize != 0 {
		return 0, fmt.Errorf("%w: length %#x", ErrInvalidArgument, length)
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if addr != 0 {
		err := h.regions.checkRange(addr, length)
		if err != nil {
			return 0, err
		}

		flags |= unix.MAP_FIXED_NOREPLACE
	}

	//nolint:govet
	ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(uintptr(addr)), uintptr(length), hostProt(prot), flags)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return 0, fmt.Errorf("%w: %#x+%#x", ErrOverlap, addr, length)
		}

		return 0, fmt.Errorf("%w: mmap %#x bytes: %w", ErrNoSpace, length, err)
	}

	mapped := uint64(uintptr(ptr))
	if addr != 0 && mapped != addr {
		// Kernels without MAP_FIXED_NOREPLACE treat the address as hint.
		_ = unix.MunmapPtr(ptr, uintptr(length))
		return 0, fmt.Errorf("%w: %#x+%#x", ErrOverlap, addr, length)
	}

	data := unsafe.Slice((*byte)(ptr), length)
	h.regions.insert(newMapping(mapped, data, h.regions.pageSize, prot))
	h.ptrs[mapped] = ptr

	return mapped, nil
}

// Unmap implements [AddressSpace].
func (h *Host) Unmap(addr, length uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, err := h.regions.remove(addr, length)
	if err != nil {
		return err
	}

	ptr := h.ptrs[m.addr]
	delete(h.ptrs, m.addr)

	err = unix.MunmapPtr(ptr, uintptr(length))
	if err != nil {
		return fmt.Errorf("munmap %#x: %w", addr, err)
	}

	return nil
}

// Protect implements [AddressSpace].
func (h *Host) Protect(addr, length uint64, prot Protections) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := h.regions.checkRange(addr, length)
	if err != nil {
		return err
	}

	m, err := h.regions.find(addr, length)
	if err != nil {
		return err
	}

	start := addr - m.addr

	err = unix.Mprotect(m.data[start:start+length], hostProt(prot))
	if err != nil {
		return fmt.Errorf("mprotect %#x+%#x %s: %w", addr, length, prot, err)
	}

	first := start / h.regions.pageSize
	for i := range length / h.regions.pageSize {
		m.prots[first+i] = prot
	}

	return nil
}

// Protection implements [AddressSpace].
func (h *Host) Protection(addr uint64) (Protections, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.regions.protection(addr)
}

// Bytes implements [AddressSpace].
func (h *Host) Bytes(addr, length uint64) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.regions.bytes(addr, length)
}
