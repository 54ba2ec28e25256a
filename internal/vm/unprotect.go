// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vm

import (
	"errors"
	"fmt"
)

// Unprotected is a writable view of guest memory acquired by [Unprotect].
// Closing it restores the protections the pages had before.
type Unprotected struct {
	as     AddressSpace
	addr   uint64
	data   []byte
	saved  []Protections
	closed bool
}

// Unprotect changes the protections of the given page aligned range to prot
// and returns a view of its contents. The caller must call
// [Unprotected.Close] on every path, including failures.
func Unprotect(as AddressSpace, addr, length uint64, prot Protections) (*Unprotected, error) {
	pageSize := as.PageSize()
	if addr%pageSize != 0 || length%pageSize != 0 {
		return nil, fmt.Errorf("%w: range %#x+%#x not page aligned", ErrInvalidArgument, addr, length)
	}

	data, err := as.Bytes(addr, length)
	if err != nil {
		return nil, err
	}

	view := &Unprotected{
		as:    as,
		addr:  addr,
		data:  data,
		saved: make([]Protections, 0, length/pageSize),
	}

	for page := addr; page < addr+length; page += pageSize {
		p, err := as.Protection(page)
		if err != nil {
			return nil, err
		}

		view.saved = append(view.saved, p)
	}

	err = as.Protect(addr, length, prot)
	if err != nil {
		// Protect may have applied partially.
		return nil, errors.Join(
			fmt.Errorf("unprotect %#x+%#x: %w", addr, length, err),
			view.Close(),
		)
	}

	return view, nil
}

// Addr returns the guest address of the view.
func (u *Unprotected) Addr() uint64 {
	return u.addr
}

// Bytes returns the memory of the view. It must not be used after
// [Unprotected.Close].
func (u *Unprotected) Bytes() []byte {
	return u.data
}

// Close restores the saved protections. Runs of pages with equal
// protections are restored with a single call. Calling Close again is a
// no-op.
func (u *Unprotected) Close() error {
	if u.closed {
		return nil
	}

	u.closed = true
	u.data = nil

	var (
		errs     []error
		pageSize = u.as.PageSize()
	)

	for start := 0; start < len(u.saved); {
		end := start + 1
		for end < len(u.saved) && u.saved[end] == u.saved[start] {
			end++
		}

		addr := u.addr + uint64(start)*pageSize
		length := uint64(end-start) * pageSize

		err := u.as.Protect(addr, length, u.saved[start])
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %#x+%#x: %w", addr, length, err))
		}

		start = end
	}

	return errors.Join(errs...)
}
