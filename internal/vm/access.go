// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// access returns the guest memory of the given range after checking that
// every page in it grants the wanted protections.
func access(as AddressSpace, addr uint64, length int, want Protections) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}

	end := addr + uint64(length)
	if addr == 0 || end < addr {
		return nil, fmt.Errorf("%w: %#x", ErrFault, addr)
	}

	pageSize := as.PageSize()
	for page := AlignDown(addr, pageSize); page < end; page += pageSize {
		prot, err := as.Protection(page)
		if err != nil || !prot.Has(want) {
			return nil, fmt.Errorf("%w: %#x", ErrFault, addr)
		}
	}

	b, err := as.Bytes(addr, uint64(length))
	if err != nil {
		return nil, fmt.Errorf("%w: %#x: %w", ErrFault, addr, err)
	}

	return b, nil
}

// CopyIn copies guest memory at addr into b.
func CopyIn(as AddressSpace, addr uint64, b []byte) error {
	src, err := access(as, addr, len(b), CPURead)
	if err != nil {
		return err
	}

	copy(b, src)

	return nil
}

// CopyOut copies b into guest memory at addr.
func CopyOut(as AddressSpace, addr uint64, b []byte) error {
	dst, err := access(as, addr, len(b), CPUWrite)
	if err != nil {
		return err
	}

	copy(dst, b)

	return nil
}

// Uint64 reads a little-endian 64 bit value from guest memory.
func Uint64(as AddressSpace, addr uint64) (uint64, error) {
	var b [8]byte

	err := CopyIn(as, addr, b[:])
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// PutUint64 writes a little-endian 64 bit value to guest memory.
func PutUint64(as AddressSpace, addr, value uint64) error {
	return CopyOut(as, addr, binary.LittleEndian.AppendUint64(nil, value))
}

// PutUint32 writes a little-endian 32 bit value to guest memory.
func PutUint32(as AddressSpace, addr uint64, value uint32) error {
	return CopyOut(as, addr, binary.LittleEndian.AppendUint32(nil, value))
}

// ReadCString reads a NUL terminated string from guest memory. The string
// including its terminator must not be longer than maxLen bytes.
func ReadCString(as AddressSpace, addr uint64, maxLen int) (string, error) {
	var (
		buf      []byte
		pageSize = as.PageSize()
	)

	for len(buf) < maxLen {
		cur := addr + uint64(len(buf))
		chunk := min(int(AlignDown(cur, pageSize)+pageSize-cur), maxLen-len(buf))

		b, err := access(as, cur, chunk, CPURead)
		if err != nil {
			return "", err
		}

		if idx := bytes.IndexByte(b, 0); idx >= 0 {
			return string(append(buf, b[:idx]...)), nil
		}

		buf = append(buf, b...)
	}

	return "", fmt.Errorf("%w: exceeds %d bytes", ErrStringTooLong, maxLen)
}
