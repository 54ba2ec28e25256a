// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package image

import (
	"fmt"
	"strings"
)

// NIDAlphabet is the alphabet of hashed symbol names and the encoded library
// and module ids.
const NIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+-"

// DecodeID decodes a library or module id as used in versioned symbol names.
// Each character is a base 64 digit, the most significant first.
func DecodeID(s string) (uint16, error) {
	if s == "" || len(s) > 3 {
		return 0, fmt.Errorf("%w: id %q", ErrInvalidFormat, s)
	}

	var id uint32

	for i := range len(s) {
		digit := strings.IndexByte(NIDAlphabet, s[i])
		if digit < 0 {
			return 0, fmt.Errorf("%w: id %q", ErrInvalidFormat, s)
		}

		id = id<<6 | uint32(digit)
	}

	if id > 0xffff {
		return 0, fmt.Errorf("%w: id %q out of range", ErrInvalidFormat, s)
	}

	return uint16(id), nil
}

// EncodeID encodes a library or module id. It is the inverse of [DecodeID].
func EncodeID(id uint16) string {
	var buf [3]byte

	pos := len(buf)
	for {
		pos--
		buf[pos] = NIDAlphabet[id&0x3f]

		id >>= 6
		if id == 0 {
			break
		}
	}

	return string(buf[pos:])
}

// SymbolName returns the versioned symbol name for the given hashed name and
// library and module id.
func SymbolName(nid string, lib, mod uint16) string {
	return nid + "#" + EncodeID(lib) + "#" + EncodeID(mod)
}
