// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld

import (
	"crypto/sha1" //nolint:gosec
	"encoding/binary"

	"github.com/aibor/sceld/internal/image"
)

// NIDLength is the length of a hashed symbol name.
const NIDLength = 11

var nidSalt = []byte{
	0x51, 0x8d, 0x64, 0xa6, 0x35, 0xde, 0xd8, 0xc1,
	0xe6, 0xb0, 0x39, 0xb1, 0xc3, 0xe5, 0x52, 0x30,
}

// NID returns the hashed symbol name that is used in the symbol tables of
// console images instead of the plain name.
func NID(name string) string {
	hash := sha1.New() //nolint:gosec
	hash.Write([]byte(name))
	hash.Write(nidSalt)

	value := binary.LittleEndian.Uint64(hash.Sum(nil))

	var nid [NIDLength]byte

	for i := range NIDLength - 1 {
		nid[i] = image.NIDAlphabet[value>>(58-6*i)&0x3f]
	}

	nid[NIDLength-1] = image.NIDAlphabet[(value&0xf)*4]

	return string(nid[:])
}
