// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aibor/sceld/internal/rtld"
)

func TestNID(t *testing.T) {
	for name, expected := range map[string]string{
		"":                         "B4c6vzgC+Xc",
		"printf":                   "hcuQgD53UxM",
		"malloc":                   "gQX+4GDQjpM",
		"free":                     "tIhsqj0qsFE",
		"memcpy":                   "Q3VBxCXhUHs",
		"_init_env":                "bzQExy189ZI",
		"sceKernelGetProcParam":    "959qrazPIrg",
		"sceKernelLoadStartModule": "wzvqT4UqKX8",
	} {
		t.Run(name, func(t *testing.T) {
			nid := rtld.NID(name)
			assert.Equal(t, expected, nid)
			assert.Len(t, nid, rtld.NIDLength)
		})
	}
}
