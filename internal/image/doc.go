// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package image parses executables and shared objects of the console.
//
// Files are either plain SCE ELF files or wrapped in the signed SELF
// container. [Parse] handles both and returns an [Image] with the program
// headers, the process and module parameters and, for dynamically linked
// images, the [DynamicInfo] with the symbol, relocation and library tables.
package image
