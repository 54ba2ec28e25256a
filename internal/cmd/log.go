// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cmd

import (
	"io"
	"log/slog"
)

type logFlags struct {
	debug   bool
	verbose bool
}

// level returns the most verbose level any of the flags asks for.
func (f logFlags) level() slog.Level {
	switch {
	case f.debug:
		return slog.LevelDebug
	case f.verbose:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

func setupLogging(writer io.Writer, flags logFlags) {
	opts := &slog.HandlerOptions{
		Level: flags.level(),
	}

	// Timestamps only help when correlating debug output.
	if !flags.debug {
		opts.ReplaceAttr = func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) == 0 && attr.Key == slog.TimeKey {
				return slog.Attr{}
			}

			return attr
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(writer, opts)).With(
		slog.String("prog", name),
	))
}
