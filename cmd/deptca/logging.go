// Copyright (C) 2026 Trevor Vaughan
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mdobak/go-xerrors"
	slogmulti "github.com/samber/slog-multi"
	"github.com/tvaughan/deptca/internal/ca"
)

const levelTrace = slog.Level(-8)

// levelFor maps the verbosity flag: 0=Info 1=Debug 2+=Trace.
func levelFor(verbosity int) slog.Level {
	switch {
	case verbosity <= 0:
		return slog.LevelInfo
	case verbosity == 1:
		return slog.LevelDebug
	default:
		return levelTrace
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// setupLogging installs the default logger. With a log file, records go to
// the file as JSON; at verbosity > 0 they are also echoed to stderr.
func setupLogging(verbosity int, logFile string) (io.Closer, error) {
	opts := &slog.HandlerOptions{Level: levelFor(verbosity)}
	text := slog.NewTextHandler(os.Stderr, opts)
	if logFile == "" {
		slog.SetDefault(slog.New(text))
		return nopCloser{}, nil
	}

	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logFile, err)
	}
	var h slog.Handler = slog.NewJSONHandler(f, opts)
	if verbosity > 0 {
		h = slogmulti.Fanout(h, text)
	}
	slog.SetDefault(slog.New(h))
	return f, nil
}

// reportFailure prints err for the operator and, at trace level, logs it with
// a stack trace.
func reportFailure(err error) {
	slog.Log(context.Background(), levelTrace, "Command failed", slog.Any("error", xerrors.New(err)))
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", ca.Kind(err), err)
}
