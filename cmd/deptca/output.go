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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/tvaughan/deptca/internal/ca"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

// colorize tints lifecycle words. "revoked" covers both certificates and
// authorities. Padding is applied before colouring so
// escape codes do not skew column widths.
func colorize(s string) string {
	word := strings.TrimSpace(s)
	switch word {
	case string(ca.CertValid), string(ca.StateActive), string(ca.IntegrityOK):
		return strings.Replace(s, word, green(word), 1)
	case string(ca.CertRevoked), string(ca.IntegrityBroken):
		return strings.Replace(s, word, red(word), 1)
	case string(ca.CertExpired), string(ca.StateArchived), string(ca.StateIncomplete):
		return strings.Replace(s, word, yellow(word), 1)
	}
	return s
}

// printTable writes rows under header with aligned columns.
func printTable(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, r := range rows {
		for i, cell := range r {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	line := func(cells []string, tint bool) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			padded := fmt.Sprintf("%-*s", widths[i], cell)
			if tint {
				padded = colorize(padded)
			}
			parts[i] = padded
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	line(header, false)
	for _, r := range rows {
		line(r, true)
	}
}

// printKV writes aligned key/value pairs.
func printKV(w io.Writer, rows [][2]string) {
	width := 0
	for _, r := range rows {
		if len(r[0]) > width {
			width = len(r[0])
		}
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%-*s  %s\n", width, r[0]+":", colorize(r[1]))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
