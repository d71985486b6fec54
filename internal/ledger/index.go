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

package ledger

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// IndexTimeFormat is the UTCTime layout used in index.txt (YYMMDDHHMMSSZ).
const IndexTimeFormat = "060102150405Z"

// FormatIndexLine renders e as one tab-separated index.txt record:
//
//	status  expiry  revocation[,reason]  serial  path  subject
func FormatIndexLine(e *Entry) string {
	revocation := ""
	if e.Revoked() {
		revocation = e.RevokedAt.UTC().Format(IndexTimeFormat)
		if e.Reason != ReasonUnspecified {
			revocation += "," + e.Reason.String()
		}
	}
	return strings.Join([]string{
		string(e.Status),
		e.Expiry.UTC().Format(IndexTimeFormat),
		revocation,
		strconv.FormatUint(e.Serial, 10),
		e.Path,
		e.Subject,
	}, "\t")
}

// ParseIndexLine is the inverse of FormatIndexLine.
func ParseIndexLine(line string) (*Entry, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 6 {
		return nil, fmt.Errorf("expected 6 tab-separated fields, got %d", len(fields))
	}

	e := &Entry{
		Status:  Status(fields[0]),
		Path:    fields[4],
		Subject: fields[5],
	}
	if e.Status != StatusValid && e.Status != StatusRevoked {
		return nil, fmt.Errorf("unsupported status %q", fields[0])
	}

	var err error
	if e.Expiry, err = time.Parse(IndexTimeFormat, fields[1]); err != nil {
		return nil, fmt.Errorf("expiry: %w", err)
	}
	if e.Serial, err = strconv.ParseUint(fields[3], 10, 64); err != nil {
		return nil, fmt.Errorf("serial: %w", err)
	}

	if e.Revoked() {
		stamp, reason, _ := strings.Cut(fields[2], ",")
		if e.RevokedAt, err = time.Parse(IndexTimeFormat, stamp); err != nil {
			return nil, fmt.Errorf("revocation time: %w", err)
		}
		if e.Reason, err = ParseReason(reason); err != nil {
			return nil, err
		}
	} else if fields[2] != "" {
		return nil, fmt.Errorf("valid entry %d carries a revocation field", e.Serial)
	}
	return e, nil
}

// WriteIndex writes entries in the order given, one per line.
func WriteIndex(w io.Writer, entries []*Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := bw.WriteString(FormatIndexLine(e) + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadIndex parses a complete index.txt. Blank lines are skipped.
func ReadIndex(r io.Reader) ([]*Entry, error) {
	var entries []*Entry
	scanner := bufio.NewScanner(r)
	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := ParseIndexLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
