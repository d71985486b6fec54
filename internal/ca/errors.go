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

package ca

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tvaughan/deptca/internal/ledger"
	"github.com/tvaughan/deptca/internal/profile"
	"github.com/tvaughan/deptca/internal/storage"
)

var (
	ErrNotFound       = ledger.ErrNotFound
	ErrAlreadyRevoked = ledger.ErrAlreadyRevoked
	ErrLedgerIO       = ledger.ErrLedgerIO
	ErrLockContention = ledger.ErrLockContention
	ErrInvalidReason  = ledger.ErrInvalidReason
	ErrUnknownProfile = profile.ErrUnknownProfile
	ErrInvalidSAN     = profile.ErrInvalidSAN

	ErrInvalidCSR         = errors.New("invalid certificate request")
	ErrInvalidCommonName  = errors.New("common name must not be empty")
	ErrInvalidID          = errors.New("invalid authority id")
	ErrInvalidStatus      = errors.New("unknown certificate status")
	ErrMissingRoot        = errors.New("root CA is not initialised")
	ErrAuthorityExists    = errors.New("authority already exists")
	ErrInactiveAuthority  = errors.New("authority is not active")
	ErrPassphraseRequired = storage.ErrPassphraseRequired
)

// OpError carries the authority and serial an operation failed on.
type OpError struct {
	Op        string
	Authority string
	Serial    uint64
	Err       error
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.Authority != "" {
		msg += " " + e.Authority
	}
	if e.Serial != 0 {
		msg += " serial " + strconv.FormatUint(e.Serial, 10)
	}
	return msg + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op, authority string, serial uint64, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) && oe.Op == op {
		return err
	}
	return &OpError{Op: op, Authority: authority, Serial: serial, Err: err}
}

var kinds = []struct {
	err  error
	name string
}{
	{ErrUnknownProfile, "UnknownProfileError"},
	{ErrInvalidSAN, "InvalidSANError"},
	{ErrInvalidCSR, "InvalidCSRError"},
	{ErrInvalidCommonName, "InvalidRequestError"},
	{ErrInvalidID, "InvalidRequestError"},
	{ErrInvalidStatus, "InvalidRequestError"},
	{ErrInvalidReason, "InvalidRequestError"},
	{ErrAlreadyRevoked, "AlreadyRevokedError"},
	{ErrMissingRoot, "MissingRootError"},
	{ErrAuthorityExists, "AuthorityExistsError"},
	{ErrInactiveAuthority, "InactiveAuthorityError"},
	{ErrLockContention, "LockContentionError"},
	{ErrLedgerIO, "LedgerIOError"},
	{ErrNotFound, "NotFoundError"},
	{ErrPassphraseRequired, "PassphraseRequiredError"},
}

// Kind names the error kind of err for user-facing output. Errors outside
// the known set are reported as "InternalError".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "InternalError"
}

// Benign reports whether err should not count as a failure for automation.
func Benign(err error) bool {
	return errors.Is(err, ErrAlreadyRevoked)
}

func notFound(what string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(what, args...), ErrNotFound)
}
