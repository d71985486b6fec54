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

package storage

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/youmark/pkcs8"
)

const (
	pemRSAPrivateKey       = "RSA PRIVATE KEY"
	pemPrivateKey          = "PRIVATE KEY"
	pemEncryptedPrivateKey = "ENCRYPTED PRIVATE KEY"
)

var (
	ErrPassphraseRequired = errors.New("private key is encrypted; a passphrase is required")
	ErrInvalidKey         = errors.New("failed to parse private key")
)

// EncodeKey renders key as PEM. With a passphrase the key is written as an
// encrypted PKCS#8 block; otherwise as PKCS#1.
func EncodeKey(key *rsa.PrivateKey, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return pem.EncodeToMemory(&pem.Block{Type: pemRSAPrivateKey, Bytes: x509.MarshalPKCS1PrivateKey(key)}), nil
	}
	der, err := pkcs8.MarshalPrivateKey(key, passphrase, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemEncryptedPrivateKey, Bytes: der}), nil
}

// DecodeKey accepts PKCS#1, PKCS#8 and encrypted PKCS#8 RSA keys.
func DecodeKey(data, passphrase []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}

	switch block.Type {
	case pemEncryptedPrivateKey:
		if len(passphrase) == 0 {
			return nil, ErrPassphraseRequired
		}
		key, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes, passphrase)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		return key, nil
	case pemRSAPrivateKey, pemPrivateKey:
		if k1, err1 := x509.ParsePKCS1PrivateKey(block.Bytes); err1 == nil {
			return k1, nil
		} else if k8, err8 := x509.ParsePKCS8PrivateKey(block.Bytes); err8 == nil {
			key, ok := k8.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
			}
			return key, nil
		} else {
			return nil, fmt.Errorf("%w (PKCS1: %v; PKCS8: %v)", ErrInvalidKey, err1, err8)
		}
	}
	return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidKey, block.Type)
}
