// Hookrelay is a webhook ingestion and delivery service.
// Copyright (C) 2025 Hookrelay Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package hmacsig implements HMAC-SHA256 signing and verification of
// webhook request bodies. Verification uses a constant-time comparison;
// the expected digest is never logged or returned to callers.
package hmacsig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrMissingSignature indicates no signature value was supplied.
	ErrMissingSignature = errors.New("missing X-Signature header")
	// ErrInvalidSignature indicates the supplied signature does not match.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Generate returns the lowercase hex HMAC-SHA256 digest of body under
// secret. Intended for clients and tests.
func Generate(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate checks a supplied hex signature against the HMAC-SHA256 digest
// of body under secret. Returns ErrMissingSignature when signature is
// empty and ErrInvalidSignature on mismatch or undecodable input.
func Validate(body []byte, signature, secret string) error {
	if signature == "" {
		return ErrMissingSignature
	}

	supplied, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(supplied, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
