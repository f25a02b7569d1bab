// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runners

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// memguardInitOnce ensures memguard interrupt handling is installed once.
var memguardInitOnce sync.Once

// ErrNoToken is returned when a TokenProvider holds no credential.
var ErrNoToken = errors.New("no worker token configured")

// TokenProvider seals the worker bearer token in encrypted, mlocked memory
// so a misbehaving runner or heap dump never sees it at rest. The token is
// decrypted only for the duration of each request.
type TokenProvider struct {
	enclave *memguard.Enclave
}

// NewTokenProvider seals a bearer token. An empty token yields a provider
// whose Use always returns ErrNoToken, which callers treat as "auth
// disabled".
func NewTokenProvider(token string) *TokenProvider {
	memguardInitOnce.Do(memguard.CatchInterrupt)
	if token == "" {
		return &TokenProvider{}
	}
	// NewEnclave wipes the source buffer.
	return &TokenProvider{enclave: memguard.NewEnclave([]byte(token))}
}

// Configured reports whether a token was sealed.
func (p *TokenProvider) Configured() bool {
	return p != nil && p.enclave != nil
}

// Use decrypts the token, invokes fn with it, and wipes the plaintext
// before returning. The token must not escape fn.
func (p *TokenProvider) Use(fn func(token string) error) error {
	if !p.Configured() {
		return ErrNoToken
	}
	buf, err := p.enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()
	return fn(buf.String())
}

// PurgeSecrets wipes all memguard-managed memory. Called during graceful
// shutdown.
func PurgeSecrets() {
	memguard.Purge()
}
