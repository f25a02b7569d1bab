// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that are used in
// database keys, file paths, or URLs. Using these validators prevents injection
// attacks (key-prefix collisions, command injection, path traversal).
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxIdentifierLength bounds job IDs, template names, and other user-chosen
// identifiers. Badger keys embed these identifiers, so unbounded names would
// produce unbounded keys.
const MaxIdentifierLength = 128

// identifierPattern matches valid pipeline identifiers.
// Allows: letters, digits, underscores, hyphens. No dots or slashes, which
// would collide with key separators and file paths.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateIdentifier validates a user-chosen identifier (job ID, template
// name) before it is embedded into a storage key or a filesystem path.
//
// Valid identifiers:
//   - 1-128 characters
//   - Letters a-z, A-Z
//   - Digits 0-9
//   - Underscores (_) and hyphens (-)
//
// Returns an error if the identifier is invalid.
//
// Example:
//
//	if err := validation.ValidateIdentifier(name); err != nil {
//	    return fmt.Errorf("invalid template name: %w", err)
//	}
//	// Safe to use as a storage key component
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("identifier too long: %d characters (max %d)", len(id), MaxIdentifierLength)
	}

	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("invalid identifier: %q (allowed: letters, digits, underscores, hyphens)", id)
	}

	return nil
}

// ValidateIdentifiers validates multiple identifiers.
// Returns an error listing all invalid identifiers if any fail validation.
func ValidateIdentifiers(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateIdentifier(id); err != nil {
			invalid = append(invalid, id)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid identifiers: %v", invalid)
	}
	return nil
}

// SanitizeIdentifier trims whitespace and validates an identifier.
// Returns the trimmed identifier if valid, or an error if invalid.
//
// Use this at API boundaries where the input comes straight from a request:
//
//	name, err := validation.SanitizeIdentifier(userInput)
//	if err != nil {
//	    return err
//	}
func SanitizeIdentifier(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateIdentifier(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}

// RegisterValidations installs the identifier check as the "identifier"
// binding tag on a validator engine, so request structs can declare
// `binding:"identifier"` on fields that end up in storage keys.
func RegisterValidations(v *validator.Validate) error {
	return v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return ValidateIdentifier(fl.Field().String()) == nil
	})
}
