// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package secrets

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSecretNotFound is returned when a credential name has no value in
	// a given backend.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrBackendUnavailable is returned when a backend cannot be used in the
	// current environment (e.g. the OS keychain service is unreachable).
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrReadOnlyBackend is returned when attempting to modify a read-only
	// backend. The env backend is always read-only: a playbook resolves
	// `credential.<name>` but this system never writes secrets back to the
	// process environment.
	ErrReadOnlyBackend = errors.New("backend is read-only")
)

// SecretBackend is one source the credential Resolver checks for a
// `credential.<name>` value. Each of env/keychain/file implements this
// independently; the Resolver queries them in Priority order and returns
// the first hit.
type SecretBackend interface {
	// Name returns the backend identifier ("env", "keychain", "file").
	Name() string

	// Get retrieves a credential record by name. Returns ErrSecretNotFound
	// if this backend has nothing under that name.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a credential value. Returns ErrReadOnlyBackend if this
	// backend doesn't support writes (true of the env backend).
	Set(ctx context.Context, key string, value string) error

	// Delete removes a credential value. Returns ErrSecretNotFound if not
	// present, or ErrReadOnlyBackend if this backend doesn't support writes.
	Delete(ctx context.Context, key string) error

	// List returns every credential name (never a value) this backend
	// currently holds.
	List(ctx context.Context) ([]string, error)

	// Available reports whether this backend is usable in the current
	// environment (e.g. keychain returns false with no keyring service).
	Available() bool

	// Priority is the resolution order (higher checked first). env=100,
	// keychain=50, file=25 (EnvBackendPriority, KeychainBackendPriority,
	// FileBackendPriority).
	Priority() int
}

// ReadOnlyBackend marks a SecretBackend that never accepts Set/Delete; its
// ReadOnly() always returns true. The env backend is the only one that
// implements it — credentials injected via the process environment are
// read-only by construction.
type ReadOnlyBackend interface {
	SecretBackend
	ReadOnly() bool
}

// SecretMetadata describes one credential name the Resolver found, without
// exposing its value — used for audit/inspection, never for template
// resolution.
type SecretMetadata struct {
	Key          string
	Backend      string
	LastModified *time.Time
	ReadOnly     bool
}
