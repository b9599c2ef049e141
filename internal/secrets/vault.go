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
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Vault is the process-wide credential store the template resolver reads
// through for `credential.<name>` references. It sits on top of a
// Resolver's backend chain: each credential is stored as a JSON object
// (username/password/gateway_url/... fields) under the key
// "credential/<name>", and read back into a map so template expressions
// can address subfields like `credential.gw.username`.
//
// Reads are lock-free after initial load: Vault stores its resolved
// records in an atomic.Value holding an immutable map, and Reload swaps
// in a freshly built map rather than mutating the existing one
// (copy-on-write), so mutations never block readers.
type Vault struct {
	resolver *Resolver
	names    []string

	records atomic.Value // map[string]map[string]interface{}
	mu      sync.Mutex   // serializes Reload/Set against each other
}

// NewVault creates a Vault over resolver, loading the credentials named by
// names immediately. A credential absent from every backend is simply
// omitted from the vault rather than failing construction — a playbook
// referencing it fails at resolve time with a ReferenceError.
func NewVault(resolver *Resolver, names []string) (*Vault, error) {
	v := &Vault{resolver: resolver, names: append([]string{}, names...)}
	v.records.Store(map[string]map[string]interface{}{})
	if err := v.Reload(context.Background()); err != nil {
		return nil, err
	}
	return v, nil
}

// Get returns the named credential's full record, or false if unknown.
// Implements engine.CredentialSource.
func (v *Vault) Get(name string) (map[string]interface{}, bool) {
	m := v.records.Load().(map[string]map[string]interface{})
	rec, ok := m[name]
	return rec, ok
}

// Reload re-resolves every known credential name from the backend chain
// and atomically swaps in the new set. Concurrent readers never observe a
// partially-built map.
func (v *Vault) Reload(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	next := make(map[string]map[string]interface{}, len(v.names))
	for _, name := range v.names {
		raw, err := v.resolver.Get(ctx, credentialKey(name))
		if err != nil {
			continue
		}
		rec, err := decodeCredential(raw)
		if err != nil {
			continue
		}
		next[name] = rec
	}
	v.records.Store(next)
	return nil
}

// Set stores a credential record (marshaled to JSON) in the first writable
// backend and updates the in-memory cache without requiring a full Reload.
func (v *Vault) Set(ctx context.Context, name string, record map[string]interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := v.resolver.Set(ctx, credentialKey(name), string(data), ""); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	cur := v.records.Load().(map[string]map[string]interface{})
	next := make(map[string]map[string]interface{}, len(cur)+1)
	for k, val := range cur {
		next[k] = val
	}
	next[name] = record
	found := false
	for _, n := range v.names {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		v.names = append(v.names, name)
	}
	v.records.Store(next)
	return nil
}

// Names returns the credential names this vault tracks.
func (v *Vault) Names() []string {
	return append([]string{}, v.names...)
}

func credentialKey(name string) string {
	return "credential/" + name
}

// decodeCredential parses a stored credential. A JSON object is decoded
// field-by-field; a bare scalar value is wrapped as {"value": raw} so
// single-field credentials (a bare API token, say) are still addressable
// via a conventional subfield.
func decodeCredential(raw string) (map[string]interface{}, error) {
	var rec map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &rec); err == nil {
		return rec, nil
	}
	return map[string]interface{}{"value": raw}, nil
}
