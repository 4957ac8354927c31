// Package registry holds the two override sets consulted by the credit
// path: standing identity exemptions and one-shot per-transfer overrides.
package registry

import (
	"encoding/hex"
	"fmt"
	"sync"
)

// GUID is the 32-byte identifier the transport assigns to a single
// in-flight transfer.
type GUID [32]byte

// ParseGUID decodes a 64-character hex string into a GUID.
func ParseGUID(s string) (GUID, error) {
	var g GUID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return GUID{}, fmt.Errorf("invalid transfer guid: %w", err)
	}
	if len(raw) != len(g) {
		return GUID{}, fmt.Errorf("invalid transfer guid: got %d bytes, want %d", len(raw), len(g))
	}
	copy(g[:], raw)
	return g, nil
}

func (g GUID) String() string {
	return hex.EncodeToString(g[:])
}

// LengthMismatchError reports parallel input slices of different lengths.
type LengthMismatchError struct {
	A int
	B int
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("input length mismatch: %d vs %d", e.A, e.B)
}

// ExemptionUpdate upserts one identity's exemption flag.
type ExemptionUpdate struct {
	Identity string `json:"identity"`
	Exempt   bool   `json:"exempt"`
}

// OverrideUpdate upserts one transfer GUID's override flag.
type OverrideUpdate struct {
	GUID        GUID `json:"-"`
	CanOverride bool `json:"can_override"`
}

// Registry is the in-memory override store. Writes are admin-gated by the
// caller; reads are taken on every transfer and must not block behind
// writers for long, hence the RWMutex.
type Registry struct {
	mu         sync.RWMutex
	exemptions map[string]bool
	overrides  map[GUID]bool
}

func New() *Registry {
	return &Registry{
		exemptions: make(map[string]bool),
		overrides:  make(map[GUID]bool),
	}
}

// SetExemptions applies idempotent per-entry upserts. Setting Exempt=false
// removes the entry; applying the same update twice is a no-op. Returns the
// entries whose effective state changed, for event emission.
func (r *Registry) SetExemptions(updates []ExemptionUpdate) []ExemptionUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := make([]ExemptionUpdate, 0, len(updates))
	for _, u := range updates {
		if r.exemptions[u.Identity] == u.Exempt {
			continue
		}
		if u.Exempt {
			r.exemptions[u.Identity] = true
		} else {
			delete(r.exemptions, u.Identity)
		}
		changed = append(changed, u)
	}
	return changed
}

// SetOverrides applies idempotent per-entry upserts keyed by transfer GUID.
func (r *Registry) SetOverrides(updates []OverrideUpdate) []OverrideUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := make([]OverrideUpdate, 0, len(updates))
	for _, u := range updates {
		if r.overrides[u.GUID] == u.CanOverride {
			continue
		}
		if u.CanOverride {
			r.overrides[u.GUID] = true
		} else {
			delete(r.overrides, u.GUID)
		}
		changed = append(changed, u)
	}
	return changed
}

// IsExempt reports whether the identity bypasses rate accounting.
func (r *Registry) IsExempt(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exemptions[identity]
}

// CanOverride reports whether the specific transfer bypasses rate accounting.
func (r *Registry) CanOverride(guid GUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.overrides[guid]
}

// RevokeOverride removes a transfer override after it has been exercised.
func (r *Registry) RevokeOverride(guid GUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, guid)
}

// Exemptions returns the identities currently exempt.
func (r *Registry) Exemptions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.exemptions))
	for identity := range r.exemptions {
		out = append(out, identity)
	}
	return out
}

// Overrides returns the transfer GUIDs currently overridable.
func (r *Registry) Overrides() []GUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]GUID, 0, len(r.overrides))
	for guid := range r.overrides {
		out = append(out, guid)
	}
	return out
}

// ZipExemptions pairs parallel identity/flag slices into updates. This is
// the one place the parallel-array input shape is accepted; everything past
// it works with per-entry tuples.
func ZipExemptions(identities []string, flags []bool) ([]ExemptionUpdate, error) {
	if len(identities) != len(flags) {
		return nil, &LengthMismatchError{A: len(identities), B: len(flags)}
	}
	updates := make([]ExemptionUpdate, len(identities))
	for i := range identities {
		updates[i] = ExemptionUpdate{Identity: identities[i], Exempt: flags[i]}
	}
	return updates, nil
}

// ZipOverrides pairs parallel guid/flag slices into updates.
func ZipOverrides(guids []GUID, flags []bool) ([]OverrideUpdate, error) {
	if len(guids) != len(flags) {
		return nil, &LengthMismatchError{A: len(guids), B: len(flags)}
	}
	updates := make([]OverrideUpdate, len(guids))
	for i := range guids {
		updates[i] = OverrideUpdate{GUID: guids[i], CanOverride: flags[i]}
	}
	return updates, nil
}
