package orchestrator

import (
	"errors"
	"strings"

	"github.com/voxline/voxline/pkg/adapters/stt"
)

// ProviderEntry binds a sanitized provider id to a streaming recognizer.
// Entries are immutable after registry construction.
type ProviderEntry struct {
	ID     string
	Name   string
	Client stt.StreamingRecognizer
}

// ProviderInfo is the client-facing view of a registered provider.
type ProviderInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Registry maps sanitized provider ids to speech-recognition backends.
// Built once at startup; read concurrently by every session, never
// mutated afterward.
type Registry struct {
	entries map[string]ProviderEntry
	order   []string
	def     string
}

var ErrNoProviders = errors.New("no streaming stt providers configured")

// NewRegistry builds a registry from the given entries. Entries whose id
// sanitizes to empty and duplicate ids are skipped (first one wins). An
// empty registry is a startup error.
func NewRegistry(entries []ProviderEntry) (*Registry, error) {
	r := &Registry{entries: make(map[string]ProviderEntry)}
	for _, e := range entries {
		id := SanitizeProviderID(e.ID)
		if id == "" || e.Client == nil {
			continue
		}
		if _, exists := r.entries[id]; exists {
			continue
		}
		if e.Name == "" {
			e.Name = id
		}
		e.ID = id
		r.entries[id] = e
		r.order = append(r.order, id)
	}
	if len(r.entries) == 0 {
		return nil, ErrNoProviders
	}
	r.def = determineDefault(r.entries, r.order)
	return r, nil
}

// Resolve sanitizes a requested id and maps it to a registered provider.
// A blank request resolves to the default; an unknown id resolves to
// ok=false and the caller must surface STT_PROVIDER_UNAVAILABLE.
func (r *Registry) Resolve(requested string) (string, bool) {
	id := SanitizeProviderID(requested)
	if id == "" {
		return r.def, true
	}
	if _, ok := r.entries[id]; ok {
		return id, true
	}
	return "", false
}

// Default returns the default provider id.
func (r *Registry) Default() string { return r.def }

// WithDefault overrides the default provider. Unknown ids are ignored.
// Meant for construction time, before the registry is shared.
func (r *Registry) WithDefault(id string) *Registry {
	sid := SanitizeProviderID(id)
	if _, ok := r.entries[sid]; ok {
		r.def = sid
	}
	return r
}

// Client returns the recognizer registered under id, or nil.
func (r *Registry) Client(id string) stt.StreamingRecognizer {
	if e, ok := r.entries[id]; ok {
		return e.Client
	}
	return nil
}

// DisplayName returns the human label for id, falling back to the id.
func (r *Registry) DisplayName(id string) string {
	if e, ok := r.entries[id]; ok {
		return e.Name
	}
	return id
}

// Providers lists registered providers in registration order.
func (r *Registry) Providers() []ProviderInfo {
	out := make([]ProviderInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, ProviderInfo{ID: id, Name: r.entries[id].Name})
	}
	return out
}

// SanitizeProviderID lowercases the raw id and strips every rune outside
// [a-z0-9_-].
func SanitizeProviderID(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	for _, ch := range raw {
		if ch == '_' || ch == '-' || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

func determineDefault(entries map[string]ProviderEntry, order []string) string {
	if _, ok := entries["sherpa"]; ok {
		return "sherpa"
	}
	return order[0]
}
