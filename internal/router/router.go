// Package router resolves a chat-completion model id to a provider
// descriptor. It is pure, synchronous, and stateless — a sorted prefix
// registry evaluated in a deterministic order.
package router

import "sort"

// Descriptor is an immutable provider record: the secret-store path holding
// its API key and the base URL its upstream chat-completions endpoint lives
// at. Two ship by default — openai and anthropic — but the registry is open
// for extension via New.
type Descriptor struct {
	ProviderID string
	SecretPath string
	BaseURL    string
}

// entry pairs a match prefix with the descriptor it resolves to.
type entry struct {
	prefix string
	desc   Descriptor
}

// Router holds an ordered registry of (prefix, descriptor) pairs.
type Router struct {
	entries []entry
}

// Default returns a Router pre-loaded with the two shipped descriptors:
// openai (prefix "gpt-" and "o1-") and anthropic (prefix "claude-").
func Default() *Router {
	return New(
		Registration{Prefix: "gpt-", Desc: Descriptor{ProviderID: "openai", SecretPath: "secret/infrastructure/openai", BaseURL: "https://api.openai.com/v1"}},
		Registration{Prefix: "o1-", Desc: Descriptor{ProviderID: "openai", SecretPath: "secret/infrastructure/openai", BaseURL: "https://api.openai.com/v1"}},
		Registration{Prefix: "claude-", Desc: Descriptor{ProviderID: "anthropic", SecretPath: "secret/infrastructure/anthropic", BaseURL: "https://api.anthropic.com/v1"}},
	)
}

// Registration is one (prefix, descriptor) pair supplied to New.
type Registration struct {
	Prefix string
	Desc   Descriptor
}

// New builds a Router from an explicit set of registrations, sorted so that
// longer prefixes are matched before shorter ones, and ties broken
// lexicographically. This guarantees a hypothetical catch-all prefix never
// shadows a more specific one regardless of registration order.
func New(regs ...Registration) *Router {
	entries := make([]entry, 0, len(regs))
	for _, r := range regs {
		entries = append(entries, entry{prefix: r.Prefix, desc: r.Desc})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if len(entries[i].prefix) != len(entries[j].prefix) {
			return len(entries[i].prefix) > len(entries[j].prefix)
		}
		return entries[i].prefix < entries[j].prefix
	})
	return &Router{entries: entries}
}

// Resolve returns the descriptor for the first prefix that matches model, or
// ok=false if no registered prefix matches.
func (r *Router) Resolve(model string) (Descriptor, bool) {
	for _, e := range r.entries {
		if hasPrefix(model, e.prefix) {
			return e.desc, true
		}
	}
	return Descriptor{}, false
}

func hasPrefix(s, prefix string) bool {
	if len(prefix) > len(s) {
		return false
	}
	return s[:len(prefix)] == prefix
}
