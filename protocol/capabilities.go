package protocol

import "sort"

// Capability names an opt-in protocol feature negotiated at handshake.
type Capability string

const (
	// CapabilityAsync allows tool calls in mode "async" and the jobs/* methods.
	CapabilityAsync Capability = "async"
	// CapabilityStream allows the server to push progress notifications.
	CapabilityStream Capability = "stream"
	// CapabilitySearch enables the tools/search method.
	CapabilitySearch Capability = "search"
	// CapabilityRegistry marks clients that sync catalogs from a registry.
	CapabilityRegistry Capability = "registry"
)

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// CapabilitySetFromStrings builds a set from wire-form capability names.
func CapabilitySetFromStrings(names []string) CapabilitySet {
	s := make(CapabilitySet, len(names))
	for _, n := range names {
		s[Capability(n)] = struct{}{}
	}
	return s
}

// Contains reports whether c is in the set.
func (s CapabilitySet) Contains(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Intersect returns the set of capabilities present in both s and o.
func (s CapabilitySet) Intersect(o CapabilitySet) CapabilitySet {
	out := make(CapabilitySet)
	for c := range s {
		if o.Contains(c) {
			out[c] = struct{}{}
		}
	}
	return out
}

// Sorted returns the capabilities in lexical order. Wire encodings use this
// so that responses are deterministic.
func (s CapabilitySet) Sorted() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy of the set.
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}
