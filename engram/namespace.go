package engram

import "strings"

// Default namespaces (spec §3). compartment-<id> namespaces are dynamic and
// are not listed here; IsCompartmentNamespace recognizes them structurally.
const (
	NamespaceConversations = "conversations"
	NamespaceThinking      = "thinking"
	NamespaceLongterm      = "longterm"
	NamespaceProjects      = "projects"
	NamespaceSession       = "session"
	NamespaceCompartments  = "compartments"
)

// compartmentPrefix namespaces dynamic compartment-backed namespaces.
const compartmentPrefix = "compartment-"

// DefaultNamespaces lists the statically known namespaces every client
// starts with.
func DefaultNamespaces() []string {
	return []string{
		NamespaceConversations,
		NamespaceThinking,
		NamespaceLongterm,
		NamespaceProjects,
		NamespaceSession,
		NamespaceCompartments,
	}
}

// IsCompartmentNamespace reports whether ns has the compartment-<id> shape.
func IsCompartmentNamespace(ns string) bool {
	return strings.HasPrefix(ns, compartmentPrefix) && len(ns) > len(compartmentPrefix)
}

// CompartmentNamespace builds the dynamic namespace name for a compartment id.
func CompartmentNamespace(compartmentID string) string {
	return compartmentPrefix + compartmentID
}

// CompartmentID extracts the compartment id from a compartment-<id>
// namespace name. ok is false if ns is not a compartment namespace.
func CompartmentID(ns string) (id string, ok bool) {
	if !IsCompartmentNamespace(ns) {
		return "", false
	}
	return strings.TrimPrefix(ns, compartmentPrefix), true
}

// IsKnownNamespace reports whether ns is one of the default namespaces or a
// well-formed compartment namespace. The caller (MemoryService) still has to
// check whether the compartment id is registered and active.
func IsKnownNamespace(ns string) bool {
	if IsCompartmentNamespace(ns) {
		return true
	}
	for _, n := range DefaultNamespaces() {
		if n == ns {
			return true
		}
	}
	return false
}

// SearchMode reports whether a search result was ranked by embedding
// similarity or by lexical overlap (spec §4.4).
type SearchMode string

const (
	ModeVector  SearchMode = "vector"
	ModeLexical SearchMode = "lexical"
)
