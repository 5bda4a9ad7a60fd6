package catalog

import "strings"

// DefaultSeparator joins a backend namespace and a native identifier.
// Namespaces never contain it, so the first occurrence always splits.
const DefaultSeparator = "."

// Namespace generates the client-facing identifiers for backend capabilities.
// Implementations must be deterministic and reversible with Split.
type Namespace interface {
	Name(namespace, native string) string
	URI(namespace, native string) string
	Split(external string) (namespace, native string, ok bool)
}

// PrefixNamespace prefixes every identifier with the backend namespace. Tool
// and prompt names become "ns.name"; resource URIs become "ns.<uri>", which
// keeps them parseable because the scheme turns into "ns.scheme".
type PrefixNamespace struct {
	Separator string
}

func (p PrefixNamespace) separator() string {
	if p.Separator == "" {
		return DefaultSeparator
	}
	return p.Separator
}

// Name returns "namespace<sep>native".
func (p PrefixNamespace) Name(namespace, native string) string {
	return namespace + p.separator() + native
}

// URI prefixes a resource URI or URI template the same way as Name.
func (p PrefixNamespace) URI(namespace, native string) string {
	return namespace + p.separator() + native
}

// Split cuts external at the first separator. It reports false when either
// side would be empty.
func (p PrefixNamespace) Split(external string) (string, string, bool) {
	ns, native, ok := strings.Cut(external, p.separator())
	if !ok || ns == "" || native == "" {
		return "", "", false
	}
	return ns, native, true
}
