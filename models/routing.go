package models

// RoutingTable maps a lowercase predicted label to the name of the child model
// that refines it. A label with no entry is terminal.
type RoutingTable map[string]string

// NewRoutingTable builds a table with normalized keys and values.
func NewRoutingTable(routes map[string]string) RoutingTable {
	t := make(RoutingTable, len(routes))
	for label, model := range routes {
		t[NormalizeName(label)] = NormalizeName(model)
	}
	return t
}

// Lookup returns the child model for label. Matching is an exact match on the
// lowercased, trimmed label.
func (t RoutingTable) Lookup(label string) (string, bool) {
	child, ok := t[NormalizeName(label)]
	return child, ok
}
