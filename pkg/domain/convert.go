package domain

import "github.com/toolgate/core/pkg/readmodel"

// GroupFromDoc rehydrates a Group aggregate from its read-model document
// so projection handlers can replay events onto existing state.
func GroupFromDoc(doc readmodel.GroupDoc) *Group {
	return &Group{
		ID:              doc.ID,
		Name:            doc.Name,
		Selectors:       doc.Selectors,
		ExplicitToolIDs: doc.ExplicitToolIDs,
		ExcludedToolIDs: doc.ExcludedToolIDs,
		Status:          doc.Status,
		Version:         doc.StateVersion,
	}
}

// Doc renders the aggregate as its read-model document.
func (g *Group) Doc() readmodel.GroupDoc {
	return readmodel.GroupDoc{
		ID:              g.ID,
		Name:            g.Name,
		Selectors:       g.Selectors,
		ExplicitToolIDs: g.ExplicitToolIDs,
		ExcludedToolIDs: g.ExcludedToolIDs,
		Status:          g.Status,
		StateVersion:    g.Version,
	}
}

// PolicyFromDoc rehydrates a Policy aggregate from its read-model document.
func PolicyFromDoc(doc readmodel.PolicyDoc) *Policy {
	return &Policy{
		ID:       doc.ID,
		Name:     doc.Name,
		Matchers: doc.Matchers,
		GroupIDs: doc.GroupIDs,
		Priority: doc.Priority,
		Status:   doc.Status,
		Version:  doc.StateVersion,
	}
}

// Doc renders the aggregate as its read-model document.
func (p *Policy) Doc() readmodel.PolicyDoc {
	return readmodel.PolicyDoc{
		ID:           p.ID,
		Name:         p.Name,
		Matchers:     p.Matchers,
		GroupIDs:     p.GroupIDs,
		Priority:     p.Priority,
		Status:       p.Status,
		StateVersion: p.Version,
	}
}
