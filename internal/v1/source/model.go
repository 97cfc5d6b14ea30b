package source

import (
	"fmt"
	"sync"

	"mellium.im/xmpp/jid"
)

// ValidationError describes why a source mutation was refused. The signalling
// boundary maps it to a bad-request wire error; the model guarantees that no
// state changed when one is returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid sources: " + e.Reason
}

func invalidf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ownerState is the per-participant slice of the conference model.
type ownerState struct {
	sources *Map
	groups  []Group
}

// Model is the conference-wide source registry. It tracks which participant
// owns which SSRC and enforces the conference invariants:
//
//   - SSRC 0 is never accepted.
//   - An SSRC is owned by at most one participant, across all media types.
//   - A participant never exceeds maxSourcesPerUser sources per media type.
//   - Every SSRC referenced by a group is present among the owner's sources.
//   - Simulcast groups carry at least two SSRCs.
//
// TryAdd is atomic: if any source or group in a request fails validation the
// whole request is rejected and the model is unchanged.
//
// All methods are safe for concurrent use. Returned slices are deep copies,
// so in-flight notifications never observe torn state.
type Model struct {
	mu         sync.RWMutex
	maxPerUser int
	owners     map[string]*ownerState
	ssrcOwner  map[SSRC]string
}

// NewModel creates an empty model. maxSourcesPerUser caps the per-participant
// per-media-type source count; zero or negative disables the cap.
func NewModel(maxSourcesPerUser int) *Model {
	return &Model{
		maxPerUser: maxSourcesPerUser,
		owners:     make(map[string]*ownerState),
		ssrcOwner:  make(map[SSRC]string),
	}
}

func (m *Model) ownerFor(key string) *ownerState {
	st, ok := m.owners[key]
	if !ok {
		st = &ownerState{sources: NewMap()}
		m.owners[key] = st
	}
	return st
}

// TryAdd validates and stores the given sources and groups for owner.
// Every accepted source is stamped with the owner address. On success it
// returns deep copies of what was added; on failure it returns a
// *ValidationError and leaves the model untouched.
func (m *Model) TryAdd(owner jid.JID, sources []Source, groups []Group) ([]Source, []Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := owner.String()
	seen := make(map[SSRC]MediaType, len(sources))

	for _, s := range sources {
		if s.SSRC == 0 {
			return nil, nil, invalidf("SSRC 0 is not allowed")
		}
		if _, dup := seen[s.SSRC]; dup {
			return nil, nil, invalidf("SSRC %d declared twice in one request", s.SSRC)
		}
		if ownerKey, taken := m.ssrcOwner[s.SSRC]; taken {
			return nil, nil, invalidf("SSRC %d already owned by %s", s.SSRC, ownerKey)
		}
		seen[s.SSRC] = s.MediaType
	}

	// Per media-type cap, counting what this request would add.
	if m.maxPerUser > 0 {
		st := m.owners[key]
		added := make(map[MediaType]int)
		for _, s := range sources {
			added[s.MediaType]++
		}
		for mt, n := range added {
			existing := 0
			if st != nil {
				existing = st.sources.Count(mt)
			}
			if existing+n > m.maxPerUser {
				return nil, nil, invalidf("%s source count %d exceeds limit %d", mt, existing+n, m.maxPerUser)
			}
		}
	}

	// Group membership is checked against the union of the owner's current
	// sources and the sources arriving in this same request.
	hasSSRC := func(ssrc SSRC) bool {
		if _, ok := seen[ssrc]; ok {
			return true
		}
		if st, ok := m.owners[key]; ok {
			if _, found := st.sources.Find(ssrc); found {
				return true
			}
		}
		return false
	}
	for _, g := range groups {
		if len(g.SSRCs) == 0 {
			return nil, nil, invalidf("empty %s group", g.Semantics)
		}
		if g.Semantics == SemanticsSim && len(g.SSRCs) < 2 {
			return nil, nil, invalidf("simulcast group with fewer than two SSRCs")
		}
		for _, ssrc := range g.SSRCs {
			if !hasSSRC(ssrc) {
				return nil, nil, invalidf("%s group references SSRC %d not owned by %s", g.Semantics, ssrc, key)
			}
		}
	}

	// Validation passed; commit.
	st := m.ownerFor(key)
	addedSources := make([]Source, 0, len(sources))
	for _, s := range sources {
		stored := s.Copy()
		stored.Owner = owner
		st.sources.Add(stored)
		m.ssrcOwner[stored.SSRC] = key
		addedSources = append(addedSources, stored.Copy())
	}
	addedGroups := make([]Group, 0, len(groups))
	for _, g := range groups {
		st.groups = append(st.groups, g.Copy())
		addedGroups = append(addedGroups, g.Copy())
	}
	return addedSources, addedGroups, nil
}

// Remove deletes the intersection of the request with the owner's current
// state and returns what was actually removed. Sources the owner does not
// hold are ignored, which stops a participant from removing someone else's
// sources by claiming their SSRCs.
func (m *Model) Remove(owner jid.JID, sources []Source, groups []Group) ([]Source, []Group) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.owners[owner.String()]
	if !ok {
		return nil, nil
	}

	var removedSources []Source
	for _, s := range sources {
		if removed, found := st.sources.Remove(s); found {
			delete(m.ssrcOwner, removed.SSRC)
			removedSources = append(removedSources, removed.Copy())
		}
	}

	var removedGroups []Group
	for _, g := range groups {
		for i, existing := range st.groups {
			if existing.Equal(g) {
				st.groups = append(st.groups[:i], st.groups[i+1:]...)
				removedGroups = append(removedGroups, existing.Copy())
				break
			}
		}
	}

	if st.sources.IsEmpty() && len(st.groups) == 0 {
		delete(m.owners, owner.String())
	}
	return removedSources, removedGroups
}

// RemoveOwner drops everything the owner holds, returning the removed
// sources and groups. Used when a participant leaves the conference.
func (m *Model) RemoveOwner(owner jid.JID) ([]Source, []Group) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := owner.String()
	st, ok := m.owners[key]
	if !ok {
		return nil, nil
	}
	removedSources := st.sources.All()
	for _, s := range removedSources {
		delete(m.ssrcOwner, s.SSRC)
	}
	removedGroups := make([]Group, 0, len(st.groups))
	for _, g := range st.groups {
		removedGroups = append(removedGroups, g.Copy())
	}
	delete(m.owners, key)
	return removedSources, removedGroups
}

// OwnedSources returns a deep copy of the owner's sources across all media
// types.
func (m *Model) OwnedSources(owner jid.JID) []Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.owners[owner.String()]
	if !ok {
		return nil
	}
	return st.sources.All()
}

// OwnedGroups returns a copy of the owner's groups.
func (m *Model) OwnedGroups(owner jid.JID) []Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.owners[owner.String()]
	if !ok {
		return nil
	}
	out := make([]Group, 0, len(st.groups))
	for _, g := range st.groups {
		out = append(out, g.Copy())
	}
	return out
}

// OwnsSSRC reports whether the given owner currently holds the SSRC.
func (m *Model) OwnsSSRC(owner jid.JID, ssrc SSRC) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.ssrcOwner[ssrc]
	return ok && key == owner.String()
}

// CountFor returns the owner's source count on one media type.
func (m *Model) CountFor(owner jid.JID, mt MediaType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.owners[owner.String()]
	if !ok {
		return 0
	}
	return st.sources.Count(mt)
}

// AllExcept returns deep copies of every source and group in the conference
// except those held by skip. Pass the zero JID to get everything. Sources
// carry their owner tags so offers can attribute them to the right endpoint.
func (m *Model) AllExcept(skip jid.JID) ([]Source, []Group) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	skipKey := skip.String()
	var sources []Source
	var groups []Group
	for key, st := range m.owners {
		if key == skipKey && skipKey != "" {
			continue
		}
		sources = append(sources, st.sources.All()...)
		for _, g := range st.groups {
			groups = append(groups, g.Copy())
		}
	}
	return sources, groups
}

// Size returns the total number of sources in the conference.
func (m *Model) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, st := range m.owners {
		n += st.sources.Size()
	}
	return n
}
