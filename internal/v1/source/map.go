package source

// Map is a media-type scoped collection of sources. It is not safe for
// concurrent use; owners (Model, the Octo pseudo-participant) guard it with
// their own locks.
type Map struct {
	byMedia map[MediaType][]Source
}

// NewMap returns an empty source map.
func NewMap() *Map {
	return &Map{byMedia: make(map[MediaType][]Source)}
}

// Add appends a source to its media-type bucket. It does not validate;
// validation happens in Model.TryAdd before anything reaches a Map.
func (m *Map) Add(s Source) {
	m.byMedia[s.MediaType] = append(m.byMedia[s.MediaType], s)
}

// Remove deletes the source with the same SSRC and media type, returning the
// removed source and whether it was present.
func (m *Map) Remove(s Source) (Source, bool) {
	bucket := m.byMedia[s.MediaType]
	for i, existing := range bucket {
		if existing.SSRC == s.SSRC {
			m.byMedia[s.MediaType] = append(bucket[:i], bucket[i+1:]...)
			return existing, true
		}
	}
	return Source{}, false
}

// Find returns the stored source with the given SSRC on any media type.
func (m *Map) Find(ssrc SSRC) (Source, bool) {
	for _, bucket := range m.byMedia {
		for _, s := range bucket {
			if s.SSRC == ssrc {
				return s, true
			}
		}
	}
	return Source{}, false
}

// Sources returns a deep copy of the bucket for the given media type.
func (m *Map) Sources(mt MediaType) []Source {
	bucket := m.byMedia[mt]
	out := make([]Source, 0, len(bucket))
	for _, s := range bucket {
		out = append(out, s.Copy())
	}
	return out
}

// All returns a deep copy of every stored source.
func (m *Map) All() []Source {
	var out []Source
	for _, mt := range []MediaType{MediaTypeAudio, MediaTypeVideo, MediaTypeApplication} {
		out = append(out, m.Sources(mt)...)
	}
	return out
}

// Count returns the number of sources stored for the given media type.
func (m *Map) Count(mt MediaType) int {
	return len(m.byMedia[mt])
}

// Size returns the total number of stored sources.
func (m *Map) Size() int {
	n := 0
	for _, bucket := range m.byMedia {
		n += len(bucket)
	}
	return n
}

// IsEmpty reports whether the map holds no sources.
func (m *Map) IsEmpty() bool {
	return m.Size() == 0
}

// Copy returns a deep copy of the whole map.
func (m *Map) Copy() *Map {
	out := NewMap()
	for mt, bucket := range m.byMedia {
		copied := make([]Source, 0, len(bucket))
		for _, s := range bucket {
			copied = append(copied, s.Copy())
		}
		out.byMedia[mt] = copied
	}
	return out
}
