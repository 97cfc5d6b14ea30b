// Package source implements the conference-wide media source model.
//
// Every participant in a conference advertises a set of RTP sources (SSRCs)
// and source groups (simulcast layers, RTX pairings). This package holds the
// per-owner bookkeeping for those sources and validates every mutation
// against the conference invariants before any state changes.
package source

import (
	"fmt"
	"sort"

	"mellium.im/xmpp/jid"
)

// MediaType identifies the media axis a source belongs to.
type MediaType string

const (
	MediaTypeAudio       MediaType = "audio"
	MediaTypeVideo       MediaType = "video"
	MediaTypeApplication MediaType = "application"
)

// SSRC is the 32-bit RTP synchronization source identifier.
type SSRC uint32

// Semantics is the semantic tag of a source group.
type Semantics string

const (
	// SemanticsFID pairs a primary SSRC with its retransmission SSRC.
	SemanticsFID Semantics = "FID"
	// SemanticsSim orders the SSRCs of the simulcast layers of one stream.
	SemanticsSim Semantics = "SIM"
	// SemanticsFEC pairs a primary SSRC with its forward-error-correction SSRC.
	SemanticsFEC Semantics = "FEC-FR"
)

// Source describes a single RTP media source. Identity is the
// (owner, SSRC, media type) tuple; Params carries opaque signalling
// parameters such as msid and cname.
//
// A Source is immutable once stored in the model, except for owner tagging
// at ingress (see Model.TryAdd and Participant claiming).
type Source struct {
	Owner     jid.JID
	SSRC      SSRC
	MediaType MediaType
	Params    map[string]string
}

// Copy returns a deep copy of the source, including its parameter map.
func (s Source) Copy() Source {
	out := s
	if s.Params != nil {
		out.Params = make(map[string]string, len(s.Params))
		for k, v := range s.Params {
			out.Params[k] = v
		}
	}
	return out
}

func (s Source) String() string {
	return fmt.Sprintf("%s[%d]@%s", s.MediaType, s.SSRC, s.Owner)
}

// Group is an ordered tuple of SSRCs with a semantic tag. Every SSRC
// referenced by a group must also be present as a Source with the same owner.
type Group struct {
	Semantics Semantics
	MediaType MediaType
	SSRCs     []SSRC
}

// Copy returns a copy of the group with its own SSRC slice.
func (g Group) Copy() Group {
	out := g
	out.SSRCs = append([]SSRC(nil), g.SSRCs...)
	return out
}

// Contains reports whether the group references the given SSRC.
func (g Group) Contains(ssrc SSRC) bool {
	for _, s := range g.SSRCs {
		if s == ssrc {
			return true
		}
	}
	return false
}

// Equal reports whether two groups reference the same SSRCs with the same
// semantics, in the same order.
func (g Group) Equal(other Group) bool {
	if g.Semantics != other.Semantics || g.MediaType != other.MediaType || len(g.SSRCs) != len(other.SSRCs) {
		return false
	}
	for i := range g.SSRCs {
		if g.SSRCs[i] != other.SSRCs[i] {
			return false
		}
	}
	return true
}

func (g Group) String() string {
	return fmt.Sprintf("%s(%s)%v", g.Semantics, g.MediaType, g.SSRCs)
}

// SortSSRCs returns the SSRCs of the given sources in ascending order.
// Used by tests and log lines that need deterministic output.
func SortSSRCs(sources []Source) []SSRC {
	out := make([]SSRC, 0, len(sources))
	for _, s := range sources {
		out = append(out, s.SSRC)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
