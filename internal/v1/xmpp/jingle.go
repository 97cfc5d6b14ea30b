package xmpp

import (
	"context"

	"github.com/confmesh/focus/internal/v1/source"
	"mellium.im/xmpp/jid"
)

// Reason is a Jingle session-terminate reason.
type Reason string

const (
	ReasonSuccess           Reason = "success"
	ReasonExpired           Reason = "expired"
	ReasonGone              Reason = "gone"
	ReasonConnectivityError Reason = "connectivity-error"
	ReasonFailedApplication Reason = "failed-application"
	ReasonDecline           Reason = "decline"
)

// Candidate is one ICE candidate of a transport. Identity for merging is
// the (foundation, component, IP, port) tuple.
type Candidate struct {
	Foundation string
	Component  int
	Protocol   string
	IP         string
	Port       int
	Priority   uint32
	Type       string
	RelAddr    string
	RelPort    int
}

// Key returns the merge identity of the candidate.
type candidateKey struct {
	Foundation string
	Component  int
	IP         string
	Port       int
}

func (c Candidate) key() candidateKey {
	return candidateKey{Foundation: c.Foundation, Component: c.Component, IP: c.IP, Port: c.Port}
}

// Same reports whether two candidates share the merge identity.
func (c Candidate) Same(other Candidate) bool {
	return c.key() == other.key()
}

// Fingerprint is a DTLS fingerprint.
type Fingerprint struct {
	Hash  string
	Value string
	Setup string
}

// IceUdpTransport is an ice-udp transport element with its candidates.
type IceUdpTransport struct {
	Ufrag       string
	Password    string
	Fingerprint Fingerprint
	RTCPMux     bool
	Candidates  []Candidate
}

// Copy returns a deep copy of the transport.
func (t *IceUdpTransport) Copy() *IceUdpTransport {
	if t == nil {
		return nil
	}
	out := *t
	out.Candidates = append([]Candidate(nil), t.Candidates...)
	return &out
}

// MergeCandidates adds any candidates from other that are not already
// present, compared by (foundation, component, IP, port). It returns the
// number of candidates added.
func (t *IceUdpTransport) MergeCandidates(other *IceUdpTransport) int {
	if other == nil {
		return 0
	}
	known := make(map[candidateKey]struct{}, len(t.Candidates))
	for _, c := range t.Candidates {
		known[c.key()] = struct{}{}
	}
	added := 0
	for _, c := range other.Candidates {
		if _, ok := known[c.key()]; ok {
			continue
		}
		t.Candidates = append(t.Candidates, c)
		known[c.key()] = struct{}{}
		added++
	}
	return added
}

// RTPDescription is the RTP side of a content: the advertised sources and
// groups for one media type.
type RTPDescription struct {
	Media   source.MediaType
	Sources []source.Source
	Groups  []source.Group
}

// Content is one Jingle content element. Description is nil for data
// channels; Transport is set on bundled contents only for the first content.
type Content struct {
	Name        string
	Description *RTPDescription
	Transport   *IceUdpTransport
}

// FirstIceTransport returns the first ice-udp transport found in the given
// contents, or nil.
func FirstIceTransport(contents []Content) *IceUdpTransport {
	for _, c := range contents {
		if c.Transport != nil {
			return c.Transport
		}
	}
	return nil
}

// StartMutedFlags is carried in the session-initiate so late joiners arrive
// pre-muted per the room policy.
type StartMutedFlags struct {
	Audio bool
	Video bool
}

// Session is an established (or establishing) Jingle session with one peer.
type Session interface {
	SID() string
	Peer() jid.JID
}

// Offer is everything the channel needs to start or restart a session.
// LipSync asks the client to keep audio and video of one peer in sync; it is
// only set for clients that advertise support.
type Offer struct {
	Contents   []Content
	StartMuted StartMutedFlags
	LipSync    bool
}

// Channel sends Jingle IQs to peers. Sends are one-way from the caller's
// perspective: acknowledgements are handled by the transport layer and
// surfaced as errors only when delivery fails outright.
type Channel interface {
	// InitiateSession offers a new session to the peer. It returns the
	// session handle on acceptance of delivery (not of the session itself;
	// the peer answers with session-accept later).
	InitiateSession(ctx context.Context, peer jid.JID, offer Offer) (Session, error)
	// ReplaceTransport re-offers a live session on a new transport
	// (bridge migration).
	ReplaceTransport(ctx context.Context, s Session, offer Offer) error
	TerminateSession(ctx context.Context, s Session, reason Reason, message string) error
	SendSourceAdd(ctx context.Context, s Session, sources []source.Source, groups []source.Group) error
	SendSourceRemove(ctx context.Context, s Session, sources []source.Source, groups []source.Group) error
}

// SessionListener receives Jingle upcalls from peers. The error returned by
// the source-carrying callbacks maps to a bad-request at the wire.
type SessionListener interface {
	OnSessionAccept(s Session, answer []Content) error
	OnTransportInfo(s Session, contents []Content)
	OnTransportAccept(s Session, contents []Content)
	OnTransportReject(s Session)
	OnSourceAdd(s Session, sources []source.Source, groups []source.Group) error
	OnSourceRemove(s Session, sources []source.Source, groups []source.Group) error
	OnSessionTerminate(s Session, reason Reason)
}
