package focus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/v1/colibri"
	"github.com/confmesh/focus/internal/v1/logging"
	"github.com/confmesh/focus/internal/v1/source"
	"github.com/confmesh/focus/internal/v1/xmpp"
)

// Restart requests are throttled per participant: at least this long between
// accepted requests, and at most restartRequestMax accepted within the
// trailing restartRequestInterval.
const (
	restartRequestMinGap   = 10 * time.Second
	restartRequestInterval = time.Minute
	restartRequestMax      = 3
)

// sourceDelta is one queued signal for a participant that cannot receive
// source-add/source-remove yet because its Jingle session is not established.
type sourceDelta struct {
	sources []source.Source
	groups  []source.Group
}

// Participant is one conference member the focus is signalling with. The
// struct guards its own mutable state; cross-participant invariants are the
// conference's job.
type Participant struct {
	address    jid.JID
	endpointID EndpointID
	clock      clock.PassiveClock

	mu     sync.Mutex
	member xmpp.Member

	session         xmpp.Session
	sessionAccepted bool
	transport       *xmpp.IceUdpTransport

	// Queued while the session is not established, flushed on accept.
	pendingAdd    []sourceDelta
	pendingRemove []sourceDelta

	muted    map[source.MediaType]bool
	channels *colibri.ChannelsInfo

	bridgeSession *BridgeSession
	allocator     *ChannelAllocator

	// Timestamps of accepted restart requests within the trailing window.
	restartRequests []time.Time
}

// NewParticipant wraps a room member. The clock is injectable so the restart
// throttle is testable.
func NewParticipant(m xmpp.Member, clk clock.PassiveClock) *Participant {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Participant{
		address:    m.OccupantJID(),
		endpointID: EndpointID(m.Nick()),
		clock:      clk,
		member:     m,
		muted:      make(map[source.MediaType]bool),
	}
}

// Address returns the occupant JID.
func (p *Participant) Address() jid.JID { return p.address }

// EndpointID returns the bridge endpoint id (the MUC nick).
func (p *Participant) EndpointID() EndpointID { return p.endpointID }

// Member returns the latest room member record.
func (p *Participant) Member() xmpp.Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.member
}

// UpdateMember replaces the member record after a presence update.
func (p *Participant) UpdateMember(m xmpp.Member) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.member = m
}

// JoinOrder returns the 1-indexed MUC join position.
func (p *Participant) JoinOrder() int { return p.Member().JoinOrder() }

// Region returns the participant's region hint.
func (p *Participant) Region() string { return p.Member().Region() }

// Features returns the member's capability set.
func (p *Participant) Features() xmpp.FeatureSet { return p.Member().Features() }

// HasAudio reports whether the participant supports audio.
func (p *Participant) HasAudio() bool { return p.Features().Has(xmpp.FeatureAudio) }

// HasVideo reports whether the participant supports video.
func (p *Participant) HasVideo() bool { return p.Features().Has(xmpp.FeatureVideo) }

// SetSession installs the Jingle session handle. An existing session is
// overwritten with a warning; this happens when a client re-accepts after a
// glitch.
func (p *Participant) SetSession(s xmpp.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil && s != nil && p.session.SID() != s.SID() {
		logging.Warn(context.Background(), "Replacing Jingle session",
			zap.String("endpoint", string(p.endpointID)),
			zap.String("old_sid", p.session.SID()),
			zap.String("new_sid", s.SID()))
	}
	p.session = s
	if s == nil {
		p.sessionAccepted = false
	}
}

// Session returns the current Jingle session, nil if none.
func (p *Participant) Session() xmpp.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// MarkSessionAccepted records that the peer answered with session-accept (or
// transport-accept after a restart).
func (p *Participant) MarkSessionAccepted() {
	p.mu.Lock()
	p.sessionAccepted = true
	p.mu.Unlock()
}

// IsSessionEstablished reports whether the session exists and was accepted.
// Source deltas go through the session only once this is true.
func (p *Participant) IsSessionEstablished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != nil && p.sessionAccepted
}

// AddTransportFromJingle folds the ICE transport carried in the given
// contents into the accumulated transport. Candidates merge by (foundation,
// component, IP, port); rtcp-mux is forced on.
func (p *Participant) AddTransportFromJingle(contents []xmpp.Content) {
	t := xmpp.FirstIceTransport(contents)
	if t == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport == nil {
		p.transport = t.Copy()
	} else {
		if t.Ufrag != "" {
			p.transport.Ufrag = t.Ufrag
			p.transport.Password = t.Password
		}
		if t.Fingerprint.Value != "" {
			p.transport.Fingerprint = t.Fingerprint
		}
		p.transport.MergeCandidates(t)
	}
	p.transport.RTCPMux = true
}

// Transport returns a copy of the accumulated ICE transport, nil if none
// arrived yet.
func (p *Participant) Transport() *xmpp.IceUdpTransport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport.Copy()
}

// ClearTransport drops accumulated ICE state; used when a session restarts
// on a new bridge.
func (p *Participant) ClearTransport() {
	p.mu.Lock()
	p.transport = nil
	p.mu.Unlock()
}

// ClaimSources stamps this participant as the owner of the given sources.
func (p *Participant) ClaimSources(sources []source.Source) []source.Source {
	out := make([]source.Source, 0, len(sources))
	for _, s := range sources {
		s.Owner = p.address
		out = append(out, s)
	}
	return out
}

// ScheduleSourcesToAdd queues a source-add for delivery after the session is
// established.
func (p *Participant) ScheduleSourcesToAdd(sources []source.Source, groups []source.Group) {
	if len(sources) == 0 && len(groups) == 0 {
		return
	}
	p.mu.Lock()
	p.pendingAdd = append(p.pendingAdd, sourceDelta{sources: sources, groups: groups})
	p.mu.Unlock()
}

// ScheduleSourcesToRemove queues a source-remove for delivery after the
// session is established.
func (p *Participant) ScheduleSourcesToRemove(sources []source.Source, groups []source.Group) {
	if len(sources) == 0 && len(groups) == 0 {
		return
	}
	p.mu.Lock()
	p.pendingRemove = append(p.pendingRemove, sourceDelta{sources: sources, groups: groups})
	p.mu.Unlock()
}

// TakePendingDeltas drains both queues, preserving order within each.
func (p *Participant) TakePendingDeltas() (adds, removes []sourceDelta) {
	p.mu.Lock()
	adds, removes = p.pendingAdd, p.pendingRemove
	p.pendingAdd, p.pendingRemove = nil, nil
	p.mu.Unlock()
	return adds, removes
}

// HasPendingDeltas reports whether any deltas are queued.
func (p *Participant) HasPendingDeltas() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pendingAdd) > 0 || len(p.pendingRemove) > 0
}

// SetMuted records the mute flag and flips the channel direction so the
// bridge state and the focus view stay in step.
func (p *Participant) SetMuted(mt source.MediaType, muted bool) {
	p.mu.Lock()
	p.muted[mt] = muted
	ci := p.channels
	p.mu.Unlock()
	if ci == nil {
		return
	}
	if muted {
		ci.SetDirection(mt, colibri.DirectionSendOnly)
	} else {
		ci.SetDirection(mt, colibri.DirectionSendRecv)
	}
}

// IsMuted reports the mute flag for a media type.
func (p *Participant) IsMuted(mt source.MediaType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted[mt]
}

// SetChannels installs the bridge channel record.
func (p *Participant) SetChannels(ci *colibri.ChannelsInfo) {
	p.mu.Lock()
	p.channels = ci
	p.mu.Unlock()
}

// Channels returns the bridge channel record, nil before allocation.
func (p *Participant) Channels() *colibri.ChannelsInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels
}

func (p *Participant) setBridgeSession(bs *BridgeSession) {
	p.mu.Lock()
	p.bridgeSession = bs
	p.mu.Unlock()
}

// CurrentBridgeSession returns the bridge session hosting this participant,
// nil while displaced.
func (p *Participant) CurrentBridgeSession() *BridgeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bridgeSession
}

// ReplaceAllocator installs a new channel allocator and returns the previous
// one, which the caller cancels. Installing before cancelling guarantees the
// participant always has a live allocator during re-invite.
func (p *Participant) ReplaceAllocator(a *ChannelAllocator) *ChannelAllocator {
	p.mu.Lock()
	prev := p.allocator
	p.allocator = a
	p.mu.Unlock()
	return prev
}

// TakeAllocator clears the allocator slot and returns what was there.
func (p *Participant) TakeAllocator() *ChannelAllocator {
	return p.ReplaceAllocator(nil)
}

// Allocator returns the installed allocator, nil when none ran or the last
// one was taken down with the session.
func (p *Participant) Allocator() *ChannelAllocator {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocator
}

// IncrementAndCheckRestartRequests applies the restart throttle. A request
// is accepted when the last accepted one is at least restartRequestMinGap
// old and fewer than restartRequestMax were accepted within the trailing
// restartRequestInterval. Only accepted requests are recorded.
func (p *Participant) IncrementAndCheckRestartRequests() bool {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.restartRequests); n > 0 {
		if now.Sub(p.restartRequests[n-1]) < restartRequestMinGap {
			return false
		}
	}
	kept := p.restartRequests[:0]
	for _, t := range p.restartRequests {
		if now.Sub(t) < restartRequestInterval {
			kept = append(kept, t)
		}
	}
	p.restartRequests = kept
	if len(p.restartRequests) >= restartRequestMax {
		return false
	}
	p.restartRequests = append(p.restartRequests, now)
	return true
}
