package focus

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/confmesh/focus/internal/v1/bridge"
	"github.com/confmesh/focus/internal/v1/colibri"
	"github.com/confmesh/focus/internal/v1/logging"
	"github.com/confmesh/focus/internal/v1/source"
	"github.com/confmesh/focus/internal/v1/xmpp"
)

// octoEndpointID is the endpoint id the bridge uses for the inter-bridge
// relay channels of a conference.
const octoEndpointID = "octo"

// octoParticipant is the pseudo-participant representing the relay channels
// on one bridge session. It carries the sources owned by participants on
// OTHER bridges, so this bridge can route their media in.
type octoParticipant struct {
	mu       sync.Mutex
	sources  *source.Map
	groups   []source.Group
	relays   []string
	channels *colibri.ChannelsInfo
	// Updates queue in sources/relays until the relay channels exist.
	established bool
}

func newOctoParticipant() *octoParticipant {
	return &octoParticipant{sources: source.NewMap()}
}

// BridgeSession binds one conference to one bridge: the COLIBRI conference
// on that bridge, the participants placed there, and the relay channels when
// the conference spans several bridges.
//
// Mutations run under the conference's bridgesMu; the session's own mutex
// only guards the participant list and octo state for concurrent readers.
type BridgeSession struct {
	conference *Conference
	bridge     bridge.Bridge
	colibri    colibri.Conference

	mu           sync.Mutex
	participants []*Participant
	octo         *octoParticipant

	failed atomic.Bool
}

func newBridgeSession(c *Conference, b bridge.Bridge) *BridgeSession {
	cc := c.services.Colibri.NewConference(b.JID)
	cc.SetGID(c.GID())
	cc.SetName(c.RoomName())
	return &BridgeSession{conference: c, bridge: b, colibri: cc}
}

// Bridge returns the bridge descriptor.
func (bs *BridgeSession) Bridge() bridge.Bridge { return bs.bridge }

// MarkFailed flags the session after a bridge failure. Expire stanzas are
// skipped for failed sessions; the bridge is gone.
func (bs *BridgeSession) MarkFailed() { bs.failed.Store(true) }

// HasFailed reports whether the session's bridge failed.
func (bs *BridgeSession) HasFailed() bool { return bs.failed.Load() }

// AddParticipant places a participant on this session.
func (bs *BridgeSession) AddParticipant(p *Participant) {
	bs.mu.Lock()
	bs.participants = append(bs.participants, p)
	bs.mu.Unlock()
	p.setBridgeSession(bs)
}

// Participants returns a snapshot of the placed participants.
func (bs *BridgeSession) Participants() []*Participant {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return append([]*Participant(nil), bs.participants...)
}

// ParticipantCount returns the number of placed participants.
func (bs *BridgeSession) ParticipantCount() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return len(bs.participants)
}

// Terminate removes a participant from the session and expires its channels
// on the bridge, unless the bridge already failed. The expire round-trip is
// fired asynchronously; nothing waits on it.
func (bs *BridgeSession) Terminate(p *Participant) bool {
	bs.mu.Lock()
	found := false
	for i, q := range bs.participants {
		if q == p {
			bs.participants = append(bs.participants[:i], bs.participants[i+1:]...)
			found = true
			break
		}
	}
	bs.mu.Unlock()
	if !found {
		return false
	}
	p.setBridgeSession(nil)
	ci := p.Channels()
	p.SetChannels(nil)
	if ci != nil && !bs.HasFailed() {
		go func() {
			if err := bs.colibri.ExpireChannels(context.Background(), ci); err != nil {
				logging.Warn(context.Background(), "Failed to expire channels",
					zap.String("bridge", bs.bridge.JID.String()),
					zap.String("endpoint", ci.Endpoint),
					zap.Error(err))
			}
		}()
	}
	return true
}

// TerminateAll removes every participant and returns them, for re-invite.
func (bs *BridgeSession) TerminateAll() []*Participant {
	removed := bs.Participants()
	for _, p := range removed {
		bs.Terminate(p)
	}
	return removed
}

// Dispose tears the COLIBRI conference down. A live bridge gets an expire
// round-trip; a failed one only gets local cleanup.
func (bs *BridgeSession) Dispose() {
	if bs.HasFailed() {
		bs.colibri.Dispose()
		return
	}
	go func() {
		if err := bs.colibri.ExpireConference(context.Background()); err != nil {
			logging.Warn(context.Background(), "Failed to expire conference",
				zap.String("bridge", bs.bridge.JID.String()),
				zap.Error(err))
		}
	}()
}

// UpdateParticipantChannels pushes the participant's accumulated transport
// and owned sources to the bridge. Blocking; callers run it off the lock
// paths.
func (bs *BridgeSession) UpdateParticipantChannels(ctx context.Context, p *Participant) error {
	ci := p.Channels()
	if ci == nil {
		return nil
	}
	sources := bs.conference.sources.OwnedSources(p.Address())
	groups := bs.conference.sources.OwnedGroups(p.Address())
	return bs.colibri.UpdateChannels(ctx, colibri.UpdateRequest{
		ChannelsInfo:    ci,
		Sources:         sources,
		Groups:          groups,
		BundleTransport: p.Transport(),
		EndpointID:      string(p.EndpointID()),
	})
}

// ensureOctoLocked returns the octo pseudo-participant, creating it and
// scheduling relay channel allocation on first use. Caller holds the
// conference's bridgesMu.
func (bs *BridgeSession) ensureOctoLocked() *octoParticipant {
	bs.mu.Lock()
	o := bs.octo
	start := false
	if o == nil {
		o = newOctoParticipant()
		bs.octo = o
		start = true
	}
	bs.mu.Unlock()
	if start {
		alloc := newOctoAllocator(bs.conference, bs)
		go alloc.Run(context.Background())
	}
	return o
}

// AddOctoSources feeds sources owned by participants on other bridges into
// this session's relay channels.
func (bs *BridgeSession) AddOctoSources(sources []source.Source, groups []source.Group) {
	o := bs.ensureOctoLocked()
	o.mu.Lock()
	for _, s := range sources {
		o.sources.Add(s)
	}
	o.groups = append(o.groups, groups...)
	ready := o.established
	o.mu.Unlock()
	if ready {
		bs.pushOctoState()
	}
}

// RemoveOctoSources drops sources from the relay channels after their owner
// left or withdrew them.
func (bs *BridgeSession) RemoveOctoSources(sources []source.Source, groups []source.Group) {
	bs.mu.Lock()
	o := bs.octo
	bs.mu.Unlock()
	if o == nil {
		return
	}
	o.mu.Lock()
	for _, s := range sources {
		o.sources.Remove(s)
	}
	for _, g := range groups {
		for i, existing := range o.groups {
			if existing.Equal(g) {
				o.groups = append(o.groups[:i], o.groups[i+1:]...)
				break
			}
		}
	}
	ready := o.established
	o.mu.Unlock()
	if ready {
		bs.pushOctoState()
	}
}

// SetRelays installs the relay list for this session, excluding its own
// relay id. Empty means the conference fits on one bridge again. Caller
// holds the conference's bridgesMu.
func (bs *BridgeSession) SetRelays(all []string) {
	var remote []string
	for _, r := range all {
		if r != bs.bridge.RelayID {
			remote = append(remote, r)
		}
	}
	if len(remote) == 0 {
		bs.mu.Lock()
		o := bs.octo
		bs.mu.Unlock()
		if o == nil {
			return
		}
		o.mu.Lock()
		o.relays = nil
		o.mu.Unlock()
		return
	}
	o := bs.ensureOctoLocked()
	o.mu.Lock()
	o.relays = remote
	ready := o.established
	o.mu.Unlock()
	if ready {
		bs.pushOctoState()
	}
}

// octoChannelsReady installs the allocated relay channels and flushes the
// queued state to the bridge.
func (bs *BridgeSession) octoChannelsReady(ci *colibri.ChannelsInfo) {
	bs.mu.Lock()
	o := bs.octo
	bs.mu.Unlock()
	if o == nil {
		return
	}
	o.mu.Lock()
	o.channels = ci
	o.established = true
	o.mu.Unlock()
	bs.pushOctoState()
}

// pushOctoState sends the full relay state (sources, groups, relays) to the
// bridge. Full-state pushes are idempotent, so racing updates converge.
func (bs *BridgeSession) pushOctoState() {
	bs.mu.Lock()
	o := bs.octo
	bs.mu.Unlock()
	if o == nil {
		return
	}
	o.mu.Lock()
	if !o.established || o.channels == nil {
		o.mu.Unlock()
		return
	}
	req := colibri.UpdateRequest{
		ChannelsInfo: o.channels,
		Sources:      o.sources.All(),
		Groups:       append([]source.Group(nil), o.groups...),
		EndpointID:   octoEndpointID,
		Relays:       append([]string(nil), o.relays...),
	}
	o.mu.Unlock()
	go func() {
		if err := bs.colibri.UpdateChannels(context.Background(), req); err != nil {
			logging.Warn(context.Background(), "Failed to update relay channels",
				zap.String("bridge", bs.bridge.JID.String()),
				zap.Error(err))
		}
	}()
}

// relayContents builds the offer contents for relay channel allocation:
// audio and video channels carrying the conference's remote sources.
func (bs *BridgeSession) relayContents() []xmpp.Content {
	return []xmpp.Content{
		{Name: "audio", Description: &xmpp.RTPDescription{Media: source.MediaTypeAudio}},
		{Name: "video", Description: &xmpp.RTPDescription{Media: source.MediaTypeVideo}},
	}
}
