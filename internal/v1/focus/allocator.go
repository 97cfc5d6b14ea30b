package focus

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/confmesh/focus/internal/v1/colibri"
	"github.com/confmesh/focus/internal/v1/logging"
	"github.com/confmesh/focus/internal/v1/source"
	"github.com/confmesh/focus/internal/v1/xmpp"
)

// ChannelAllocator runs one channel-allocation attempt for one participant
// (or the relay pseudo-participant) on one bridge session. It is single use:
// Run executes once, and Cancel flips a one-shot flag the allocator checks
// at every suspension point. Channels allocated after cancellation are
// expired, never handed out.
type ChannelAllocator struct {
	conference    *Conference
	bridgeSession *BridgeSession

	// participant is nil for relay (Octo) allocation.
	participant *Participant
	reInvite    bool
	startMuted  xmpp.StartMutedFlags

	cancelled atomic.Bool
}

func newChannelAllocator(c *Conference, bs *BridgeSession, p *Participant, reInvite bool, startMuted xmpp.StartMutedFlags) *ChannelAllocator {
	return &ChannelAllocator{
		conference:    c,
		bridgeSession: bs,
		participant:   p,
		reInvite:      reInvite,
		startMuted:    startMuted,
	}
}

func newOctoAllocator(c *Conference, bs *BridgeSession) *ChannelAllocator {
	return &ChannelAllocator{conference: c, bridgeSession: bs}
}

// Cancel requests that the allocation be abandoned. Safe to call at any
// point, from any goroutine; the flag never resets.
func (a *ChannelAllocator) Cancel() { a.cancelled.Store(true) }

// IsCancelled reports the cancel flag.
func (a *ChannelAllocator) IsCancelled() bool { return a.cancelled.Load() }

// Run performs the allocation. Runs on its own goroutine; holds no
// conference locks across the COLIBRI round-trips.
func (a *ChannelAllocator) Run(ctx context.Context) {
	if a.IsCancelled() {
		return
	}

	endpointID := octoEndpointID
	contents := a.bridgeSession.relayContents()
	if a.participant != nil {
		endpointID = string(a.participant.EndpointID())
		contents = a.offerContents()
	}

	timer := a.conference.clock.Now()
	info, bridgeTransport, err := a.bridgeSession.colibri.CreateChannels(ctx, endpointID, contents)
	elapsed := a.conference.clock.Now().Sub(timer)
	if err != nil {
		channelAllocationSeconds.WithLabelValues("error").Observe(elapsed.Seconds())
		if a.IsCancelled() {
			return
		}
		a.conference.onChannelAllocationFailed(a, err)
		return
	}
	channelAllocationSeconds.WithLabelValues("ok").Observe(elapsed.Seconds())

	if a.IsCancelled() {
		a.expire(ctx, info)
		return
	}

	if a.participant == nil {
		a.bridgeSession.octoChannelsReady(info)
		return
	}

	a.participant.SetChannels(info)

	offer := a.buildOffer(info, bridgeTransport)
	if a.IsCancelled() {
		a.participant.SetChannels(nil)
		a.expire(ctx, info)
		return
	}

	if err := a.sendOffer(ctx, offer); err != nil {
		logging.Warn(ctx, "Failed to send Jingle offer",
			zap.String("endpoint", string(a.participant.EndpointID())),
			zap.Bool("re_invite", a.reInvite),
			zap.Error(err))
		a.participant.SetChannels(nil)
		a.expire(ctx, info)
	}
}

// offerContents builds the COLIBRI content list from the participant's
// advertised capabilities.
func (a *ChannelAllocator) offerContents() []xmpp.Content {
	var contents []xmpp.Content
	feats := a.participant.Features()
	if feats.Has(xmpp.FeatureAudio) {
		contents = append(contents, xmpp.Content{
			Name:        "audio",
			Description: &xmpp.RTPDescription{Media: source.MediaTypeAudio},
		})
	}
	if feats.Has(xmpp.FeatureVideo) {
		contents = append(contents, xmpp.Content{
			Name:        "video",
			Description: &xmpp.RTPDescription{Media: source.MediaTypeVideo},
		})
	}
	if feats.Has(xmpp.FeatureSCTP) {
		contents = append(contents, xmpp.Content{Name: "data"})
	}
	return contents
}

// buildOffer assembles the Jingle offer: the bridge-allocated sources plus
// every other participant's sources with owner tags, the bundle transport,
// and the start-muted flags.
func (a *ChannelAllocator) buildOffer(info *colibri.ChannelsInfo, bridgeTransport *xmpp.IceUdpTransport) xmpp.Offer {
	others, otherGroups := a.conference.sources.AllExcept(a.participant.Address())

	byMedia := make(map[source.MediaType][]source.Source)
	for _, s := range info.BridgeSources {
		byMedia[s.MediaType] = append(byMedia[s.MediaType], s)
	}
	for _, s := range others {
		byMedia[s.MediaType] = append(byMedia[s.MediaType], s)
	}
	groupsByMedia := make(map[source.MediaType][]source.Group)
	for _, g := range otherGroups {
		groupsByMedia[g.MediaType] = append(groupsByMedia[g.MediaType], g)
	}

	contents := a.offerContents()
	for i := range contents {
		if contents[i].Description == nil {
			continue
		}
		mt := contents[i].Description.Media
		contents[i].Description.Sources = byMedia[mt]
		contents[i].Description.Groups = groupsByMedia[mt]
	}
	if len(contents) > 0 {
		contents[0].Transport = bridgeTransport.Copy()
	}
	return xmpp.Offer{
		Contents:   contents,
		StartMuted: a.startMuted,
		LipSync:    a.conference.cfg.LipSyncEnabled && a.participant.Features().Has(xmpp.FeatureLipSync),
	}
}

// sendOffer delivers the offer: transport-replace when re-inviting a
// participant with a live session, session-initiate otherwise.
func (a *ChannelAllocator) sendOffer(ctx context.Context, offer xmpp.Offer) error {
	p := a.participant
	if a.reInvite {
		if s := p.Session(); s != nil {
			return a.conference.services.Jingle.ReplaceTransport(ctx, s, offer)
		}
		// Session died between failover and now; fall through to a fresh
		// initiate.
	}
	s, err := a.conference.services.Jingle.InitiateSession(ctx, p.Address(), offer)
	if err != nil {
		return err
	}
	p.SetSession(s)
	return nil
}

// expire releases channels that were allocated but will never be used.
func (a *ChannelAllocator) expire(ctx context.Context, info *colibri.ChannelsInfo) {
	if a.bridgeSession.HasFailed() {
		return
	}
	if err := a.bridgeSession.colibri.ExpireChannels(ctx, info); err != nil {
		logging.Warn(ctx, "Failed to expire cancelled channels",
			zap.String("bridge", a.bridgeSession.bridge.JID.String()),
			zap.Error(err))
	}
}
