package focus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
	"k8s.io/utils/set"
	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/v1/auth"
	"github.com/confmesh/focus/internal/v1/bridge"
	"github.com/confmesh/focus/internal/v1/colibri"
	"github.com/confmesh/focus/internal/v1/config"
	"github.com/confmesh/focus/internal/v1/logging"
	"github.com/confmesh/focus/internal/v1/source"
	"github.com/confmesh/focus/internal/v1/xmpp"
)

// Services bundles the external capabilities a conference needs. The
// registry owns one set and hands it to every conference it creates.
type Services struct {
	Transport    xmpp.Transport
	Rooms        xmpp.RoomProvider
	Jingle       xmpp.Channel
	Colibri      colibri.Factory
	Selector     bridge.Selector
	BridgeEvents *bridge.EventRouter
	// Authority is optional; nil disables authentication-backed ownership.
	Authority auth.Authority
	// Clock defaults to the wall clock when nil.
	Clock    clock.WithTickerAndDelayedExecution
	FocusJID jid.JID
}

func (s Services) clock() clock.WithTickerAndDelayedExecution {
	if s.Clock == nil {
		return clock.RealClock{}
	}
	return s.Clock
}

// Conference drives one MUC room: membership, Jingle sessions, source
// signalling, and channel placement across one or more bridges.
//
// Lock order is participantsMu before bridgesMu. COLIBRI round-trips never
// run under either; they run on allocator goroutines or detached sends.
type Conference struct {
	services Services
	cfg      *config.Config
	clock    clock.WithTickerAndDelayedExecution

	roomJID jid.JID
	gid     uint32
	// meetingID is the globally unique conference identifier advertised to
	// clients, distinct from the bridge-facing GID.
	meetingID string
	onEnded   func(*Conference)
	logCtx    context.Context

	state atomic.Int32

	sources *source.Model

	participantsMu sync.RWMutex
	participants   map[EndpointID]*Participant

	bridgesMu      sync.Mutex
	bridgeSessions []*BridgeSession

	roomMu      sync.RWMutex
	room        xmpp.Room
	roleManager *RoleManager

	startMutedMu sync.Mutex
	startMuted   xmpp.StartMutedPolicy

	// started flips when the member count first reaches the minimum and
	// invites begin. It never resets; late joiners of a started conference
	// are invited immediately.
	started atomic.Bool

	// idleSince is the unix-nano instant the conference last became empty,
	// zero while members are present.
	idleSince atomic.Int64

	bridgeNotAvailWarned atomic.Bool

	singleTimerMu sync.Mutex
	singleTimer   clock.Timer

	unsubMu     sync.Mutex
	unsubBridge func()
	unsubState  func()
}

// NewConference builds a conference for the given room. onEnded fires once,
// after the conference reached the ended state.
func NewConference(services Services, cfg *config.Config, roomJID jid.JID, gid uint32, onEnded func(*Conference)) *Conference {
	c := &Conference{
		services:     services,
		cfg:          cfg,
		clock:        services.clock(),
		roomJID:      roomJID,
		gid:          gid,
		meetingID:    uuid.NewString(),
		onEnded:      onEnded,
		sources:      source.NewModel(cfg.MaxSourcesPerUser),
		participants: make(map[EndpointID]*Participant),
	}
	c.logCtx = context.WithValue(context.Background(), logging.RoomIDKey, roomJID.String())
	return c
}

// RoomJID returns the bare room address.
func (c *Conference) RoomJID() jid.JID { return c.roomJID }

// RoomName returns the room localpart, used as the COLIBRI conference name.
func (c *Conference) RoomName() string { return c.roomJID.Localpart() }

// GID returns the deployment-wide conference id.
func (c *Conference) GID() uint32 { return c.gid }

// MeetingID returns the unique meeting identifier.
func (c *Conference) MeetingID() string { return c.meetingID }

// State returns the lifecycle state.
func (c *Conference) State() State { return State(c.state.Load()) }

func (c *Conference) setState(s State) { c.state.Store(int32(s)) }

// Room returns the joined room, nil before the join completed.
func (c *Conference) Room() xmpp.Room {
	c.roomMu.RLock()
	defer c.roomMu.RUnlock()
	return c.room
}

// Start subscribes to bridge events and joins the room as soon as the
// transport is registered.
func (c *Conference) Start() error {
	if !c.state.CompareAndSwap(int32(StateInit), int32(StateJoining)) {
		return fmt.Errorf("conference %s already started", c.roomJID)
	}
	c.idleSince.Store(c.clock.Now().UnixNano())
	c.unsubMu.Lock()
	c.unsubBridge = c.services.BridgeEvents.Subscribe(c)
	c.unsubMu.Unlock()
	// The listener fires immediately with the current state, so a live
	// transport joins synchronously.
	unsub := c.services.Transport.AddStateListener(func(st xmpp.ConnectionState) {
		if st != xmpp.ConnectionRegistered || c.State() != StateJoining {
			return
		}
		if err := c.joinRoom(context.Background()); err != nil {
			logging.Error(c.logCtx, "Failed to join room", zap.Error(err))
			c.Stop()
		}
	})
	c.unsubMu.Lock()
	c.unsubState = unsub
	c.unsubMu.Unlock()
	return nil
}

func (c *Conference) joinRoom(ctx context.Context) error {
	room, err := c.services.Rooms.GetRoom(c.roomJID)
	if err != nil {
		return err
	}
	rm := newRoleManager(room, c.services.Authority, c.cfg.EnableAutoOwner)
	rm.Start()
	c.roomMu.Lock()
	c.room = room
	c.roleManager = rm
	c.roomMu.Unlock()

	room.SetListener(c)
	if err := room.Join(ctx); err != nil {
		return err
	}
	if c.cfg.UseRoomAsSharedDocName {
		room.AddPresenceExtension(xmpp.PresenceExtension{
			Element:   xmpp.ExtSharedDocument,
			Namespace: xmpp.ExtFocusNamespace,
			Payload:   c.RoomName(),
		})
	}
	c.setState(StateIdle)
	logging.Info(c.logCtx, "Joined room", zap.Uint32("gid", c.gid))
	return nil
}

// Stop tears the conference down: every session terminated, every bridge
// conference expired, the room left. Idempotent.
func (c *Conference) Stop() {
	for {
		st := c.State()
		if st == StateTerminating || st == StateEnded {
			return
		}
		if c.state.CompareAndSwap(int32(st), int32(StateTerminating)) {
			break
		}
	}
	logging.Info(c.logCtx, "Stopping conference")
	c.unsubMu.Lock()
	unsubBridge, unsubState := c.unsubBridge, c.unsubState
	c.unsubBridge, c.unsubState = nil, nil
	c.unsubMu.Unlock()
	if unsubBridge != nil {
		unsubBridge()
	}
	if unsubState != nil {
		unsubState()
	}
	c.withRoleManager(func(rm *RoleManager) { rm.Stop() })
	c.cancelSingleParticipantTimer()

	c.participantsMu.Lock()
	ps := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		ps = append(ps, p)
	}
	c.participants = make(map[EndpointID]*Participant)
	c.participantsMu.Unlock()
	activeParticipants.Sub(float64(len(ps)))

	ctx := context.Background()
	for _, p := range ps {
		if prev := p.TakeAllocator(); prev != nil {
			prev.Cancel()
		}
		if s := p.Session(); s != nil {
			if err := c.services.Jingle.TerminateSession(ctx, s, xmpp.ReasonGone, "conference ended"); err != nil {
				logging.Warn(c.logCtx, "Failed to terminate session",
					zap.String("endpoint", string(p.EndpointID())), zap.Error(err))
			}
			p.SetSession(nil)
		}
	}

	c.bridgesMu.Lock()
	sessions := c.bridgeSessions
	c.bridgeSessions = nil
	c.bridgesMu.Unlock()
	for _, bs := range sessions {
		bs.Dispose()
	}

	if room := c.Room(); room != nil {
		if err := room.Leave(ctx); err != nil {
			logging.Warn(c.logCtx, "Failed to leave room", zap.Error(err))
		}
	}
	c.setState(StateEnded)
	if c.onEnded != nil {
		c.onEnded(c)
	}
}

// ParticipantCount returns the number of tracked participants.
func (c *Conference) ParticipantCount() int {
	c.participantsMu.RLock()
	defer c.participantsMu.RUnlock()
	return len(c.participants)
}

// IdleDuration returns how long the conference has been empty, zero while
// members are present.
func (c *Conference) IdleDuration(now time.Time) time.Duration {
	ts := c.idleSince.Load()
	if ts == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, ts))
}

func (c *Conference) participantsSnapshot() []*Participant {
	c.participantsMu.RLock()
	defer c.participantsMu.RUnlock()
	out := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	return out
}

// FindParticipant resolves a participant by occupant JID.
func (c *Conference) FindParticipant(occupant jid.JID) (*Participant, bool) {
	c.participantsMu.RLock()
	defer c.participantsMu.RUnlock()
	p, ok := c.participants[EndpointID(occupant.Resourcepart())]
	if ok && p.Address().Equal(occupant) {
		return p, true
	}
	return nil, false
}

func (c *Conference) participantByPeer(peer jid.JID) *Participant {
	p, _ := c.FindParticipant(peer)
	return p
}

// --- Room membership -------------------------------------------------------

// MemberJoined tracks a new occupant and invites it once the conference has
// enough members.
func (c *Conference) MemberJoined(m xmpp.Member) {
	if c.State() >= StateTerminating {
		return
	}
	c.maybeUpdateStartMuted(m)

	eid := EndpointID(m.Nick())
	c.participantsMu.Lock()
	if existing, ok := c.participants[eid]; ok {
		existing.UpdateMember(m)
		c.participantsMu.Unlock()
		c.withRoleManager(func(rm *RoleManager) { rm.MemberJoined(c.logCtx, m) })
		return
	}
	p := NewParticipant(m, c.clock)
	c.participants[eid] = p
	count := len(c.participants)
	c.participantsMu.Unlock()
	activeParticipants.Inc()
	c.idleSince.Store(0)
	logging.Info(c.logCtx, "Member joined",
		zap.String("endpoint", string(eid)),
		zap.Int("participants", count))
	if count == 1 {
		c.armSingleParticipantTimer()
	} else {
		c.cancelSingleParticipantTimer()
	}

	if c.started.Load() {
		c.inviteParticipant(p, false)
		// Participants whose session expired while they were alone get a
		// fresh invite now that they have company.
		for _, q := range c.participantsSnapshot() {
			if q != p && q.Session() == nil && q.Allocator() == nil {
				c.inviteParticipant(q, true)
			}
		}
	} else if c.memberCount() >= c.cfg.MinParticipants {
		c.started.Store(true)
		c.setState(StateActive)
		logging.Info(c.logCtx, "Conference starting", zap.Int("participants", count))
		for _, q := range c.participantsSnapshot() {
			c.inviteParticipant(q, false)
		}
	}

	c.withRoleManager(func(rm *RoleManager) { rm.MemberJoined(c.logCtx, m) })
}

// MemberLeft removes the occupant and its signalling state.
func (c *Conference) MemberLeft(m xmpp.Member) {
	c.memberGone(m, xmpp.ReasonGone)
}

// MemberKicked removes an occupant that was forced out of the room.
func (c *Conference) MemberKicked(m xmpp.Member) {
	c.memberGone(m, xmpp.ReasonExpired)
}

func (c *Conference) memberGone(m xmpp.Member, reason xmpp.Reason) {
	if c.State() >= StateTerminating {
		return
	}
	eid := EndpointID(m.Nick())
	c.participantsMu.Lock()
	p, ok := c.participants[eid]
	if ok {
		delete(c.participants, eid)
	}
	count := len(c.participants)
	c.participantsMu.Unlock()

	if ok {
		activeParticipants.Dec()
		logging.Info(c.logCtx, "Member left",
			zap.String("endpoint", string(eid)),
			zap.Int("participants", count))
		c.teardownParticipant(p, true, reason, "")
	}

	switch count {
	case 0:
		c.idleSince.Store(c.clock.Now().UnixNano())
	case 1:
		c.armSingleParticipantTimer()
	}

	c.withRoleManager(func(rm *RoleManager) { rm.MemberLeft(c.logCtx, m) })
}

// LocalRoleChanged forwards the focus's own role updates to the role
// manager.
func (c *Conference) LocalRoleChanged(role xmpp.Role, affiliation xmpp.Affiliation) {
	c.withRoleManager(func(rm *RoleManager) { rm.LocalRoleChanged(c.logCtx, role, affiliation) })
}

func (c *Conference) withRoleManager(f func(*RoleManager)) {
	c.roomMu.RLock()
	rm := c.roleManager
	c.roomMu.RUnlock()
	if rm != nil {
		f(rm)
	}
}

func (c *Conference) memberCount() int {
	if room := c.Room(); room != nil {
		return room.MemberCount()
	}
	return 0
}

func (c *Conference) maybeUpdateStartMuted(m xmpp.Member) {
	pol, ok := m.StartMutedPolicy()
	if !ok || !m.Role().IsModerator() {
		return
	}
	c.startMutedMu.Lock()
	c.startMuted = pol
	c.startMutedMu.Unlock()
}

// hasToStartMuted combines the moderator-announced policy (which applies to
// fresh joins only) with the configured join-order thresholds.
func (c *Conference) hasToStartMuted(p *Participant, justJoined bool) xmpp.StartMutedFlags {
	c.startMutedMu.Lock()
	pol := c.startMuted
	c.startMutedMu.Unlock()
	f := xmpp.StartMutedFlags{Audio: pol.Audio && justJoined, Video: pol.Video && justJoined}
	if !f.Audio && c.cfg.StartAudioMuted >= 0 {
		f.Audio = p.JoinOrder() > c.cfg.StartAudioMuted
	}
	if !f.Video && c.cfg.StartVideoMuted >= 0 {
		f.Video = p.JoinOrder() > c.cfg.StartVideoMuted
	}
	return f
}

// --- Invites and bridge placement ------------------------------------------

// inviteParticipant places the participant on a bridge and starts a channel
// allocator for it. The new allocator is installed before the previous one
// is cancelled, so the participant always has a live allocator mid-reinvite.
func (c *Conference) inviteParticipant(p *Participant, reInvite bool) {
	startMuted := c.hasToStartMuted(p, !reInvite)
	b, ok := c.selectBridge(p)
	if !ok {
		c.onNoBridgeAvailable()
		return
	}

	c.bridgesMu.Lock()
	if cur := p.CurrentBridgeSession(); cur != nil && !cur.Bridge().JID.Equal(b.JID) {
		cur.Terminate(p)
		c.pruneBridgeSessionLocked(cur)
	}
	bs := c.findBridgeSessionLocked(b.JID)
	if bs == nil {
		bs = newBridgeSession(c, b)
		c.bridgeSessions = append(c.bridgeSessions, bs)
		logging.Info(c.logCtx, "Added bridge session",
			zap.String("bridge", b.JID.String()),
			zap.Int("bridge_count", len(c.bridgeSessions)))
		c.updateOctoRelaysLocked()
		c.seedOctoSourcesLocked(bs)
	}
	if p.CurrentBridgeSession() != bs {
		bs.AddParticipant(p)
	}
	c.bridgesMu.Unlock()

	if reInvite {
		participantReinvitesTotal.Inc()
	}
	alloc := newChannelAllocator(c, bs, p, reInvite, startMuted)
	if prev := p.ReplaceAllocator(alloc); prev != nil {
		prev.Cancel()
	}
	go alloc.Run(context.Background())
}

func (c *Conference) selectBridge(p *Participant) (bridge.Bridge, bool) {
	if c.cfg.EnforcedBridge.String() != "" {
		if b, ok := c.services.Selector.GetBridge(c.cfg.EnforcedBridge); ok {
			return b, true
		}
		return bridge.Bridge{JID: c.cfg.EnforcedBridge}, true
	}
	c.bridgesMu.Lock()
	view := bridge.ConferenceView{Bridges: make([]bridge.Bridge, 0, len(c.bridgeSessions))}
	for _, bs := range c.bridgeSessions {
		view.Bridges = append(view.Bridges, bs.Bridge())
	}
	c.bridgesMu.Unlock()
	return c.services.Selector.SelectBridge(view, p.Region())
}

func (c *Conference) findBridgeSessionLocked(j jid.JID) *BridgeSession {
	for _, bs := range c.bridgeSessions {
		if bs.Bridge().JID.Equal(j) {
			return bs
		}
	}
	return nil
}

// pruneBridgeSessionLocked drops a session that lost its last participant
// and expires its conference on the bridge.
func (c *Conference) pruneBridgeSessionLocked(bs *BridgeSession) {
	if bs.ParticipantCount() > 0 {
		return
	}
	for i, existing := range c.bridgeSessions {
		if existing == bs {
			c.bridgeSessions = append(c.bridgeSessions[:i], c.bridgeSessions[i+1:]...)
			c.updateOctoRelaysLocked()
			bs.Dispose()
			return
		}
	}
}

// updateOctoRelaysLocked recomputes the relay list and pushes it to every
// session. A single-bridge conference carries no relays.
func (c *Conference) updateOctoRelaysLocked() {
	relays := set.New[string]()
	for _, bs := range c.bridgeSessions {
		if id := bs.Bridge().RelayID; id != "" {
			relays.Insert(id)
		}
	}
	var all []string
	if len(c.bridgeSessions) > 1 {
		all = relays.SortedList()
	}
	for _, bs := range c.bridgeSessions {
		bs.SetRelays(all)
	}
}

// seedOctoSourcesLocked feeds a freshly added session the sources of every
// participant placed on the other bridges.
func (c *Conference) seedOctoSourcesLocked(bs *BridgeSession) {
	if len(c.bridgeSessions) < 2 {
		return
	}
	var srcs []source.Source
	var groups []source.Group
	for _, other := range c.bridgeSessions {
		if other == bs {
			continue
		}
		for _, q := range other.Participants() {
			srcs = append(srcs, c.sources.OwnedSources(q.Address())...)
			groups = append(groups, c.sources.OwnedGroups(q.Address())...)
		}
	}
	if len(srcs) > 0 || len(groups) > 0 {
		bs.AddOctoSources(srcs, groups)
	}
}

func (c *Conference) onNoBridgeAvailable() {
	logging.Error(c.logCtx, "No operational bridge available")
	if !c.bridgeNotAvailWarned.CompareAndSwap(false, true) {
		return
	}
	if room := c.Room(); room != nil {
		room.AddPresenceExtension(xmpp.PresenceExtension{
			Element:   xmpp.ExtBridgeNotAvailable,
			Namespace: xmpp.ExtFocusNamespace,
		})
	}
}

// --- Bridge events ---------------------------------------------------------

// OnBridgeUp clears the bridge-not-available notice and restarts the
// conference when it lost all its bridges.
func (c *Conference) OnBridgeUp(j jid.JID) {
	if c.State() >= StateTerminating {
		return
	}
	if c.bridgeNotAvailWarned.CompareAndSwap(true, false) {
		if room := c.Room(); room != nil {
			room.RemovePresenceExtension(xmpp.ExtBridgeNotAvailable, xmpp.ExtFocusNamespace)
		}
	}
	c.bridgesMu.Lock()
	n := len(c.bridgeSessions)
	c.bridgesMu.Unlock()
	if n > 0 || !c.started.Load() {
		return
	}
	ps := c.participantsSnapshot()
	if len(ps) == 0 {
		return
	}
	logging.Info(c.logCtx, "Bridge available again, restarting conference",
		zap.String("bridge", j.String()),
		zap.Int("participants", len(ps)))
	for _, p := range ps {
		c.inviteParticipant(p, true)
	}
}

// OnBridgeDown fails over every participant placed on the lost bridge.
func (c *Conference) OnBridgeDown(j jid.JID) {
	if c.State() >= StateTerminating {
		return
	}
	c.bridgesMu.Lock()
	bs := c.findBridgeSessionLocked(j)
	if bs == nil {
		c.bridgesMu.Unlock()
		return
	}
	bs.MarkFailed()
	for i, existing := range c.bridgeSessions {
		if existing == bs {
			c.bridgeSessions = append(c.bridgeSessions[:i], c.bridgeSessions[i+1:]...)
			break
		}
	}
	displaced := bs.TerminateAll()
	c.updateOctoRelaysLocked()
	c.bridgesMu.Unlock()

	bridgeFailuresTotal.Inc()
	bs.Dispose()
	logging.Warn(c.logCtx, "Bridge session lost, re-inviting participants",
		zap.String("bridge", j.String()),
		zap.Int("displaced", len(displaced)))

	// Cancellation of the old allocators is observable before any
	// re-invite begins.
	for _, p := range displaced {
		if prev := p.TakeAllocator(); prev != nil {
			prev.Cancel()
		}
	}
	for _, p := range displaced {
		p.ClearTransport()
		c.inviteParticipant(p, true)
	}
}

// onChannelAllocationFailed reports the bridge unhealthy and routes the
// failure through the bridge-down path, which displaces and re-invites
// everyone on that session.
func (c *Conference) onChannelAllocationFailed(a *ChannelAllocator, err error) {
	b := a.bridgeSession.Bridge()
	logging.Error(c.logCtx, "Channel allocation failed",
		zap.String("bridge", b.JID.String()),
		zap.Error(err))
	c.services.Selector.UpdateOperationalStatus(b.JID, false)
	c.OnBridgeDown(b.JID)
}

// --- Jingle upcalls --------------------------------------------------------

// OnSessionAccept stores the answer: the peer's sources and transport. The
// returned error maps to a bad-request on the wire and means nothing was
// accepted.
func (c *Conference) OnSessionAccept(s xmpp.Session, answer []xmpp.Content) error {
	p := c.participantByPeer(s.Peer())
	if p == nil {
		logging.Warn(c.logCtx, "session-accept from unknown peer",
			zap.String("peer", logging.RedactJID(s.Peer().String())))
		return nil
	}
	p.SetSession(s)

	sources, groups := collectSources(answer)
	added, addedGroups, err := c.addParticipantSources(p, sources, groups)
	if err != nil {
		return err
	}

	p.AddTransportFromJingle(answer)
	p.MarkSessionAccepted()

	c.pushChannelUpdate(p)
	c.propagateSourceAdd(p, added, addedGroups)
	c.flushPendingDeltas(p)
	return nil
}

// OnSourceAdd validates and registers new sources from an established
// session and fans them out.
func (c *Conference) OnSourceAdd(s xmpp.Session, sources []source.Source, groups []source.Group) error {
	p := c.participantByPeer(s.Peer())
	if p == nil {
		return nil
	}
	added, addedGroups, err := c.addParticipantSources(p, sources, groups)
	if err != nil {
		return err
	}
	if len(added) == 0 && len(addedGroups) == 0 {
		return nil
	}
	c.pushChannelUpdate(p)
	c.propagateSourceAdd(p, added, addedGroups)
	return nil
}

// OnSourceRemove withdraws sources. Only the intersection with what the
// peer actually owns is removed.
func (c *Conference) OnSourceRemove(s xmpp.Session, sources []source.Source, groups []source.Group) error {
	p := c.participantByPeer(s.Peer())
	if p == nil {
		return nil
	}
	removed, removedGroups := c.sources.Remove(p.Address(), p.ClaimSources(sources), groups)
	if len(removed) == 0 && len(removedGroups) == 0 {
		logging.Warn(c.logCtx, "source-remove matched nothing",
			zap.String("endpoint", string(p.EndpointID())))
		return nil
	}
	c.pushChannelUpdate(p)
	c.propagateSourceRemove(p, removed, removedGroups)
	return nil
}

// OnTransportInfo folds trickled ICE candidates into the participant's
// transport and forwards the result to the bridge.
func (c *Conference) OnTransportInfo(s xmpp.Session, contents []xmpp.Content) {
	p := c.participantByPeer(s.Peer())
	if p == nil {
		return
	}
	p.AddTransportFromJingle(contents)
	c.pushTransportUpdate(p)
}

// OnTransportAccept handles the answer to a transport-replace after a
// bridge migration.
func (c *Conference) OnTransportAccept(s xmpp.Session, contents []xmpp.Content) {
	p := c.participantByPeer(s.Peer())
	if p == nil {
		return
	}
	p.AddTransportFromJingle(contents)
	p.MarkSessionAccepted()
	c.pushTransportUpdate(p)
	c.flushPendingDeltas(p)
}

// OnTransportReject is logged and otherwise ignored; the client keeps its
// old transport and will re-request if it cannot recover.
func (c *Conference) OnTransportReject(s xmpp.Session) {
	logging.Warn(c.logCtx, "transport-replace rejected",
		zap.String("peer", logging.RedactJID(s.Peer().String())))
}

// OnSessionTerminate drops the session's signalling state. A terminate with
// reason connectivity-error counts as an ICE restart request, which is
// throttled per participant.
func (c *Conference) OnSessionTerminate(s xmpp.Session, reason xmpp.Reason) {
	p := c.participantByPeer(s.Peer())
	if p == nil {
		return
	}
	restart := reason == xmpp.ReasonConnectivityError && p.IncrementAndCheckRestartRequests()
	logging.Info(c.logCtx, "session-terminate",
		zap.String("endpoint", string(p.EndpointID())),
		zap.String("reason", string(reason)),
		zap.Bool("restart", restart))
	c.teardownParticipant(p, false, "", "")
	if restart {
		p.ClearTransport()
		c.inviteParticipant(p, false)
	}
}

// --- Source fan-out --------------------------------------------------------

func collectSources(contents []xmpp.Content) ([]source.Source, []source.Group) {
	var sources []source.Source
	var groups []source.Group
	for _, ct := range contents {
		if ct.Description == nil {
			continue
		}
		sources = append(sources, ct.Description.Sources...)
		groups = append(groups, ct.Description.Groups...)
	}
	return sources, groups
}

// addParticipantSources stamps ownership and registers sources, silently
// dropping exact re-signals of SSRCs the participant already owns so that a
// duplicated accept is a no-op instead of an error.
func (c *Conference) addParticipantSources(p *Participant, sources []source.Source, groups []source.Group) ([]source.Source, []source.Group, error) {
	claimed := p.ClaimSources(sources)
	fresh := make([]source.Source, 0, len(claimed))
	for _, s := range claimed {
		if c.sources.OwnsSSRC(p.Address(), s.SSRC) {
			logging.Warn(c.logCtx, "Ignoring re-signalled source",
				zap.String("endpoint", string(p.EndpointID())),
				zap.Uint32("ssrc", uint32(s.SSRC)))
			continue
		}
		fresh = append(fresh, s)
	}
	if len(fresh) == 0 && len(groups) == 0 {
		return nil, nil, nil
	}
	return c.sources.TryAdd(p.Address(), fresh, groups)
}

// propagateSourceAdd fans new sources out to the other participants (via
// source-add or the pending queue) and to the relay channels of the other
// bridge sessions.
func (c *Conference) propagateSourceAdd(owner *Participant, sources []source.Source, groups []source.Group) {
	if len(sources) == 0 && len(groups) == 0 {
		return
	}
	ctx := context.Background()
	for _, p2 := range c.participantsSnapshot() {
		if p2 == owner {
			continue
		}
		if p2.IsSessionEstablished() {
			if err := c.services.Jingle.SendSourceAdd(ctx, p2.Session(), sources, groups); err != nil {
				logging.Warn(c.logCtx, "Failed to send source-add",
					zap.String("endpoint", string(p2.EndpointID())), zap.Error(err))
			}
		} else {
			p2.ScheduleSourcesToAdd(sources, groups)
		}
	}
	c.fanOutToRelays(owner, sources, groups, true)
}

// propagateSourceRemove is the removal counterpart of propagateSourceAdd.
func (c *Conference) propagateSourceRemove(owner *Participant, sources []source.Source, groups []source.Group) {
	if len(sources) == 0 && len(groups) == 0 {
		return
	}
	ctx := context.Background()
	for _, p2 := range c.participantsSnapshot() {
		if p2 == owner {
			continue
		}
		if p2.IsSessionEstablished() {
			if err := c.services.Jingle.SendSourceRemove(ctx, p2.Session(), sources, groups); err != nil {
				logging.Warn(c.logCtx, "Failed to send source-remove",
					zap.String("endpoint", string(p2.EndpointID())), zap.Error(err))
			}
		} else {
			p2.ScheduleSourcesToRemove(sources, groups)
		}
	}
	c.fanOutToRelays(owner, sources, groups, false)
}

func (c *Conference) fanOutToRelays(owner *Participant, sources []source.Source, groups []source.Group, add bool) {
	own := owner.CurrentBridgeSession()
	c.bridgesMu.Lock()
	defer c.bridgesMu.Unlock()
	if len(c.bridgeSessions) < 2 {
		return
	}
	for _, bs := range c.bridgeSessions {
		if bs == own {
			continue
		}
		if add {
			bs.AddOctoSources(sources, groups)
		} else {
			bs.RemoveOctoSources(sources, groups)
		}
	}
}

// flushPendingDeltas delivers the source signals queued while the session
// was not yet established.
func (c *Conference) flushPendingDeltas(p *Participant) {
	adds, removes := p.TakePendingDeltas()
	if len(adds) == 0 && len(removes) == 0 {
		return
	}
	s := p.Session()
	if s == nil {
		return
	}
	ctx := context.Background()
	for _, d := range adds {
		if err := c.services.Jingle.SendSourceAdd(ctx, s, d.sources, d.groups); err != nil {
			logging.Warn(c.logCtx, "Failed to flush source-add",
				zap.String("endpoint", string(p.EndpointID())), zap.Error(err))
		}
	}
	for _, d := range removes {
		if err := c.services.Jingle.SendSourceRemove(ctx, s, d.sources, d.groups); err != nil {
			logging.Warn(c.logCtx, "Failed to flush source-remove",
				zap.String("endpoint", string(p.EndpointID())), zap.Error(err))
		}
	}
}

// pushChannelUpdate sends the participant's current sources and transport
// to its bridge, off the calling goroutine.
func (c *Conference) pushChannelUpdate(p *Participant) {
	bs := p.CurrentBridgeSession()
	if bs == nil {
		return
	}
	go func() {
		if err := bs.UpdateParticipantChannels(context.Background(), p); err != nil {
			logging.Warn(c.logCtx, "Failed to update channels",
				zap.String("endpoint", string(p.EndpointID())), zap.Error(err))
		}
	}()
}

func (c *Conference) pushTransportUpdate(p *Participant) {
	bs := p.CurrentBridgeSession()
	t := p.Transport()
	if bs == nil || t == nil || p.Channels() == nil {
		return
	}
	endpoint := string(p.EndpointID())
	go func() {
		if err := bs.colibri.UpdateBundleTransport(context.Background(), t, endpoint); err != nil {
			logging.Warn(c.logCtx, "Failed to update bundle transport",
				zap.String("endpoint", endpoint), zap.Error(err))
		}
	}()
}

// --- Participant teardown --------------------------------------------------

// teardownParticipant withdraws the participant's sources, tears down its
// Jingle session (optionally notifying the peer) and releases its bridge
// channels. The participant record itself stays or goes per the caller.
func (c *Conference) teardownParticipant(p *Participant, sendTerminate bool, reason xmpp.Reason, message string) {
	if prev := p.TakeAllocator(); prev != nil {
		prev.Cancel()
	}
	removedS, removedG := c.sources.RemoveOwner(p.Address())

	if s := p.Session(); s != nil {
		if sendTerminate {
			if err := c.services.Jingle.TerminateSession(context.Background(), s, reason, message); err != nil {
				logging.Warn(c.logCtx, "Failed to terminate session",
					zap.String("endpoint", string(p.EndpointID())), zap.Error(err))
			}
		}
		p.SetSession(nil)
	}

	c.propagateSourceRemove(p, removedS, removedG)

	c.bridgesMu.Lock()
	if bs := p.CurrentBridgeSession(); bs != nil {
		bs.Terminate(p)
		c.pruneBridgeSessionLocked(bs)
	}
	c.bridgesMu.Unlock()
}

// --- Mute ------------------------------------------------------------------

// HandleMuteRequest applies a mute or unmute. Muting someone else needs
// moderator rights; unmuting someone else is never allowed.
func (c *Conference) HandleMuteRequest(ctx context.Context, from, target jid.JID, mt source.MediaType, mute bool) error {
	p, ok := c.FindParticipant(target)
	if !ok {
		return ErrParticipantNotFound
	}
	if !from.Equal(target) {
		if !mute {
			return fmt.Errorf("%w: only the participant itself can unmute", ErrNotAllowed)
		}
		room := c.Room()
		if room == nil {
			return ErrNotAllowed
		}
		m, found := room.FindMember(from)
		if !found || !m.Role().IsModerator() {
			return fmt.Errorf("%w: %s is not a moderator", ErrNotAllowed, logging.RedactJID(from.String()))
		}
	}
	if p.IsMuted(mt) == mute {
		return nil
	}
	ci := p.Channels()
	bs := p.CurrentBridgeSession()
	if ci == nil || bs == nil {
		return fmt.Errorf("no channels allocated for %s", p.EndpointID())
	}
	ok, err := bs.colibri.MuteParticipant(ctx, ci, mute)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bridge refused mute change for %s", p.EndpointID())
	}
	p.SetMuted(mt, mute)
	logging.Info(c.logCtx, "Mute state changed",
		zap.String("endpoint", string(p.EndpointID())),
		zap.String("media", string(mt)),
		zap.Bool("muted", mute))
	return nil
}

// --- Timers ----------------------------------------------------------------

func (c *Conference) armSingleParticipantTimer() {
	c.singleTimerMu.Lock()
	defer c.singleTimerMu.Unlock()
	if c.singleTimer != nil {
		c.singleTimer.Stop()
	}
	c.singleTimer = c.clock.AfterFunc(c.cfg.SingleParticipantTimeout, c.onSingleParticipantTimeout)
}

func (c *Conference) cancelSingleParticipantTimer() {
	c.singleTimerMu.Lock()
	defer c.singleTimerMu.Unlock()
	if c.singleTimer != nil {
		c.singleTimer.Stop()
		c.singleTimer = nil
	}
}

// onSingleParticipantTimeout expires the media session of a participant
// left alone too long. The member stays in the room and company arriving
// triggers a fresh invite, but the idle clock starts: with no live media
// session the conference counts as empty, and the registry reaps it once
// the idle timeout passes without anyone else joining.
func (c *Conference) onSingleParticipantTimeout() {
	ps := c.participantsSnapshot()
	if len(ps) != 1 || c.State() >= StateTerminating {
		return
	}
	p := ps[0]
	logging.Info(c.logCtx, "Expiring session of lone participant",
		zap.String("endpoint", string(p.EndpointID())))
	c.teardownParticipant(p, true, xmpp.ReasonExpired, "expired while alone in the conference")
	c.idleSince.Store(c.clock.Now().UnixNano())
}
