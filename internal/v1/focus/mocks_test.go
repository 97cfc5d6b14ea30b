package focus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"
	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/v1/bridge"
	"github.com/confmesh/focus/internal/v1/colibri"
	"github.com/confmesh/focus/internal/v1/config"
	"github.com/confmesh/focus/internal/v1/source"
	"github.com/confmesh/focus/internal/v1/xmpp"
)

// Stateful fakes for the conference core's collaborators. They record every
// call so tests can assert on the exact signalling the core produced.

func mustJID(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("bad jid %q: %v", s, err)
	}
	return j
}

func audioSource(ssrc uint32) source.Source {
	return source.Source{SSRC: source.SSRC(ssrc), MediaType: source.MediaTypeAudio}
}

func videoSource(ssrc uint32) source.Source {
	return source.Source{SSRC: source.SSRC(ssrc), MediaType: source.MediaTypeVideo}
}

// --- member ----------------------------------------------------------------

type fakeMember struct {
	occupant    jid.JID
	realJID     jid.JID
	nick        string
	role        xmpp.Role
	affiliation xmpp.Affiliation
	joinOrder   int
	robot       bool
	region      string
	features    xmpp.FeatureSet
	startMuted  *xmpp.StartMutedPolicy
}

func (m *fakeMember) OccupantJID() jid.JID          { return m.occupant }
func (m *fakeMember) RealJID() jid.JID              { return m.realJID }
func (m *fakeMember) Nick() string                  { return m.nick }
func (m *fakeMember) Role() xmpp.Role               { return m.role }
func (m *fakeMember) Affiliation() xmpp.Affiliation { return m.affiliation }
func (m *fakeMember) JoinOrder() int                { return m.joinOrder }
func (m *fakeMember) IsRobot() bool                 { return m.robot }
func (m *fakeMember) Region() string                { return m.region }

func (m *fakeMember) Features() xmpp.FeatureSet {
	if m.features == nil {
		return xmpp.DefaultFeatures()
	}
	return m.features
}

func (m *fakeMember) StartMutedPolicy() (xmpp.StartMutedPolicy, bool) {
	if m.startMuted == nil {
		return xmpp.StartMutedPolicy{}, false
	}
	return *m.startMuted, true
}

// --- room ------------------------------------------------------------------

type fakeRoom struct {
	mu         sync.Mutex
	roomJID    jid.JID
	joined     bool
	left       bool
	destroyed  bool
	members    []xmpp.Member
	listener   xmpp.RoomListener
	granted    []jid.JID
	grantErrs  map[string]error
	extensions map[string]xmpp.PresenceExtension
	joinErr    error
}

func newFakeRoom(roomJID jid.JID) *fakeRoom {
	return &fakeRoom{
		roomJID:    roomJID,
		grantErrs:  make(map[string]error),
		extensions: make(map[string]xmpp.PresenceExtension),
	}
}

func (r *fakeRoom) JID() jid.JID { return r.roomJID }

func (r *fakeRoom) Join(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.joinErr != nil {
		return r.joinErr
	}
	r.joined = true
	return nil
}

func (r *fakeRoom) Leave(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left = true
	return nil
}

func (r *fakeRoom) Destroy(ctx context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = true
	return nil
}

func (r *fakeRoom) Members() []xmpp.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]xmpp.Member(nil), r.members...)
}

func (r *fakeRoom) FindMember(occupant jid.JID) (xmpp.Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.OccupantJID().Equal(occupant) {
			return m, true
		}
	}
	return nil, false
}

func (r *fakeRoom) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *fakeRoom) GrantOwnership(ctx context.Context, j jid.JID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.grantErrs[j.String()]; err != nil {
		return err
	}
	r.granted = append(r.granted, j)
	for i, m := range r.members {
		if m.OccupantJID().Equal(j) {
			fm := *(m.(*fakeMember))
			fm.affiliation = xmpp.AffiliationOwner
			r.members[i] = &fm
		}
	}
	return nil
}

func (r *fakeRoom) AddPresenceExtension(ext xmpp.PresenceExtension) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extensions[ext.Element+"|"+ext.Namespace] = ext
}

func (r *fakeRoom) RemovePresenceExtension(element, namespace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.extensions, element+"|"+namespace)
}

func (r *fakeRoom) hasExtension(element, namespace string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.extensions[element+"|"+namespace]
	return ok
}

func (r *fakeRoom) SetListener(l xmpp.RoomListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// addMember registers the member and fires the join callback, the way a
// presence broadcast would.
func (r *fakeRoom) addMember(m xmpp.Member) {
	r.mu.Lock()
	r.members = append(r.members, m)
	l := r.listener
	r.mu.Unlock()
	if l != nil {
		l.MemberJoined(m)
	}
}

func (r *fakeRoom) removeMember(m xmpp.Member) {
	r.mu.Lock()
	for i, existing := range r.members {
		if existing.OccupantJID().Equal(m.OccupantJID()) {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	l := r.listener
	r.mu.Unlock()
	if l != nil {
		l.MemberLeft(m)
	}
}

func (r *fakeRoom) grantedJIDs() []jid.JID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]jid.JID(nil), r.granted...)
}

type fakeRoomProvider struct {
	room *fakeRoom
	err  error
}

func (p *fakeRoomProvider) GetRoom(roomJID jid.JID) (xmpp.Room, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.room, nil
}

// --- transport -------------------------------------------------------------

type fakeTransport struct {
	mu        sync.Mutex
	state     xmpp.ConnectionState
	handlers  map[xmpp.HandlerID]xmpp.IQHandler
	listeners map[int]func(xmpp.ConnectionState)
	nextID    int
	sent      []xmpp.IQ
	asyncSent []xmpp.IQ
	// sendReply answers SendIQ; nil means every send fails.
	sendReply func(iq xmpp.IQ) (xmpp.IQ, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		state:     xmpp.ConnectionRegistered,
		handlers:  make(map[xmpp.HandlerID]xmpp.IQHandler),
		listeners: make(map[int]func(xmpp.ConnectionState)),
	}
}

func (t *fakeTransport) RegisterIQHandler(id xmpp.HandlerID, h xmpp.IQHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[id] = h
}

func (t *fakeTransport) UnregisterIQHandler(id xmpp.HandlerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, id)
}

func (t *fakeTransport) SendIQ(ctx context.Context, iq xmpp.IQ) (xmpp.IQ, error) {
	t.mu.Lock()
	t.sent = append(t.sent, iq)
	reply := t.sendReply
	t.mu.Unlock()
	if reply == nil {
		return xmpp.IQ{}, fmt.Errorf("no route to %s", iq.To)
	}
	return reply(iq)
}

func (t *fakeTransport) SendIQAsync(iq xmpp.IQ, onResult func(xmpp.IQ), onError func(error)) {
	t.mu.Lock()
	t.asyncSent = append(t.asyncSent, iq)
	t.mu.Unlock()
	if onResult != nil {
		onResult(xmpp.IQ{Type: xmpp.IQTypeResult})
	}
}

func (t *fakeTransport) State() xmpp.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) AddStateListener(f func(xmpp.ConnectionState)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = f
	st := t.state
	t.mu.Unlock()
	f(st)
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

func (t *fakeTransport) setState(st xmpp.ConnectionState) {
	t.mu.Lock()
	t.state = st
	ls := make([]func(xmpp.ConnectionState), 0, len(t.listeners))
	for _, l := range t.listeners {
		ls = append(ls, l)
	}
	t.mu.Unlock()
	for _, l := range ls {
		l(st)
	}
}

func (t *fakeTransport) asyncCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.asyncSent)
}

// --- jingle ----------------------------------------------------------------

type fakeSession struct {
	sid  string
	peer jid.JID
}

func (s *fakeSession) SID() string   { return s.sid }
func (s *fakeSession) Peer() jid.JID { return s.peer }

type sentSignal struct {
	peer    jid.JID
	sources []source.Source
	groups  []source.Group
}

type sentOffer struct {
	peer  jid.JID
	offer xmpp.Offer
}

type fakeJingle struct {
	mu            sync.Mutex
	nextSID       int
	initiated     []sentOffer
	replaced      []sentOffer
	terminated    []xmpp.Reason
	sourceAdds    []sentSignal
	sourceRemoves []sentSignal
	initiateErr   error
}

func (j *fakeJingle) InitiateSession(ctx context.Context, peer jid.JID, offer xmpp.Offer) (xmpp.Session, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.initiateErr != nil {
		return nil, j.initiateErr
	}
	j.nextSID++
	j.initiated = append(j.initiated, sentOffer{peer: peer, offer: offer})
	return &fakeSession{sid: fmt.Sprintf("sid-%d", j.nextSID), peer: peer}, nil
}

func (j *fakeJingle) ReplaceTransport(ctx context.Context, s xmpp.Session, offer xmpp.Offer) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.replaced = append(j.replaced, sentOffer{peer: s.Peer(), offer: offer})
	return nil
}

func (j *fakeJingle) TerminateSession(ctx context.Context, s xmpp.Session, reason xmpp.Reason, message string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.terminated = append(j.terminated, reason)
	return nil
}

func (j *fakeJingle) SendSourceAdd(ctx context.Context, s xmpp.Session, sources []source.Source, groups []source.Group) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sourceAdds = append(j.sourceAdds, sentSignal{peer: s.Peer(), sources: sources, groups: groups})
	return nil
}

func (j *fakeJingle) SendSourceRemove(ctx context.Context, s xmpp.Session, sources []source.Source, groups []source.Group) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sourceRemoves = append(j.sourceRemoves, sentSignal{peer: s.Peer(), sources: sources, groups: groups})
	return nil
}

func (j *fakeJingle) initiatedCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.initiated)
}

func (j *fakeJingle) replacedCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.replaced)
}

func (j *fakeJingle) sourceAddsFor(peer jid.JID) []sentSignal {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []sentSignal
	for _, sig := range j.sourceAdds {
		if sig.peer.Equal(peer) {
			out = append(out, sig)
		}
	}
	return out
}

func (j *fakeJingle) sourceRemovesFor(peer jid.JID) []sentSignal {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []sentSignal
	for _, sig := range j.sourceRemoves {
		if sig.peer.Equal(peer) {
			out = append(out, sig)
		}
	}
	return out
}

// --- colibri ---------------------------------------------------------------

type muteCall struct {
	endpoint string
	mute     bool
}

type fakeColibriConf struct {
	mu            sync.Mutex
	bridgeJID     jid.JID
	nextChannel   int
	// createGate, when set, blocks CreateChannels until it is closed. The
	// entry counter records calls before they block, so tests can wait for
	// an allocation to be in flight.
	createGate    chan struct{}
	createEntries int
	created       []string
	createErr     error
	updates       []colibri.UpdateRequest
	bundleUpdates []string
	muteCalls     []muteCall
	muteRefuse    bool
	muteErr       error
	expired       []string
	expiredConf   bool
	disposed      bool
	gid           uint32
	name          string
}

func (f *fakeColibriConf) Bridge() jid.JID { return f.bridgeJID }

func (f *fakeColibriConf) CreateChannels(ctx context.Context, endpointID string, contents []xmpp.Content) (*colibri.ChannelsInfo, *xmpp.IceUdpTransport, error) {
	f.mu.Lock()
	f.createEntries++
	gate := f.createGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, nil, f.createErr
	}
	f.nextChannel++
	f.created = append(f.created, endpointID)
	ci := colibri.NewChannelsInfo(fmt.Sprintf("ch-%d", f.nextChannel), endpointID,
		source.MediaTypeAudio, source.MediaTypeVideo)
	transport := &xmpp.IceUdpTransport{Ufrag: "bridge-ufrag", Password: "bridge-pwd", RTCPMux: true}
	return ci, transport, nil
}

func (f *fakeColibriConf) UpdateChannels(ctx context.Context, req colibri.UpdateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, req)
	return nil
}

func (f *fakeColibriConf) UpdateBundleTransport(ctx context.Context, transport *xmpp.IceUdpTransport, endpointID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundleUpdates = append(f.bundleUpdates, endpointID)
	return nil
}

func (f *fakeColibriConf) UpdateSources(ctx context.Context, sources []source.Source, groups []source.Group, info *colibri.ChannelsInfo) error {
	return nil
}

func (f *fakeColibriConf) MuteParticipant(ctx context.Context, info *colibri.ChannelsInfo, mute bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.muteErr != nil {
		return false, f.muteErr
	}
	f.muteCalls = append(f.muteCalls, muteCall{endpoint: info.Endpoint, mute: mute})
	return !f.muteRefuse, nil
}

func (f *fakeColibriConf) ExpireChannels(ctx context.Context, info *colibri.ChannelsInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, info.Endpoint)
	return nil
}

func (f *fakeColibriConf) ExpireConference(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiredConf = true
	return nil
}

func (f *fakeColibriConf) Dispose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = true
}

func (f *fakeColibriConf) SetGID(gid uint32) { f.mu.Lock(); f.gid = gid; f.mu.Unlock() }

func (f *fakeColibriConf) SetName(name string) { f.mu.Lock(); f.name = name; f.mu.Unlock() }

func (f *fakeColibriConf) createAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createEntries
}

func (f *fakeColibriConf) createdEndpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

func (f *fakeColibriConf) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeColibriConf) updatesSnapshot() []colibri.UpdateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]colibri.UpdateRequest(nil), f.updates...)
}

func (f *fakeColibriConf) lastUpdate() (colibri.UpdateRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return colibri.UpdateRequest{}, false
	}
	return f.updates[len(f.updates)-1], true
}

func (f *fakeColibriConf) wasDisposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed || f.expiredConf
}

type fakeColibriFactory struct {
	mu    sync.Mutex
	confs []*fakeColibriConf
	// failing marks bridge JIDs whose CreateChannels fails.
	failing map[string]bool
	// gate is installed on every conference created while set.
	gate chan struct{}
}

func newFakeColibriFactory() *fakeColibriFactory {
	return &fakeColibriFactory{failing: make(map[string]bool)}
}

func (f *fakeColibriFactory) NewConference(bridgeJID jid.JID) colibri.Conference {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeColibriConf{bridgeJID: bridgeJID, createGate: f.gate}
	if f.failing[bridgeJID.String()] {
		c.createErr = fmt.Errorf("bridge %s unreachable", bridgeJID)
	}
	f.confs = append(f.confs, c)
	return c
}

func (f *fakeColibriFactory) confFor(bridgeJID jid.JID) *fakeColibriConf {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.confs) - 1; i >= 0; i-- {
		if f.confs[i].bridgeJID.Equal(bridgeJID) {
			return f.confs[i]
		}
	}
	return nil
}

func (f *fakeColibriFactory) setFailing(bridgeJID jid.JID, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[bridgeJID.String()] = fail
	for _, c := range f.confs {
		if c.bridgeJID.Equal(bridgeJID) {
			c.mu.Lock()
			if fail {
				c.createErr = fmt.Errorf("bridge %s unreachable", bridgeJID)
			} else {
				c.createErr = nil
			}
			c.mu.Unlock()
		}
	}
}

// --- selector --------------------------------------------------------------

type statusUpdate struct {
	bridgeJID jid.JID
	alive     bool
}

type fakeSelector struct {
	mu      sync.Mutex
	bridges []bridge.Bridge
	down    map[string]bool
	updates []statusUpdate
}

func newFakeSelector(bridges ...bridge.Bridge) *fakeSelector {
	return &fakeSelector{bridges: bridges, down: make(map[string]bool)}
}

func (s *fakeSelector) SelectBridge(view bridge.ConferenceView, participantRegion string) (bridge.Bridge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Prefer a bridge in the participant's region, then a bridge already in
	// the conference, then the first operational one.
	var candidates []bridge.Bridge
	for _, b := range s.bridges {
		if !s.down[b.JID.String()] {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return bridge.Bridge{}, false
	}
	if participantRegion != "" {
		for _, b := range candidates {
			if b.Region == participantRegion {
				return b, true
			}
		}
	}
	for _, b := range candidates {
		for _, placed := range view.Bridges {
			if b.Equal(placed) {
				return b, true
			}
		}
	}
	return candidates[0], true
}

func (s *fakeSelector) GetBridge(j jid.JID) (bridge.Bridge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bridges {
		if b.JID.Equal(j) {
			return b, true
		}
	}
	return bridge.Bridge{}, false
}

func (s *fakeSelector) UpdateOperationalStatus(j jid.JID, alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[j.String()] = !alive
	s.updates = append(s.updates, statusUpdate{bridgeJID: j, alive: alive})
}

func (s *fakeSelector) setDown(j jid.JID, down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[j.String()] = down
}

func (s *fakeSelector) addBridge(b bridge.Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridges = append(s.bridges, b)
}

// --- authority -------------------------------------------------------------

type fakeAuthority struct {
	mu        sync.Mutex
	sessions  map[string]string
	listeners map[int]func(j jid.JID, identity, sessionID string)
	nextID    int
	loginURL  string
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		sessions:  make(map[string]string),
		listeners: make(map[int]func(j jid.JID, identity, sessionID string)),
		loginURL:  "https://auth.example/login",
	}
}

func (a *fakeAuthority) SessionForJID(j jid.JID) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sid, ok := a.sessions[j.Bare().String()]
	return sid, ok
}

func (a *fakeAuthority) AddListener(f func(j jid.JID, identity, sessionID string)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = f
	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

func (a *fakeAuthority) LoginURL(room jid.JID, machineID string, popup bool) (string, error) {
	return a.loginURL + "?room=" + room.Localpart(), nil
}

func (a *fakeAuthority) Logout(sessionID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range a.sessions {
		if v == sessionID {
			delete(a.sessions, k)
		}
	}
	return "https://auth.example/logout", nil
}

func (a *fakeAuthority) addSession(j jid.JID, sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[j.Bare().String()] = sessionID
}

// authenticate records a session and fires the listeners, like a login
// completing while the conference is running.
func (a *fakeAuthority) authenticate(j jid.JID, sessionID string) {
	a.mu.Lock()
	a.sessions[j.Bare().String()] = sessionID
	fs := make([]func(jid.JID, string, string), 0, len(a.listeners))
	for _, f := range a.listeners {
		fs = append(fs, f)
	}
	a.mu.Unlock()
	for _, f := range fs {
		f(j, j.Localpart(), sessionID)
	}
}

// --- harness ---------------------------------------------------------------

const testRoomJID = "orange@conference.example.com"

type confHarness struct {
	t         *testing.T
	clock     *clocktesting.FakeClock
	transport *fakeTransport
	room      *fakeRoom
	jingle    *fakeJingle
	factory   *fakeColibriFactory
	selector  *fakeSelector
	events    *bridge.EventRouter
	authority *fakeAuthority
	cfg       *config.Config
	conf      *Conference
	ended     chan struct{}
}

func defaultTestConfig() *config.Config {
	return &config.Config{
		IdleTimeout:              config.DefaultIdleTimeout,
		SingleParticipantTimeout: config.DefaultSingleParticipantTimeout,
		MinParticipants:          config.DefaultMinParticipants,
		MaxSourcesPerUser:        config.DefaultMaxSourcesPerUser,
		StartAudioMuted:          -1,
		StartVideoMuted:          -1,
		EnableAutoOwner:          true,
		ShortID:                  7,
	}
}

func testBridges() []bridge.Bridge {
	return []bridge.Bridge{
		{JID: jid.MustParse("jvb1.example.com"), RelayID: "relay-1", Region: "us-east"},
		{JID: jid.MustParse("jvb2.example.com"), RelayID: "relay-2", Region: "eu-west"},
	}
}

func newConfHarness(t *testing.T, mutate func(*config.Config)) *confHarness {
	t.Helper()
	cfg := defaultTestConfig()
	if mutate != nil {
		mutate(cfg)
	}
	roomJID := mustJID(t, testRoomJID)
	h := &confHarness{
		t:         t,
		clock:     clocktesting.NewFakeClock(time.Now()),
		transport: newFakeTransport(),
		room:      newFakeRoom(roomJID),
		jingle:    &fakeJingle{},
		factory:   newFakeColibriFactory(),
		selector:  newFakeSelector(testBridges()...),
		events:    bridge.NewEventRouter(),
		authority: newFakeAuthority(),
		cfg:       cfg,
		ended:     make(chan struct{}),
	}
	services := Services{
		Transport:    h.transport,
		Rooms:        &fakeRoomProvider{room: h.room},
		Jingle:       h.jingle,
		Colibri:      h.factory,
		Selector:     h.selector,
		BridgeEvents: h.events,
		Authority:    h.authority,
		Clock:        h.clock,
		FocusJID:     mustJID(t, "focus@auth.example.com/focus"),
	}
	h.conf = NewConference(services, cfg, roomJID, 0x70001, func(*Conference) { close(h.ended) })
	return h
}

func (h *confHarness) start() {
	h.t.Helper()
	if err := h.conf.Start(); err != nil {
		h.t.Fatalf("start conference: %v", err)
	}
}

// joinMember adds a member with default features and fires the callbacks.
func (h *confHarness) joinMember(nick string) *fakeMember {
	h.t.Helper()
	m := &fakeMember{
		occupant:  mustJID(h.t, testRoomJID+"/"+nick),
		nick:      nick,
		role:      xmpp.RoleParticipant,
		joinOrder: h.room.MemberCount() + 1,
	}
	h.room.addMember(m)
	return m
}

// acceptSession waits for the invite of the given participant and answers
// it with a session-accept carrying the given sources.
func (h *confHarness) acceptSession(p *Participant, sources []source.Source, groups []source.Group) {
	h.t.Helper()
	waitFor(h.t, func() bool { return p.Session() != nil })
	answer := []xmpp.Content{
		{
			Name: "audio",
			Description: &xmpp.RTPDescription{
				Media:   source.MediaTypeAudio,
				Sources: sources,
				Groups:  groups,
			},
			Transport: &xmpp.IceUdpTransport{
				Ufrag:    "client-ufrag",
				Password: "client-pwd",
				Candidates: []xmpp.Candidate{
					{Foundation: "1", Component: 1, IP: "198.51.100.10", Port: 10000},
				},
			},
		},
	}
	if err := h.conf.OnSessionAccept(p.Session(), answer); err != nil {
		h.t.Fatalf("session-accept: %v", err)
	}
}

func (h *confHarness) participant(nick string) *Participant {
	h.t.Helper()
	p, ok := h.conf.FindParticipant(mustJID(h.t, testRoomJID+"/"+nick))
	if !ok {
		h.t.Fatalf("participant %s not found", nick)
	}
	return p
}

// waitFor polls until the condition holds. Allocators run on their own
// goroutines, so membership changes settle asynchronously.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
