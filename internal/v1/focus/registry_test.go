package focus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/v1/bridge"
	"github.com/confmesh/focus/internal/v1/config"
	"github.com/confmesh/focus/internal/v1/xmpp"
)

// multiRoomProvider hands out one fakeRoom per room JID.
type multiRoomProvider struct {
	mu    sync.Mutex
	rooms map[string]*fakeRoom
}

func newMultiRoomProvider() *multiRoomProvider {
	return &multiRoomProvider{rooms: make(map[string]*fakeRoom)}
}

func (p *multiRoomProvider) GetRoom(roomJID jid.JID) (xmpp.Room, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rooms[roomJID.String()]
	if !ok {
		r = newFakeRoom(roomJID)
		p.rooms[roomJID.String()] = r
	}
	return r, nil
}

func (p *multiRoomProvider) roomFor(roomJID jid.JID) *fakeRoom {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rooms[roomJID.String()]
}

type regHarness struct {
	t         *testing.T
	clock     *clocktesting.FakeClock
	transport *fakeTransport
	rooms     *multiRoomProvider
	jingle    *fakeJingle
	factory   *fakeColibriFactory
	selector  *fakeSelector
	events    *bridge.EventRouter
	authority *fakeAuthority
	cfg       *config.Config
	reg       *ConferenceRegistry
	focusJID  jid.JID
}

func newRegHarness(t *testing.T, mutate func(*config.Config)) *regHarness {
	t.Helper()
	cfg := defaultTestConfig()
	if mutate != nil {
		mutate(cfg)
	}
	h := &regHarness{
		t:         t,
		clock:     clocktesting.NewFakeClock(time.Now()),
		transport: newFakeTransport(),
		rooms:     newMultiRoomProvider(),
		jingle:    &fakeJingle{},
		factory:   newFakeColibriFactory(),
		selector:  newFakeSelector(testBridges()...),
		events:    bridge.NewEventRouter(),
		authority: newFakeAuthority(),
		cfg:       cfg,
		focusJID:  jid.MustParse("focus@auth.example.com/focus"),
	}
	services := Services{
		Transport:    h.transport,
		Rooms:        h.rooms,
		Jingle:       h.jingle,
		Colibri:      h.factory,
		Selector:     h.selector,
		BridgeEvents: h.events,
		Authority:    h.authority,
		Clock:        h.clock,
		FocusJID:     h.focusJID,
	}
	h.reg = NewConferenceRegistry(services, cfg)
	t.Cleanup(h.reg.Stop)
	return h
}

func TestRegistryCreatesAndReusesConferences(t *testing.T) {
	h := newRegHarness(t, nil)

	roomJID := mustJID(t, "apple@conference.example.com")
	c1, err := h.reg.ConferenceFor(roomJID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.reg.Count())
	assert.Equal(t, StateIdle, c1.State())

	// The bare JID keys the registry; a full JID maps to the same
	// conference.
	c2, err := h.reg.ConferenceFor(mustJID(t, "apple@conference.example.com/ignored"))
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, h.reg.Count())
}

func TestRegistryGIDComposition(t *testing.T) {
	h := newRegHarness(t, func(cfg *config.Config) { cfg.ShortID = 42 })

	c, err := h.reg.ConferenceFor(mustJID(t, "pear@conference.example.com"))
	require.NoError(t, err)
	assert.Equal(t, uint32(42), c.GID()>>16, "high half carries the short id")
}

func TestRegistryGIDsAreUniqueAcrossConferences(t *testing.T) {
	h := newRegHarness(t, nil)

	// Force a nonce collision: the second conference's first attempt
	// collides with the first conference's GID.
	nonces := []uint16{5, 5, 9}
	h.reg.nonce = func() uint16 {
		n := nonces[0]
		if len(nonces) > 1 {
			nonces = nonces[1:]
		}
		return n
	}

	c1, err := h.reg.ConferenceFor(mustJID(t, "one@conference.example.com"))
	require.NoError(t, err)
	c2, err := h.reg.ConferenceFor(mustJID(t, "two@conference.example.com"))
	require.NoError(t, err)

	assert.Equal(t, uint32(7)<<16|5, c1.GID())
	assert.Equal(t, uint32(7)<<16|9, c2.GID())
	assert.NotEqual(t, c1.GID(), c2.GID())
}

func TestRegistryStopsIdleConference(t *testing.T) {
	h := newRegHarness(t, func(cfg *config.Config) { cfg.IdleTimeout = 10 * time.Second })

	c, err := h.reg.ConferenceFor(mustJID(t, "idle@conference.example.com"))
	require.NoError(t, err)

	// Nobody ever joins; once past the idle timeout the sweep stops it.
	waitFor(t, func() bool { return h.clock.HasWaiters() })
	h.clock.Step(16 * time.Second)

	waitFor(t, func() bool { return c.State() == StateEnded })
	waitFor(t, func() bool { return h.reg.Count() == 0 })
}

func TestRegistryStopsConferenceAfterEveryoneLeft(t *testing.T) {
	h := newRegHarness(t, func(cfg *config.Config) { cfg.IdleTimeout = 10 * time.Second })

	roomJID := mustJID(t, "melon@conference.example.com")
	c, err := h.reg.ConferenceFor(roomJID)
	require.NoError(t, err)

	room := h.rooms.roomFor(roomJID)
	alice := &fakeMember{occupant: mustJID(t, "melon@conference.example.com/alice"), nick: "alice", joinOrder: 1, role: xmpp.RoleParticipant}
	bob := &fakeMember{occupant: mustJID(t, "melon@conference.example.com/bob"), nick: "bob", joinOrder: 2, role: xmpp.RoleParticipant}
	room.addMember(alice)
	room.addMember(bob)
	waitFor(t, func() bool { return h.jingle.initiatedCount() == 2 })

	// While occupied the conference is not idle, no matter how much time
	// passes.
	waitFor(t, func() bool { return h.clock.HasWaiters() })
	h.clock.Step(16 * time.Second)
	assert.NotEqual(t, StateEnded, c.State())

	room.removeMember(alice)
	room.removeMember(bob)
	h.clock.Step(16 * time.Second)
	waitFor(t, func() bool { return c.State() == StateEnded })
	assert.Zero(t, h.reg.Count())
}

func TestRegistryReapsConferenceAfterLoneParticipantExpires(t *testing.T) {
	h := newRegHarness(t, func(cfg *config.Config) {
		cfg.MinParticipants = 1
		cfg.IdleTimeout = 10 * time.Second
	})

	roomJID := mustJID(t, "solo@conference.example.com")
	c, err := h.reg.ConferenceFor(roomJID)
	require.NoError(t, err)
	room := h.rooms.roomFor(roomJID)
	alice := &fakeMember{occupant: mustJID(t, "solo@conference.example.com/alice"), nick: "alice", joinOrder: 1, role: xmpp.RoleParticipant}
	room.addMember(alice)
	waitFor(t, func() bool { return h.jingle.initiatedCount() == 1 })

	// Alone past the single-participant timeout, the session expires.
	h.clock.Step(config.DefaultSingleParticipantTimeout + time.Second)
	waitFor(t, func() bool {
		h.jingle.mu.Lock()
		defer h.jingle.mu.Unlock()
		for _, r := range h.jingle.terminated {
			if r == xmpp.ReasonExpired {
				return true
			}
		}
		return false
	})

	// The expiry started the idle clock; the sweep reaps the conference
	// once the idle timeout passes with nobody else arriving.
	waitFor(t, func() bool { return h.clock.HasWaiters() })
	h.clock.Step(16 * time.Second)
	waitFor(t, func() bool { return c.State() == StateEnded })
	waitFor(t, func() bool { return h.reg.Count() == 0 })
}

func TestGracefulShutdown(t *testing.T) {
	h := newRegHarness(t, nil)

	c, err := h.reg.ConferenceFor(mustJID(t, "last@conference.example.com"))
	require.NoError(t, err)

	done := make(chan struct{})
	h.reg.EnableGracefulShutdown(func() { close(done) })

	// No new conferences during drain; existing ones are untouched.
	_, err = h.reg.ConferenceFor(mustJID(t, "new@conference.example.com"))
	assert.ErrorIs(t, err, ErrShutdownInProgress)
	got, ok := h.reg.Get(mustJID(t, "last@conference.example.com"))
	require.True(t, ok)
	assert.Same(t, c, got)
	select {
	case <-done:
		t.Fatal("shutdown callback fired while a conference was live")
	default:
	}

	// The last conference ending completes the drain.
	c.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback did not fire")
	}
}

func TestGracefulShutdownWhenAlreadyEmpty(t *testing.T) {
	h := newRegHarness(t, nil)
	done := make(chan struct{})
	h.reg.EnableGracefulShutdown(func() { close(done) })
	select {
	case <-done:
	default:
		t.Fatal("shutdown callback should fire immediately when empty")
	}
}
