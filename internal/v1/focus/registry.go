package focus

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/v1/config"
	"github.com/confmesh/focus/internal/v1/logging"
)

// idleScanInterval is how often the registry sweeps for idle conferences.
const idleScanInterval = 5 * time.Second

// gidNonceAttempts bounds the search for an unused GID nonce.
const gidNonceAttempts = 10000

// ConferenceRegistry owns every conference hosted by this focus. It hands
// out globally unique conference ids, sweeps idle conferences, and
// coordinates graceful shutdown.
type ConferenceRegistry struct {
	services Services
	cfg      *config.Config
	clock    clock.WithTickerAndDelayedExecution

	mu           sync.Mutex
	conferences  map[string]*Conference
	gids         map[uint32]struct{}
	shuttingDown bool
	onEmpty      func()

	// nonce is injectable so GID allocation is deterministic in tests.
	nonce func() uint16

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewConferenceRegistry builds a registry and starts its idle sweep.
func NewConferenceRegistry(services Services, cfg *config.Config) *ConferenceRegistry {
	r := &ConferenceRegistry{
		services:    services,
		cfg:         cfg,
		clock:       services.clock(),
		conferences: make(map[string]*Conference),
		gids:        make(map[uint32]struct{}),
		nonce:       func() uint16 { return uint16(rand.Intn(1 << 16)) },
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	go r.idleLoop()
	return r
}

// ConferenceFor returns the conference for the given bare room JID, creating
// and starting one if needed. During graceful shutdown no new conferences
// are created.
func (r *ConferenceRegistry) ConferenceFor(roomJID jid.JID) (*Conference, error) {
	roomJID = roomJID.Bare()
	key := roomJID.String()

	r.mu.Lock()
	if c, ok := r.conferences[key]; ok {
		r.mu.Unlock()
		return c, nil
	}
	if r.shuttingDown {
		r.mu.Unlock()
		return nil, ErrShutdownInProgress
	}
	gid, err := r.allocateGIDLocked()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	c := NewConference(r.services, r.cfg, roomJID, gid, r.conferenceEnded)
	r.conferences[key] = c
	count := len(r.conferences)
	r.mu.Unlock()

	conferencesCreatedTotal.Inc()
	activeConferences.Set(float64(count))
	logging.Info(context.Background(), "Conference created",
		zap.String("room", key),
		zap.Uint32("gid", gid),
		zap.Int("conferences", count))

	if err := c.Start(); err != nil {
		r.mu.Lock()
		delete(r.conferences, key)
		delete(r.gids, gid)
		activeConferences.Set(float64(len(r.conferences)))
		r.mu.Unlock()
		return nil, err
	}
	return c, nil
}

// Get returns an existing conference without creating one.
func (r *ConferenceRegistry) Get(roomJID jid.JID) (*Conference, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conferences[roomJID.Bare().String()]
	return c, ok
}

// Count returns the number of live conferences.
func (r *ConferenceRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conferences)
}

// allocateGIDLocked composes (shortID << 16) | nonce and guarantees the
// result is unique among live conferences.
func (r *ConferenceRegistry) allocateGIDLocked() (uint32, error) {
	base := uint32(r.cfg.ShortID) << 16
	for i := 0; i < gidNonceAttempts; i++ {
		gid := base | uint32(r.nonce())
		if _, taken := r.gids[gid]; taken {
			continue
		}
		r.gids[gid] = struct{}{}
		return gid, nil
	}
	return 0, fmt.Errorf("no free conference id after %d attempts", gidNonceAttempts)
}

// conferenceEnded is the onEnded callback handed to every conference.
func (r *ConferenceRegistry) conferenceEnded(c *Conference) {
	key := c.RoomJID().String()
	r.mu.Lock()
	if r.conferences[key] == c {
		delete(r.conferences, key)
		delete(r.gids, c.GID())
	}
	count := len(r.conferences)
	empty := count == 0 && r.shuttingDown
	onEmpty := r.onEmpty
	r.mu.Unlock()

	activeConferences.Set(float64(count))
	logging.Info(context.Background(), "Conference ended",
		zap.String("room", key),
		zap.Int("conferences", count))
	if empty && onEmpty != nil {
		onEmpty()
	}
}

// EnableGracefulShutdown stops accepting new conferences and arranges for
// onEmpty to run once the last live conference ends. If the registry is
// already empty, onEmpty runs immediately.
func (r *ConferenceRegistry) EnableGracefulShutdown(onEmpty func()) {
	r.mu.Lock()
	r.shuttingDown = true
	r.onEmpty = onEmpty
	empty := len(r.conferences) == 0
	r.mu.Unlock()

	logging.Info(context.Background(), "Graceful shutdown enabled")
	if empty && onEmpty != nil {
		onEmpty()
	}
}

// IsShuttingDown reports whether graceful shutdown was requested.
func (r *ConferenceRegistry) IsShuttingDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shuttingDown
}

// Stop terminates every conference and the idle sweep. Used on hard
// shutdown and in tests.
func (r *ConferenceRegistry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
	for _, c := range r.snapshot() {
		c.Stop()
	}
}

func (r *ConferenceRegistry) snapshot() []*Conference {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conference, 0, len(r.conferences))
	for _, c := range r.conferences {
		out = append(out, c)
	}
	return out
}

// idleLoop periodically stops conferences that stayed empty past the idle
// timeout.
func (r *ConferenceRegistry) idleLoop() {
	defer close(r.done)
	ticker := r.clock.NewTicker(idleScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C():
			r.sweepIdle()
		}
	}
}

func (r *ConferenceRegistry) sweepIdle() {
	now := r.clock.Now()
	for _, c := range r.snapshot() {
		if d := c.IdleDuration(now); d > 0 && d >= r.cfg.IdleTimeout {
			logging.Info(context.Background(), "Stopping idle conference",
				zap.String("room", c.RoomJID().String()),
				zap.Duration("idle", d))
			c.Stop()
		}
	}
}
