package focus

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/confmesh/focus/internal/v1/auth"
	"github.com/confmesh/focus/internal/v1/logging"
	"github.com/confmesh/focus/internal/v1/xmpp"
)

// RoleManager grants MUC ownership. Two modes, which can combine:
//
//   - auto-owner: the longest-present human member is elected owner, and a
//     replacement is elected when the owner leaves.
//   - authority-backed: members holding an authentication session are
//     granted ownership as they join, regardless of join order.
//
// Grants need the focus to hold owner rights itself, so everything is a
// no-op until LocalRoleChanged reports them.
type RoleManager struct {
	room      xmpp.Room
	authority auth.Authority
	autoOwner bool

	mu        sync.Mutex
	haveRight bool
	owner     jid.JID
	unsub     func()
}

func newRoleManager(room xmpp.Room, authority auth.Authority, autoOwner bool) *RoleManager {
	return &RoleManager{room: room, authority: authority, autoOwner: autoOwner}
}

// Start subscribes to authentication events, so a member that authenticates
// mid-conference is granted ownership without having to rejoin.
func (rm *RoleManager) Start() {
	if rm.authority == nil {
		return
	}
	rm.unsub = rm.authority.AddListener(func(j jid.JID, identity, sessionID string) {
		rm.jidAuthenticated(context.Background(), j)
	})
}

// Stop drops the authentication subscription.
func (rm *RoleManager) Stop() {
	rm.mu.Lock()
	unsub := rm.unsub
	rm.unsub = nil
	rm.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (rm *RoleManager) jidAuthenticated(ctx context.Context, j jid.JID) {
	rm.mu.Lock()
	right := rm.haveRight
	rm.mu.Unlock()
	if !right {
		return
	}
	for _, m := range rm.room.Members() {
		if m.RealJID().Equal(jid.JID{}) || m.Affiliation().IsOwner() {
			continue
		}
		if m.RealJID().Bare().Equal(j.Bare()) {
			rm.grant(ctx, m)
			return
		}
	}
}

// MemberJoined considers a new member for ownership. Called off the
// conference locks; grants are blocking round-trips.
func (rm *RoleManager) MemberJoined(ctx context.Context, m xmpp.Member) {
	rm.mu.Lock()
	right := rm.haveRight
	needElection := rm.autoOwner && rm.owner.String() == ""
	rm.mu.Unlock()
	if !right {
		return
	}
	if rm.authority != nil && !m.RealJID().Equal(jid.JID{}) {
		if _, ok := rm.authority.SessionForJID(m.RealJID()); ok {
			rm.grant(ctx, m)
			return
		}
	}
	if needElection {
		rm.electOwner(ctx)
	}
}

// MemberLeft re-elects when the current owner left.
func (rm *RoleManager) MemberLeft(ctx context.Context, m xmpp.Member) {
	rm.mu.Lock()
	wasOwner := rm.owner.Equal(m.OccupantJID())
	if wasOwner {
		rm.owner = jid.JID{}
	}
	right := rm.haveRight
	rm.mu.Unlock()
	if wasOwner && right && rm.autoOwner {
		rm.electOwner(ctx)
	}
}

// LocalRoleChanged records whether the focus can grant ownership, and runs
// the initial grants once it can.
func (rm *RoleManager) LocalRoleChanged(ctx context.Context, role xmpp.Role, affiliation xmpp.Affiliation) {
	has := affiliation.IsOwner() || role.IsModerator()
	rm.mu.Lock()
	gained := has && !rm.haveRight
	rm.haveRight = has
	rm.mu.Unlock()
	if !gained {
		return
	}
	if rm.authority != nil {
		for _, m := range rm.room.Members() {
			if m.RealJID().Equal(jid.JID{}) {
				continue
			}
			if _, ok := rm.authority.SessionForJID(m.RealJID()); ok {
				rm.grant(ctx, m)
			}
		}
	}
	if rm.autoOwner {
		rm.electOwner(ctx)
	}
}

// electOwner walks the members in join order and grants ownership to the
// first human that is not already an owner. A failed grant moves on to the
// next candidate.
func (rm *RoleManager) electOwner(ctx context.Context) {
	for _, m := range rm.room.Members() {
		if m.IsRobot() {
			continue
		}
		if m.Affiliation().IsOwner() {
			rm.mu.Lock()
			rm.owner = m.OccupantJID()
			rm.mu.Unlock()
			return
		}
		if rm.grant(ctx, m) {
			return
		}
	}
	rm.mu.Lock()
	rm.owner = jid.JID{}
	rm.mu.Unlock()
}

func (rm *RoleManager) grant(ctx context.Context, m xmpp.Member) bool {
	if err := rm.room.GrantOwnership(ctx, m.OccupantJID()); err != nil {
		logging.Warn(ctx, "Failed to grant ownership",
			zap.String("occupant", logging.RedactJID(m.OccupantJID().String())),
			zap.Error(err))
		return false
	}
	rm.mu.Lock()
	rm.owner = m.OccupantJID()
	rm.mu.Unlock()
	logging.Info(ctx, "Granted room ownership",
		zap.String("occupant", logging.RedactJID(m.OccupantJID().String())))
	return true
}

// Owner returns the occupant JID of the current elected owner, zero if none.
func (rm *RoleManager) Owner() jid.JID {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.owner
}
