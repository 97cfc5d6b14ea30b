package xmpp

import (
	"context"

	"k8s.io/utils/set"
	"mellium.im/xmpp/jid"
)

// Role is the MUC role of an occupant, scoped to the room session.
type Role string

const (
	RoleNone        Role = "none"
	RoleVisitor     Role = "visitor"
	RoleParticipant Role = "participant"
	RoleModerator   Role = "moderator"
)

// Affiliation is the long-lived MUC affiliation of an occupant.
type Affiliation string

const (
	AffiliationNone   Affiliation = "none"
	AffiliationMember Affiliation = "member"
	AffiliationAdmin  Affiliation = "admin"
	AffiliationOwner  Affiliation = "owner"
)

// IsModerator reports whether the role grants moderation rights.
func (r Role) IsModerator() bool { return r == RoleModerator }

// IsOwner reports whether the affiliation grants ownership rights.
func (a Affiliation) IsOwner() bool { return a == AffiliationOwner }

// Feature is a client capability advertised by a member, discovered from its
// presence and disco#info.
type Feature string

const (
	FeatureAudio     Feature = "audio"
	FeatureVideo     Feature = "video"
	FeatureBundle    Feature = "bundle"
	FeatureDTLS      Feature = "dtls"
	FeatureICE       Feature = "ice"
	FeatureRTX       Feature = "rtx"
	FeatureSCTP      Feature = "sctp"
	FeatureAudioMute Feature = "audio-mute"
	FeatureTCC       Feature = "tcc"
	FeatureREMB      Feature = "remb"
	FeatureOpusRed   Feature = "opus-red"
	FeatureLipSync   Feature = "lip-sync"
	FeatureJigasi    Feature = "jigasi"
	FeatureJibri     Feature = "jibri"
)

// FeatureSet is the set of features a member supports.
type FeatureSet = set.Set[Feature]

// DefaultFeatures is what we assume for members that never answered a
// disco#info query.
func DefaultFeatures() FeatureSet {
	return set.New(FeatureAudio, FeatureVideo, FeatureBundle, FeatureDTLS, FeatureICE)
}

// StartMutedPolicy is the room-wide "start muted" pair a moderator may
// announce via a presence extension.
type StartMutedPolicy struct {
	Audio bool
	Video bool
}

// Member is one occupant of a MUC room as seen in presence.
type Member interface {
	// OccupantJID is the full room address (room@muc/nick).
	OccupantJID() jid.JID
	// RealJID is the member's account address, zero if the room is
	// anonymous or the member is not yet identified.
	RealJID() jid.JID
	// Nick is the room-local nickname; it doubles as the endpoint id on the
	// bridge.
	Nick() string
	Role() Role
	Affiliation() Affiliation
	// JoinOrder is the 1-indexed position assigned by the MUC when the
	// member joined.
	JoinOrder() int
	// IsRobot reports whether the member is a machine occupant (SIP
	// gateway, recorder) that never gets elected owner.
	IsRobot() bool
	// Region is the member's region hint for bridge selection, empty when
	// unknown.
	Region() string
	Features() FeatureSet
	// StartMutedPolicy returns the start-muted pair carried in this
	// member's presence, if any. Only honoured from moderators.
	StartMutedPolicy() (StartMutedPolicy, bool)
}

// RoomListener receives room membership callbacks. Callbacks arrive on
// transport dispatch goroutines.
type RoomListener interface {
	MemberJoined(m Member)
	MemberLeft(m Member)
	MemberKicked(m Member)
	// LocalRoleChanged fires when the focus's own role in the room changes.
	LocalRoleChanged(role Role, affiliation Affiliation)
}

// PresenceExtension is an opaque child element of the focus's own presence
// in the room.
type PresenceExtension struct {
	Element   string
	Namespace string
	Payload   any
}

// Well-known presence extensions the focus announces.
const (
	ExtBridgeNotAvailable = "bridge-not-available"
	ExtSharedDocument     = "shared-document"
	ExtFocusNamespace     = "http://confmesh.im/focus"
)

// Room is one MUC room joined by the focus.
type Room interface {
	JID() jid.JID
	Join(ctx context.Context) error
	Leave(ctx context.Context) error
	Destroy(ctx context.Context, reason string) error

	// Members returns a point-in-time snapshot of the occupants, excluding
	// the focus itself, in join order.
	Members() []Member
	FindMember(occupant jid.JID) (Member, bool)
	MemberCount() int

	// GrantOwnership promotes the member with the given real or occupant
	// JID to owner affiliation.
	GrantOwnership(ctx context.Context, j jid.JID) error

	AddPresenceExtension(ext PresenceExtension)
	RemovePresenceExtension(element, namespace string)

	// SetListener installs the single listener for membership callbacks.
	SetListener(l RoomListener)
}
