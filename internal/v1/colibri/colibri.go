// Package colibri models the focus side of the COLIBRI conference-control
// channel to a videobridge. The core drives channel allocation and updates
// through the Conference interface; the concrete IQ codec lives behind it.
package colibri

import (
	"context"
	"sync"

	"github.com/confmesh/focus/internal/v1/source"
	"github.com/confmesh/focus/internal/v1/xmpp"
	"mellium.im/xmpp/jid"
)

// Direction is the RTP direction of an allocated channel.
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
)

// ChannelsInfo is the focus-side record of the channels a bridge allocated
// for one endpoint. Direction flips when the endpoint is muted.
type ChannelsInfo struct {
	mu sync.Mutex

	// ID is the bridge-assigned channel bundle id.
	ID string
	// Endpoint is the endpoint id (MUC nickname) the channels belong to.
	Endpoint string

	directions map[source.MediaType]Direction
	// Sources allocated by the bridge for this endpoint (e.g. the mixer
	// SSRC the endpoint should use).
	BridgeSources []source.Source
}

// NewChannelsInfo builds a record with sendrecv directions for the given
// media types.
func NewChannelsInfo(id, endpoint string, mediaTypes ...source.MediaType) *ChannelsInfo {
	ci := &ChannelsInfo{ID: id, Endpoint: endpoint, directions: make(map[source.MediaType]Direction)}
	for _, mt := range mediaTypes {
		ci.directions[mt] = DirectionSendRecv
	}
	return ci
}

// Direction returns the current direction for a media type, defaulting to
// sendrecv.
func (ci *ChannelsInfo) Direction(mt source.MediaType) Direction {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if d, ok := ci.directions[mt]; ok {
		return d
	}
	return DirectionSendRecv
}

// SetDirection records a direction change for a media type.
func (ci *ChannelsInfo) SetDirection(mt source.MediaType, d Direction) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if ci.directions == nil {
		ci.directions = make(map[source.MediaType]Direction)
	}
	ci.directions[mt] = d
}

// UpdateRequest carries everything updateChannels pushes to the bridge for
// one endpoint.
type UpdateRequest struct {
	ChannelsInfo    *ChannelsInfo
	RTPDescriptions []xmpp.RTPDescription
	Sources         []source.Source
	Groups          []source.Group
	BundleTransport *xmpp.IceUdpTransport
	EndpointID      string
	// Relays is the remote relay list for Octo endpoints, nil otherwise.
	Relays []string
}

// Conference is one COLIBRI conference on one bridge. Methods that issue a
// stanza and await the reply block the calling goroutine; callers must not
// hold conference locks across them.
type Conference interface {
	// Bridge returns the JID of the bridge this conference lives on.
	Bridge() jid.JID

	// CreateChannels allocates channels for an endpoint and returns the
	// bridge's record of them, including bridge-allocated sources and the
	// bundle transport the endpoint should connect to.
	CreateChannels(ctx context.Context, endpointID string, contents []xmpp.Content) (*ChannelsInfo, *xmpp.IceUdpTransport, error)

	UpdateChannels(ctx context.Context, req UpdateRequest) error
	UpdateBundleTransport(ctx context.Context, transport *xmpp.IceUdpTransport, endpointID string) error
	UpdateSources(ctx context.Context, sources []source.Source, groups []source.Group, info *ChannelsInfo) error

	// MuteParticipant asks the bridge to stop accepting media from the
	// endpoint. Returns false when the bridge refused.
	MuteParticipant(ctx context.Context, info *ChannelsInfo, mute bool) (bool, error)

	ExpireChannels(ctx context.Context, info *ChannelsInfo) error
	ExpireConference(ctx context.Context) error
	// Dispose drops local state without a round-trip; used when the bridge
	// is already known dead.
	Dispose()

	SetGID(gid uint32)
	SetName(name string)
}

// Factory creates COLIBRI conferences on demand, one per (conference,
// bridge) pair.
type Factory interface {
	NewConference(bridge jid.JID) Conference
}
