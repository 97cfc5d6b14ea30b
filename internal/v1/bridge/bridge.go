// Package bridge defines the handles and contracts the conference core uses
// to work with videobridges: the bridge descriptor, the selector that picks
// a bridge for a participant, and the fan-out of bridge health events.
//
// Bridge discovery and health probing live behind the Selector; the core
// only consumes its answers.
package bridge

import "mellium.im/xmpp/jid"

// Bridge describes one videobridge known to the selector. Bridges compare
// by JID.
type Bridge struct {
	// JID addresses the bridge's COLIBRI endpoint.
	JID jid.JID
	// RelayID identifies the bridge in inter-bridge (Octo) relay wiring,
	// empty when the bridge does not participate in relays.
	RelayID string
	// Region is the deployment region hint, empty when unknown.
	Region string
}

// IsZero reports whether the handle is empty.
func (b Bridge) IsZero() bool {
	return b.JID.String() == ""
}

// Equal compares bridges by JID.
func (b Bridge) Equal(other Bridge) bool {
	return b.JID.Equal(other.JID)
}

// ConferenceView is what a conference exposes to the selector: the bridges
// it already uses, so the selector can prefer co-locating participants.
type ConferenceView struct {
	Bridges []Bridge
}

// Regions returns the distinct regions of the placed bridges.
func (v ConferenceView) Regions() []string {
	seen := make(map[string]struct{}, len(v.Bridges))
	var out []string
	for _, b := range v.Bridges {
		if b.Region == "" {
			continue
		}
		if _, ok := seen[b.Region]; ok {
			continue
		}
		seen[b.Region] = struct{}{}
		out = append(out, b.Region)
	}
	return out
}

// Selector picks bridges for participants. Preference order: the
// participant's own region, then any region already present in the
// conference, then least loaded. The load metric is the selector's own
// business.
type Selector interface {
	// SelectBridge returns the bridge to place a participant on, or false
	// when no operational bridge exists.
	SelectBridge(view ConferenceView, participantRegion string) (Bridge, bool)
	// GetBridge resolves a bridge by JID.
	GetBridge(j jid.JID) (Bridge, bool)
	// UpdateOperationalStatus reports an observed health change, e.g. a
	// failed allocation.
	UpdateOperationalStatus(j jid.JID, alive bool)
}
