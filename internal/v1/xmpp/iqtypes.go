package xmpp

import (
	"github.com/confmesh/focus/internal/v1/source"
	"mellium.im/xmpp/jid"
)

// Decoded IQ payloads for the focus's wire surface. The transport decodes
// the child element into one of these before invoking the handler.

// Namespaces and element names the focus registers handlers for.
const (
	ElementMuteAudio         = "mute"
	NamespaceMuteAudio       = "http://jitsi.org/jitmeet/audio"
	ElementMuteVideo         = "mute"
	NamespaceMuteVideo       = "http://jitsi.org/jitmeet/video"
	ElementDial              = "dial"
	NamespaceRayo            = "urn:xmpp:rayo:1"
	ElementConferenceRequest = "conference"
	NamespaceConference      = "http://jitsi.org/protocol/focus"
	ElementLoginURL          = "login-url"
	ElementLogout            = "logout"
	NamespaceAuth            = "http://jitsi.org/protocol/focus/auth"
)

// MuteRequest asks the focus to mute or unmute a conference member.
type MuteRequest struct {
	Room      jid.JID
	Target    jid.JID
	MediaType source.MediaType
	Mute      bool
}

// MuteNotify mirrors an accepted mute back to the affected member.
type MuteNotify struct {
	Actor     jid.JID
	MediaType source.MediaType
	Mute      bool
}

// DialRequest is a rayo dial the focus forwards to a SIP gateway.
type DialRequest struct {
	Room        jid.JID
	From        string
	To          string
	Headers     map[string]string
	OriginalRaw any
}

// ConferenceRequest asks the focus to ensure a conference exists for a room.
type ConferenceRequest struct {
	Room       jid.JID
	Properties map[string]string
}

// ConferenceResponse reports room status back to the requester.
type ConferenceResponse struct {
	Room      jid.JID
	Ready     bool
	FocusJID  jid.JID
	MeetingID string
}

// LoginURLRequest asks for an authentication URL for a room.
type LoginURLRequest struct {
	Room         jid.JID
	MachineID    string
	PopupAllowed bool
}

// LoginURLResponse carries the URL back.
type LoginURLResponse struct {
	URL string
}

// LogoutRequest ends an authentication session.
type LogoutRequest struct {
	SessionID string
}
