// Package auth defines the contract for an external authentication
// authority. The focus consults it to decide which room members carry an
// authenticated identity and should therefore be granted ownership.
//
// The abstraction mirrors the token-validator boundary used elsewhere in
// this codebase's lineage: a narrow interface so tests can install fakes
// that simulate authenticated and anonymous members.
package auth

import "mellium.im/xmpp/jid"

// Authority answers whether a JID holds an active authentication session.
type Authority interface {
	// SessionForJID returns the session id for the given real JID, or
	// false when the JID is not authenticated.
	SessionForJID(j jid.JID) (string, bool)

	// AddListener subscribes to authentication events and returns an
	// unsubscribe function. The callback fires when a JID completes
	// authentication, with its identity and session id.
	AddListener(func(j jid.JID, identity, sessionID string)) func()

	// LoginURL builds the URL a client should visit to authenticate for
	// the given room. machineID ties the resulting session to the client
	// instance; popup selects the popup flow.
	LoginURL(room jid.JID, machineID string, popup bool) (string, error)

	// Logout destroys the given session and returns the logout URL the
	// client should be redirected to, if any.
	Logout(sessionID string) (string, error)
}
