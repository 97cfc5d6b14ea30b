// Package xmpp defines the capability interfaces the conference core uses to
// talk to the outside world: the XMPP connection, MUC rooms, and Jingle
// signalling. The concrete stanza layer lives behind these interfaces; the
// core never parses or emits XML itself.
//
// The interfaces are deliberately small so tests can swap in fakes, the same
// way the session layer abstracts its connections behind wsConnection-style
// interfaces elsewhere in this codebase's lineage.
package xmpp

import (
	"context"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// ConnectionState reflects the transport's registration with the server.
type ConnectionState string

const (
	ConnectionRegistered   ConnectionState = "registered"
	ConnectionUnregistered ConnectionState = "unregistered"
)

// IQType mirrors the four XMPP IQ kinds.
type IQType string

const (
	IQTypeGet    IQType = "get"
	IQTypeSet    IQType = "set"
	IQTypeResult IQType = "result"
	IQTypeError  IQType = "error"
)

// IQ is the envelope delivered to registered handlers. Payload carries the
// decoded child element; its concrete type depends on the (element,
// namespace) pair the handler registered for.
type IQ struct {
	ID      string
	Type    IQType
	From    jid.JID
	To      jid.JID
	Payload any
}

// IQResult is what a handler returns. A nil Error means success and Payload
// (possibly nil) is sent back as the result child element.
type IQResult struct {
	Payload any
	Error   *stanza.Error
}

// IQErrorResult builds an error result with the given condition.
func IQErrorResult(typ stanza.ErrorType, condition stanza.Condition) IQResult {
	return IQResult{Error: &stanza.Error{Type: typ, Condition: condition}}
}

// IQHandler processes one inbound IQ. Handlers are invoked on transport
// dispatch goroutines and must not block on round-trips while holding
// conference locks.
type IQHandler func(ctx context.Context, iq IQ) IQResult

// HandlerID identifies a registered IQ handler for later removal.
type HandlerID struct {
	Element   string
	Namespace string
	Type      IQType
}

// Transport is the connection to the XMPP server. Implementations own
// reconnection, stream management, and stanza codec concerns.
type Transport interface {
	// RegisterIQHandler routes inbound IQs matching (element, namespace,
	// type) to the handler, replacing any previous registration.
	RegisterIQHandler(id HandlerID, h IQHandler)
	// UnregisterIQHandler removes a registration. Unknown ids are ignored.
	UnregisterIQHandler(id HandlerID)

	// SendIQ sends an IQ and awaits the reply, honouring ctx for timeout
	// and cancellation.
	SendIQ(ctx context.Context, iq IQ) (IQ, error)
	// SendIQAsync sends an IQ and invokes exactly one of the callbacks when
	// the reply (or a transport failure) arrives.
	SendIQAsync(iq IQ, onResult func(IQ), onError func(error))

	// State returns the current connection state.
	State() ConnectionState
	// AddStateListener subscribes to state transitions and returns an
	// unsubscribe function. The listener also fires immediately with the
	// current state.
	AddStateListener(func(ConnectionState)) func()
}

// RoomProvider resolves MUC rooms on this transport.
type RoomProvider interface {
	GetRoom(roomJID jid.JID) (Room, error)
}
