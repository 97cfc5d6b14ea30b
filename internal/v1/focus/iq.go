package focus

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/confmesh/focus/internal/v1/auth"
	"github.com/confmesh/focus/internal/v1/logging"
	"github.com/confmesh/focus/internal/v1/source"
	"github.com/confmesh/focus/internal/v1/xmpp"
)

// dialAttempts is how many gateways a dial is tried against before giving
// up with a remote-server-timeout.
const dialAttempts = 2

// IQService is the focus's IQ surface: mute, rayo dial forwarding, the
// conference bootstrap request, and the authentication URLs. It translates
// core error kinds into wire error conditions.
type IQService struct {
	registry  *ConferenceRegistry
	transport xmpp.Transport
	authority auth.Authority
	focusJID  jid.JID

	gateways []jid.JID
	nextGw   atomic.Uint64

	handlerIDs []xmpp.HandlerID
}

// NewIQService builds the service. gateways lists the SIP gateway JIDs dial
// requests are forwarded to; authority may be nil.
func NewIQService(registry *ConferenceRegistry, transport xmpp.Transport, authority auth.Authority, gateways []jid.JID, focusJID jid.JID) *IQService {
	return &IQService{
		registry:  registry,
		transport: transport,
		authority: authority,
		focusJID:  focusJID,
		gateways:  gateways,
	}
}

// Start registers every IQ handler.
func (s *IQService) Start() {
	s.register(xmpp.HandlerID{Element: xmpp.ElementMuteAudio, Namespace: xmpp.NamespaceMuteAudio, Type: xmpp.IQTypeSet},
		s.instrument("mute_audio", s.handleMute(source.MediaTypeAudio)))
	s.register(xmpp.HandlerID{Element: xmpp.ElementMuteVideo, Namespace: xmpp.NamespaceMuteVideo, Type: xmpp.IQTypeSet},
		s.instrument("mute_video", s.handleMute(source.MediaTypeVideo)))
	s.register(xmpp.HandlerID{Element: xmpp.ElementDial, Namespace: xmpp.NamespaceRayo, Type: xmpp.IQTypeSet},
		s.instrument("dial", s.handleDial))
	s.register(xmpp.HandlerID{Element: xmpp.ElementConferenceRequest, Namespace: xmpp.NamespaceConference, Type: xmpp.IQTypeSet},
		s.instrument("conference", s.handleConferenceRequest))
	s.register(xmpp.HandlerID{Element: xmpp.ElementLoginURL, Namespace: xmpp.NamespaceAuth, Type: xmpp.IQTypeGet},
		s.instrument("login_url", s.handleLoginURL))
	s.register(xmpp.HandlerID{Element: xmpp.ElementLogout, Namespace: xmpp.NamespaceAuth, Type: xmpp.IQTypeSet},
		s.instrument("logout", s.handleLogout))
}

// Stop unregisters every handler.
func (s *IQService) Stop() {
	for _, id := range s.handlerIDs {
		s.transport.UnregisterIQHandler(id)
	}
	s.handlerIDs = nil
}

func (s *IQService) register(id xmpp.HandlerID, h xmpp.IQHandler) {
	s.transport.RegisterIQHandler(id, h)
	s.handlerIDs = append(s.handlerIDs, id)
}

func (s *IQService) instrument(kind string, h xmpp.IQHandler) xmpp.IQHandler {
	return func(ctx context.Context, iq xmpp.IQ) xmpp.IQResult {
		res := h(ctx, iq)
		outcome := "ok"
		if res.Error != nil {
			outcome = string(res.Error.Condition)
		}
		iqRequestsTotal.WithLabelValues(kind, outcome).Inc()
		return res
	}
}

func (s *IQService) handleMute(mt source.MediaType) xmpp.IQHandler {
	return func(ctx context.Context, iq xmpp.IQ) xmpp.IQResult {
		req, ok := iq.Payload.(*xmpp.MuteRequest)
		if !ok {
			return xmpp.IQErrorResult(stanza.Cancel, stanza.BadRequest)
		}
		room := req.Room
		if room.String() == "" {
			room = req.Target.Bare()
		}
		c, found := s.registry.Get(room)
		if !found {
			return xmpp.IQErrorResult(stanza.Cancel, stanza.ItemNotFound)
		}
		err := c.HandleMuteRequest(ctx, iq.From, req.Target, mt, req.Mute)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotAllowed):
			return xmpp.IQErrorResult(stanza.Auth, stanza.NotAllowed)
		case errors.Is(err, ErrParticipantNotFound):
			return xmpp.IQErrorResult(stanza.Cancel, stanza.ItemNotFound)
		default:
			logging.Error(ctx, "Mute request failed", zap.Error(err))
			return xmpp.IQErrorResult(stanza.Wait, stanza.InternalServerError)
		}
		// Mutes applied by someone else are mirrored to the target so its
		// client updates immediately.
		if !iq.From.Equal(req.Target) {
			s.transport.SendIQAsync(xmpp.IQ{
				Type:    xmpp.IQTypeSet,
				From:    s.focusJID,
				To:      req.Target,
				Payload: &xmpp.MuteNotify{Actor: iq.From, MediaType: mt, Mute: req.Mute},
			}, func(xmpp.IQ) {}, func(err error) {
				logging.Warn(ctx, "Failed to mirror mute", zap.Error(err))
			})
		}
		return xmpp.IQResult{}
	}
}

// handleDial forwards a rayo dial from a moderator to a SIP gateway. Each
// attempt goes to the next gateway in round-robin order.
func (s *IQService) handleDial(ctx context.Context, iq xmpp.IQ) xmpp.IQResult {
	req, ok := iq.Payload.(*xmpp.DialRequest)
	if !ok {
		return xmpp.IQErrorResult(stanza.Cancel, stanza.BadRequest)
	}
	c, found := s.registry.Get(req.Room)
	if !found {
		return xmpp.IQErrorResult(stanza.Cancel, stanza.ItemNotFound)
	}
	room := c.Room()
	if room == nil {
		return xmpp.IQErrorResult(stanza.Wait, stanza.ServiceUnavailable)
	}
	m, isMember := room.FindMember(iq.From)
	if !isMember {
		return xmpp.IQErrorResult(stanza.Auth, stanza.Forbidden)
	}
	if !m.Role().IsModerator() {
		return xmpp.IQErrorResult(stanza.Auth, stanza.NotAllowed)
	}
	if len(s.gateways) == 0 {
		return xmpp.IQErrorResult(stanza.Cancel, stanza.ServiceUnavailable)
	}

	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		gw := s.gateways[int(s.nextGw.Add(1)-1)%len(s.gateways)]
		reply, err := s.transport.SendIQ(ctx, xmpp.IQ{
			Type:    xmpp.IQTypeSet,
			From:    s.focusJID,
			To:      gw,
			Payload: req,
		})
		if err == nil {
			return xmpp.IQResult{Payload: reply.Payload}
		}
		lastErr = err
		logging.Warn(ctx, "Dial attempt failed",
			zap.String("gateway", gw.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	logging.Error(ctx, "Dial failed on all gateways", zap.Error(lastErr))
	return xmpp.IQErrorResult(stanza.Wait, stanza.RemoteServerTimeout)
}

// handleConferenceRequest ensures a conference exists for the room and
// reports whether the focus has joined it.
func (s *IQService) handleConferenceRequest(ctx context.Context, iq xmpp.IQ) xmpp.IQResult {
	req, ok := iq.Payload.(*xmpp.ConferenceRequest)
	if !ok {
		return xmpp.IQErrorResult(stanza.Cancel, stanza.BadRequest)
	}
	c, err := s.registry.ConferenceFor(req.Room)
	switch {
	case err == nil:
	case errors.Is(err, ErrShutdownInProgress):
		return xmpp.IQErrorResult(stanza.Cancel, stanza.ServiceUnavailable)
	default:
		logging.Error(ctx, "Failed to create conference", zap.Error(err))
		return xmpp.IQErrorResult(stanza.Wait, stanza.InternalServerError)
	}
	st := c.State()
	return xmpp.IQResult{Payload: &xmpp.ConferenceResponse{
		Room:      c.RoomJID(),
		Ready:     st == StateIdle || st == StateActive,
		FocusJID:  s.focusJID,
		MeetingID: c.MeetingID(),
	}}
}

func (s *IQService) handleLoginURL(ctx context.Context, iq xmpp.IQ) xmpp.IQResult {
	if s.authority == nil {
		return xmpp.IQErrorResult(stanza.Cancel, stanza.ServiceUnavailable)
	}
	req, ok := iq.Payload.(*xmpp.LoginURLRequest)
	if !ok {
		return xmpp.IQErrorResult(stanza.Cancel, stanza.BadRequest)
	}
	url, err := s.authority.LoginURL(req.Room, req.MachineID, req.PopupAllowed)
	if err != nil {
		logging.Error(ctx, "Failed to build login URL", zap.Error(err))
		return xmpp.IQErrorResult(stanza.Wait, stanza.InternalServerError)
	}
	return xmpp.IQResult{Payload: &xmpp.LoginURLResponse{URL: url}}
}

func (s *IQService) handleLogout(ctx context.Context, iq xmpp.IQ) xmpp.IQResult {
	if s.authority == nil {
		return xmpp.IQErrorResult(stanza.Cancel, stanza.ServiceUnavailable)
	}
	req, ok := iq.Payload.(*xmpp.LogoutRequest)
	if !ok {
		return xmpp.IQErrorResult(stanza.Cancel, stanza.BadRequest)
	}
	url, err := s.authority.Logout(req.SessionID)
	if err != nil {
		logging.Error(ctx, "Logout failed", zap.Error(err))
		return xmpp.IQErrorResult(stanza.Wait, stanza.InternalServerError)
	}
	return xmpp.IQResult{Payload: &xmpp.LoginURLResponse{URL: url}}
}
