package colibri

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/confmesh/focus/internal/v1/source"
	"github.com/confmesh/focus/internal/v1/xmpp"
	"github.com/sony/gobreaker"
	"mellium.im/xmpp/jid"
)

// ErrBridgeUnavailable is returned without a round-trip while a bridge's
// breaker is open.
var ErrBridgeUnavailable = errors.New("colibri: bridge circuit open")

// Guard wraps a Conference with a circuit breaker so a bridge that stops
// answering fails allocations fast instead of stacking up timeouts. State
// changes are logged; the conference core treats ErrBridgeUnavailable like
// any other allocation failure and displaces the bridge's participants.
type Guard struct {
	inner Conference
	cb    *gobreaker.CircuitBreaker
}

// NewGuard wraps conf with a breaker tuned for stanza round-trips: trip
// after 5 consecutive failures, probe again after 30 seconds.
func NewGuard(conf Conference) *Guard {
	bridge := conf.Bridge()
	st := gobreaker.Settings{
		Name:        "colibri-" + bridge.String(),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				slog.Warn("COLIBRI circuit breaker opened", "bridge", bridge.String())
			case gobreaker.StateClosed:
				slog.Info("COLIBRI circuit breaker closed", "bridge", bridge.String())
			case gobreaker.StateHalfOpen:
				slog.Info("COLIBRI circuit breaker half-open", "bridge", bridge.String())
			}
		},
	}
	return &Guard{inner: conf, cb: gobreaker.NewCircuitBreaker(st)}
}

func (g *Guard) execute(op func() (any, error)) (any, error) {
	out, err := g.cb.Execute(op)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrBridgeUnavailable
	}
	return out, err
}

func (g *Guard) Bridge() jid.JID { return g.inner.Bridge() }

type createResult struct {
	info      *ChannelsInfo
	transport *xmpp.IceUdpTransport
}

func (g *Guard) CreateChannels(ctx context.Context, endpointID string, contents []xmpp.Content) (*ChannelsInfo, *xmpp.IceUdpTransport, error) {
	out, err := g.execute(func() (any, error) {
		info, transport, err := g.inner.CreateChannels(ctx, endpointID, contents)
		if err != nil {
			return nil, err
		}
		return createResult{info: info, transport: transport}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	res := out.(createResult)
	return res.info, res.transport, nil
}

func (g *Guard) UpdateChannels(ctx context.Context, req UpdateRequest) error {
	_, err := g.execute(func() (any, error) {
		return nil, g.inner.UpdateChannels(ctx, req)
	})
	return err
}

func (g *Guard) UpdateBundleTransport(ctx context.Context, transport *xmpp.IceUdpTransport, endpointID string) error {
	_, err := g.execute(func() (any, error) {
		return nil, g.inner.UpdateBundleTransport(ctx, transport, endpointID)
	})
	return err
}

func (g *Guard) UpdateSources(ctx context.Context, sources []source.Source, groups []source.Group, info *ChannelsInfo) error {
	_, err := g.execute(func() (any, error) {
		return nil, g.inner.UpdateSources(ctx, sources, groups, info)
	})
	return err
}

func (g *Guard) MuteParticipant(ctx context.Context, info *ChannelsInfo, mute bool) (bool, error) {
	out, err := g.execute(func() (any, error) {
		return g.inner.MuteParticipant(ctx, info, mute)
	})
	if err != nil {
		return false, err
	}
	return out.(bool), nil
}

func (g *Guard) ExpireChannels(ctx context.Context, info *ChannelsInfo) error {
	_, err := g.execute(func() (any, error) {
		return nil, g.inner.ExpireChannels(ctx, info)
	})
	return err
}

// ExpireConference bypasses the breaker: it is best-effort cleanup and must
// be attempted even when the bridge looks unhealthy.
func (g *Guard) ExpireConference(ctx context.Context) error {
	return g.inner.ExpireConference(ctx)
}

func (g *Guard) Dispose()            { g.inner.Dispose() }
func (g *Guard) SetGID(gid uint32)   { g.inner.SetGID(gid) }
func (g *Guard) SetName(name string) { g.inner.SetName(name) }

// GuardedFactory wraps every conference a factory produces with a Guard.
type GuardedFactory struct {
	inner Factory
}

// NewGuardedFactory decorates factory.
func NewGuardedFactory(factory Factory) *GuardedFactory {
	return &GuardedFactory{inner: factory}
}

func (f *GuardedFactory) NewConference(bridge jid.JID) Conference {
	return NewGuard(f.inner.NewConference(bridge))
}
