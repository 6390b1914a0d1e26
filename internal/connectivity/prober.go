// Package connectivity classifies a peer's network reachability as PUBLIC,
// STUN or PROXY by asking game clients to exchange tagged UDP packets and
// waiting for evidence on the event bus.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/natlobby/natlobby/internal/eventbus"
	"github.com/natlobby/natlobby/internal/events"
	"github.com/natlobby/natlobby/internal/logging"
	"github.com/natlobby/natlobby/internal/metrics"
	"github.com/natlobby/natlobby/internal/protocol"
)

// Default evidence timeouts. Direct failure is the common case behind NAT,
// so the direct wait is short.
const (
	DefaultDirectTimeout  = 1 * time.Second
	DefaultRelayedTimeout = 4 * time.Second
)

// Evidence channels.
const (
	ChannelDirect  = "direct"
	ChannelRelayed = "relayed"
)

// Errors returned by the prober.
var (
	ErrNoToken      = errors.New("correlation token is required")
	ErrNoConnection = errors.New("peer game connection is required")
)

// GameConnection is the game-protocol channel to one player's client.
type GameConnection interface {
	// SendNatPacket asks the client to send payload in a UDP datagram to
	// target ("ip:port").
	SendNatPacket(ctx context.Context, target, payload string) error
}

// Peer describes the player being probed.
type Peer struct {
	Conn GameConnection // the peer's own game connection
	Host GameConnection // sends the direct probe; nil skips the direct channel
	Addr string         // claimed IP
	Port int            // claimed UDP port
}

// Config holds prober configuration.
type Config struct {
	Bus            *eventbus.Bus
	RelayAddr      string // public "ip:port" of the NAT relay listener
	DirectTimeout  time.Duration
	RelayedTimeout time.Duration
	Logger         *logging.Logger
	Emitter        events.Emitter // optional

	// OnPhase, if set, is called on every phase transition.
	OnPhase func(token string, phase Phase)
}

// Prober runs connectivity probes. It is safe for concurrent use; each
// probe owns its own subscription and timers.
type Prober struct {
	bus            *eventbus.Bus
	relayAddr      string
	directTimeout  time.Duration
	relayedTimeout time.Duration
	logger         *logging.Logger
	emitter        events.Emitter
	onPhase        func(string, Phase)
}

// New creates a prober.
func New(cfg Config) (*Prober, error) {
	if cfg.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if cfg.RelayAddr == "" {
		return nil, errors.New("relay address is required")
	}
	if _, _, err := net.SplitHostPort(cfg.RelayAddr); err != nil {
		return nil, fmt.Errorf("invalid relay address %q: %w", cfg.RelayAddr, err)
	}
	if cfg.DirectTimeout <= 0 {
		cfg.DirectTimeout = DefaultDirectTimeout
	}
	if cfg.RelayedTimeout <= 0 {
		cfg.RelayedTimeout = DefaultRelayedTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Prober{
		bus:            cfg.Bus,
		relayAddr:      cfg.RelayAddr,
		directTimeout:  cfg.DirectTimeout,
		relayedTimeout: cfg.RelayedTimeout,
		logger:         cfg.Logger.With("connectivity"),
		emitter:        events.OrNop(cfg.Emitter),
		onPhase:        cfg.OnPhase,
	}, nil
}

// DetermineConnectivity probes peer and classifies it.
//
// The direct channel is tried first and wins whenever its evidence arrives
// before DirectTimeout; the peer was then reached at its claimed address.
// A STUN result carries the source the relay observed. Relayed evidence
// that arrives meanwhile is kept and consumed once the probe moves on. A
// failed send instruction counts as no evidence on that channel. The only
// errors are invalid arguments and ctx ending (for example when the peer
// disconnects).
func (p *Prober) DetermineConnectivity(ctx context.Context, peer Peer, token string) (Result, error) {
	if token == "" {
		return Result{}, ErrNoToken
	}
	if peer.Conn == nil {
		return Result{}, ErrNoConnection
	}

	s := p.newSession(net.JoinHostPort(peer.Addr, strconv.Itoa(peer.Port)), token)
	sub := p.bus.Subscribe(s, []string{protocol.EventDirectPacket, protocol.EventRelayedPacket}, tokenFilter(token))
	defer sub.Close()

	// Arm before instructing the clients so no evidence is missed.
	sub.Arm(protocol.EventDirectPacket)
	sub.Arm(protocol.EventRelayedPacket)

	metrics.ProbesInFlight.Inc()
	defer metrics.ProbesInFlight.Dec()
	p.emitter.Emit(events.EventProbeStarted, events.ProbeStartedData{PeerAddr: s.target, Token: token})
	p.logger.Debug("Probing %s (token %s)", s.target, token)

	s.setPhase(PhaseAwaitingDirect)
	relayOK := p.send(ctx, peer.Conn, ChannelRelayed, p.relayAddr, protocol.RelayProbeMessage(token))
	directOK := false
	if peer.Host != nil {
		directOK = p.send(ctx, peer.Host, ChannelDirect, s.target, protocol.DirectProbeMessage(token))
	}

	if directOK {
		_, err := sub.WaitFor(ctx, protocol.EventDirectPacket, p.directTimeout)
		switch {
		case err == nil:
			return s.decide(Result{Addr: s.target, State: StatePublic}), nil
		case !errors.Is(err, eventbus.ErrTimeout):
			return Result{}, err
		}
		p.logger.Trace("No direct evidence from %s within %v", s.target, p.directTimeout)
	}

	s.setPhase(PhaseAwaitingRelayed)
	if relayOK {
		ev, err := sub.WaitFor(ctx, protocol.EventRelayedPacket, p.relayedTimeout)
		switch {
		case err == nil:
			addr, _ := evidence(ev)
			return s.decide(Result{Addr: addr, State: StateSTUN}), nil
		case !errors.Is(err, eventbus.ErrTimeout):
			return Result{}, err
		}
		p.logger.Trace("No relayed evidence for %s within %v", s.target, p.relayedTimeout)
	}

	return s.decide(Result{State: StateProxy}), nil
}

// send issues one delegated send instruction and reports whether it was
// accepted.
func (p *Prober) send(ctx context.Context, conn GameConnection, channel, target, payload string) bool {
	if err := conn.SendNatPacket(ctx, target, payload); err != nil {
		p.logger.Warn("Failed to send %s probe to %s: %v", channel, target, err)
		metrics.ProbeSendFailures.WithLabelValues(channel).Inc()
		return false
	}
	return true
}

// session is the subscription owner for one probe.
type session struct {
	eventbus.Router
	prober  *Prober
	target  string
	token   string
	started time.Time

	mu    sync.Mutex
	phase Phase
}

func (p *Prober) newSession(target, token string) *session {
	s := &session{prober: p, target: target, token: token, started: time.Now()}
	s.Route(protocol.EventDirectPacket, s.handleDirectPacket)
	s.Route(protocol.EventRelayedPacket, s.handleRelayedPacket)
	return s
}

func (s *session) handleDirectPacket(ev eventbus.Event) {
	s.record(ChannelDirect, ev)
}

func (s *session) handleRelayedPacket(ev eventbus.Event) {
	s.record(ChannelRelayed, ev)
}

func (s *session) record(channel string, ev eventbus.Event) {
	source, _ := evidence(ev)
	s.prober.logger.Debug("Probe %s: %s evidence from %s in phase %s", s.token, channel, source, s.Phase())
	metrics.ProbeEvidence.WithLabelValues(channel).Inc()
	s.prober.emitter.Emit(events.EventEvidence, events.EvidenceData{
		Channel:  channel,
		Source:   source,
		Token:    s.token,
		PeerAddr: s.target,
	})
}

func (s *session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *session) setPhase(phase Phase) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
	s.prober.logger.Trace("Probe %s: %s", s.token, phase)
	if s.prober.onPhase != nil {
		s.prober.onPhase(s.token, phase)
	}
}

func (s *session) decide(r Result) Result {
	s.setPhase(PhaseDecided)
	elapsed := time.Since(s.started)
	metrics.ObserveProbe(r.State.String(), elapsed)
	s.prober.emitter.Emit(events.EventProbeDecided, events.ProbeDecidedData{
		PeerAddr:   s.target,
		Token:      s.token,
		State:      r.State.String(),
		Addr:       r.Addr,
		DurationMs: float64(elapsed) / float64(time.Millisecond),
	})
	s.prober.logger.Info("Connectivity of %s: %s", s.target, r)
	return r
}

// evidence splits evidence arguments into (source, payload). The payload
// is the last argument; the source is the first when there are two or
// more.
func evidence(ev eventbus.Event) (source, payload string) {
	if len(ev.Args) == 0 {
		return "", ""
	}
	payload, _ = ev.Args[len(ev.Args)-1].(string)
	if len(ev.Args) > 1 {
		source, _ = ev.Args[0].(string)
	}
	return source, payload
}

func tokenFilter(token string) eventbus.Filter {
	return func(args []any) bool {
		_, payload := evidence(eventbus.Event{Args: args})
		return protocol.MatchToken(payload, token)
	}
}
