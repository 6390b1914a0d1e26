// Package lobby exposes per-player connectivity testing to the game lobby:
// it mints correlation tokens, runs probes, remembers results and cancels
// probes when a player disconnects.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/natlobby/natlobby/internal/connectivity"
	"github.com/natlobby/natlobby/internal/eventbus"
	"github.com/natlobby/natlobby/internal/logging"
	"github.com/natlobby/natlobby/internal/protocol"
)

// DefaultCacheSize is the number of player results kept.
const DefaultCacheSize = 1024

// Errors returned by the service.
var (
	ErrProbeInFlight = errors.New("connectivity probe already in flight")
	ErrNoPlayerID    = errors.New("player id is required")
)

// Prober runs one connectivity probe.
type Prober interface {
	DetermineConnectivity(ctx context.Context, peer connectivity.Peer, token string) (connectivity.Result, error)
}

// Player is a connected lobby player.
type Player struct {
	ID   string
	Conn connectivity.GameConnection
	Host connectivity.GameConnection // game host that sends the direct probe
	Addr string
	Port int
}

// Config holds service configuration.
type Config struct {
	Prober    Prober
	Bus       *eventbus.Bus
	CacheSize int
	Logger    *logging.Logger
}

type inflight struct {
	token  string
	cancel context.CancelFunc
}

// Service tracks connectivity per player.
type Service struct {
	prober Prober
	bus    *eventbus.Bus
	cache  *lru.Cache[string, connectivity.Result]
	logger *logging.Logger

	mu      sync.Mutex
	running map[string]*inflight
}

// New creates a service.
func New(cfg Config) (*Service, error) {
	if cfg.Prober == nil {
		return nil, errors.New("prober is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	cache, err := lru.New[string, connectivity.Result](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}
	return &Service{
		prober:  cfg.Prober,
		bus:     cfg.Bus,
		cache:   cache,
		logger:  cfg.Logger.With("lobby"),
		running: make(map[string]*inflight),
	}, nil
}

// Test returns the player's connectivity, probing unless a result is
// already known.
func (s *Service) Test(ctx context.Context, p Player) (connectivity.Result, error) {
	if p.ID == "" {
		return connectivity.Result{}, ErrNoPlayerID
	}
	if r, ok := s.cache.Get(p.ID); ok {
		return r, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := &inflight{token: uuid.NewString(), cancel: cancel}

	s.mu.Lock()
	if _, busy := s.running[p.ID]; busy {
		s.mu.Unlock()
		return connectivity.Result{}, ErrProbeInFlight
	}
	s.running[p.ID] = run
	s.mu.Unlock()

	s.logger.Debug("Testing connectivity of player %s (token %s)", p.ID, run.token)
	r, err := s.prober.DetermineConnectivity(ctx, connectivity.Peer{
		Conn: p.Conn,
		Host: p.Host,
		Addr: p.Addr,
		Port: p.Port,
	}, run.token)

	s.mu.Lock()
	current := s.running[p.ID] == run
	if current {
		delete(s.running, p.ID)
	}
	s.mu.Unlock()

	if err != nil {
		return connectivity.Result{}, fmt.Errorf("player %s: %w", p.ID, err)
	}
	if current {
		s.cache.Add(p.ID, r)
	}
	return r, nil
}

// Result returns the cached result for a player.
func (s *Service) Result(playerID string) (connectivity.Result, bool) {
	return s.cache.Get(playerID)
}

// Disconnect cancels the player's in-flight probe and forgets their result.
func (s *Service) Disconnect(playerID string) {
	s.mu.Lock()
	run, ok := s.running[playerID]
	delete(s.running, playerID)
	s.mu.Unlock()

	if ok {
		s.logger.Debug("Cancelling probe %s for disconnected player %s", run.token, playerID)
		run.cancel()
	}
	s.cache.Remove(playerID)
}

// ReportDirectPacket records that a client received a probe packet from
// source ("ip:port").
func (s *Service) ReportDirectPacket(source, payload string) error {
	return s.bus.Publish(protocol.EventDirectPacket, source, payload)
}

// InFlight returns the number of running probes.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}
