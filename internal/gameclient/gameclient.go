// Package gameclient is a minimal UDP endpoint that behaves like a game
// client during NAT probing: it sends identification packets on request,
// reports probe packets it receives, and collects relay acknowledgements.
//
// The server uses it for self-tests; operators use it to ping a relay.
package gameclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/natlobby/natlobby/internal/logging"
	"github.com/natlobby/natlobby/internal/protocol"
)

// Configuration constants.
const (
	// ReadTimeout bounds each read so Run can observe shutdown.
	ReadTimeout = 100 * time.Millisecond
)

// Ping retries with backoff: 250ms, 500ms, 1s, 2s (then stays at 2s).
var pingBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
}

// Errors returned by the client.
var (
	ErrClosed     = errors.New("game client closed")
	ErrNotRunning = errors.New("game client is not running")
)

// ReportFunc receives a probe packet's source ("ip:port") and text.
type ReportFunc func(source, payload string)

// Config holds client configuration.
type Config struct {
	Host   string // Address to bind ("" = all interfaces)
	Port   uint16 // UDP port to bind (0 = system-assigned)
	Logger *logging.Logger
}

// Client owns one UDP socket.
type Client struct {
	conn    *net.UDPConn
	logger  *logging.Logger
	readBuf []byte
	acks    chan *net.UDPAddr

	mu      sync.Mutex
	running bool
	closed  bool
}

// New binds the client socket.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	laddr := &net.UDPAddr{Port: int(cfg.Port)}
	if cfg.Host != "" {
		laddr.IP = net.ParseIP(cfg.Host)
		if laddr.IP == nil {
			return nil, fmt.Errorf("invalid bind address %q", cfg.Host)
		}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind game client socket: %w", err)
	}
	return &Client{
		conn:    conn,
		logger:  cfg.Logger.With("gameclient"),
		readBuf: make([]byte, protocol.MaxPacketSize),
		acks:    make(chan *net.UDPAddr, 8),
	}, nil
}

// LocalAddr returns the bound socket address.
func (c *Client) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// SendNatPacket sends payload to target ("ip:port") as an identification
// packet.
func (c *Client) SendNatPacket(ctx context.Context, target, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", target, err)
	}
	pkt, err := protocol.EncodeIdentification(payload)
	if err != nil {
		return err
	}
	if _, err := c.conn.WriteToUDP(pkt, addr); err != nil {
		return fmt.Errorf("send to %s: %w", target, err)
	}
	c.logger.Trace("Sent %q to %s", payload, target)
	return nil
}

// Run reads datagrams until ctx ends or the client is closed. Probe
// packets are passed to report; acknowledgements are queued for Ping.
func (c *Client) Run(ctx context.Context, report ReportFunc) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
			if c.isClosed() {
				return nil
			}
			return err
		}
		n, addr, err := c.conn.ReadFromUDP(c.readBuf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if c.isClosed() {
				return nil
			}
			return err
		}

		data := c.readBuf[:n]
		if protocol.IsAck(data) {
			select {
			case c.acks <- addr:
			default:
			}
			continue
		}
		pkt, err := protocol.Decode(data)
		if err != nil {
			c.logger.Debug("Ignoring datagram from %s: %v", addr, err)
			continue
		}
		if report != nil {
			report(addr.String(), pkt.Text)
		}
	}
}

// Ping sends an identification packet to relay and waits for its
// acknowledgement, retrying with backoff until ctx ends. Run must be
// active. Acknowledgements from other addresses, and ones left over from
// earlier attempts, are discarded. It returns the round-trip time of the
// acknowledged attempt.
func (c *Client) Ping(ctx context.Context, relay, payload string) (time.Duration, error) {
	if !c.Running() {
		return 0, ErrNotRunning
	}
	relayAddr, err := net.ResolveUDPAddr("udp", relay)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", relay, err)
	}

	for attempt := 0; ; attempt++ {
		c.drainAcks()
		start := time.Now()
		if err := c.SendNatPacket(ctx, relayAddr.String(), payload); err != nil {
			return 0, err
		}

		wait := pingBackoff[min(attempt, len(pingBackoff)-1)]
		timer := time.NewTimer(wait)
	await:
		for {
			select {
			case from := <-c.acks:
				if !sameAddr(from, relayAddr) {
					c.logger.Debug("Ignoring acknowledgement from %s", from)
					continue
				}
				timer.Stop()
				return time.Since(start), nil
			case <-timer.C:
				c.logger.Debug("No acknowledgement from %s after %v, retrying", relay, wait)
				break await
			case <-ctx.Done():
				timer.Stop()
				return 0, ctx.Err()
			}
		}
	}
}

func (c *Client) drainAcks() {
	for {
		select {
		case <-c.acks:
		default:
			return
		}
	}
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// Running reports whether Run is active.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the socket. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
