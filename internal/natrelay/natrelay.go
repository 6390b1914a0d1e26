// Package natrelay implements the UDP listener on the well-known NAT relay
// port. Identification packets are acknowledged and republished on the
// event bus for connectivity probes to consume.
package natrelay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/natlobby/natlobby/internal/eventbus"
	"github.com/natlobby/natlobby/internal/events"
	"github.com/natlobby/natlobby/internal/logging"
	"github.com/natlobby/natlobby/internal/metrics"
	"github.com/natlobby/natlobby/internal/protocol"
)

// Configuration constants.
const (
	// DefaultPort is the well-known relay port.
	DefaultPort = 30351
	// DefaultReadBuffer is the default UDP socket read buffer size.
	DefaultReadBuffer = 65536
	// ReadTimeout bounds each read so Serve can observe shutdown.
	ReadTimeout = 100 * time.Millisecond
)

// Errors returned by the listener.
var (
	ErrSocket         = errors.New("relay socket error")
	ErrClosed         = errors.New("relay listener closed")
	ErrAlreadyServing = errors.New("relay listener already serving")
)

// Config holds listener configuration.
type Config struct {
	Host    string // Address to bind ("" = all interfaces)
	Port    uint16 // UDP port to bind (0 = system-assigned)
	Bus     *eventbus.Bus
	Logger  *logging.Logger
	Emitter events.Emitter // optional
}

// Listener owns the relay UDP socket.
type Listener struct {
	conn    *net.UDPConn
	bus     *eventbus.Bus
	logger  *logging.Logger
	emitter events.Emitter
	readBuf []byte

	mu      sync.Mutex
	serving bool
	done    chan struct{} // closed when Serve returns
	stop    chan struct{}
	closed  bool
}

// New binds the relay socket. A bind failure is returned as is; the caller
// decides whether to retry or shut down.
func New(cfg Config) (*Listener, error) {
	if cfg.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}

	addr := &net.UDPAddr{Port: int(cfg.Port)}
	if cfg.Host != "" {
		ip := net.ParseIP(cfg.Host)
		if ip == nil {
			return nil, fmt.Errorf("invalid bind host %q", cfg.Host)
		}
		addr.IP = ip
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind relay port %d: %w", cfg.Port, err)
	}

	logger := cfg.Logger.With("natrelay")
	if err := conn.SetReadBuffer(DefaultReadBuffer); err != nil {
		logger.Warn("Failed to set read buffer size: %v", err)
	}

	l := &Listener{
		conn:    conn,
		bus:     cfg.Bus,
		logger:  logger,
		emitter: events.OrNop(cfg.Emitter),
		readBuf: make([]byte, protocol.MaxPacketSize),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	l.logger.Info("Listening on UDP %s", conn.LocalAddr())
	return l, nil
}

// LocalAddr returns the bound address.
func (l *Listener) LocalAddr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Serve runs the receive loop until ctx ends, Close is called, or the
// socket fails. Read deadline expiry is the idle condition and is not an
// error. Any other socket error is fatal and returned wrapped in ErrSocket.
// Serve returns nil after Close.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.serving {
		l.mu.Unlock()
		return ErrAlreadyServing
	}
	l.serving = true
	l.mu.Unlock()
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		default:
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
			return l.fatal(err)
		}

		n, addr, err := l.conn.ReadFromUDP(l.readBuf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return l.fatal(err)
		}

		l.handle(l.readBuf[:n], addr)
	}
}

// fatal reports a socket error. Errors caused by Close are not fatal.
func (l *Listener) fatal(err error) error {
	select {
	case <-l.stop:
		return nil
	default:
	}
	l.logger.Error("Relay socket failed: %v", err)
	l.emitter.Emit(events.EventError, events.ErrorData{Component: "natrelay", Message: err.Error()})
	return fmt.Errorf("%w: %w", ErrSocket, err)
}

// handle processes one datagram.
func (l *Listener) handle(data []byte, addr *net.UDPAddr) {
	pkt, err := protocol.Decode(data)
	switch {
	case errors.Is(err, protocol.ErrEmptyPacket), errors.Is(err, protocol.ErrUnknownTag):
		metrics.ObserveRelayPacket(metrics.RelayIgnored)
		return
	case err != nil:
		l.logger.Debug("Dropping malformed packet from %s: %v", addr, err)
		metrics.ObserveRelayPacket(metrics.RelayMalformed)
		return
	}

	source := addr.String()
	l.logger.Debug("Received NAT packet %q from %s", pkt.Text, source)
	metrics.ObserveRelayPacket(metrics.RelayAccepted)
	l.emitter.Emit(events.EventRelayPacket, events.RelayPacketData{Source: source, Token: pkt.Text})

	if err := l.bus.Publish(protocol.EventRelayedPacket, source, pkt.Text); err != nil {
		l.logger.Error("Failed to publish relayed packet: %v", err)
	}

	if _, err := l.conn.WriteToUDP(protocol.EncodeAck(), addr); err != nil {
		l.logger.Warn("Failed to acknowledge %s: %v", source, err)
		metrics.RelayAckErrors.Inc()
	}
}

// Close stops Serve and closes the socket. Errors while stopping the reader
// are logged and do not prevent the socket from closing.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	serving := l.serving
	l.mu.Unlock()

	close(l.stop)
	if err := l.conn.SetReadDeadline(time.Now()); err != nil {
		l.logger.Warn("Failed to interrupt relay reader: %v", err)
	}
	if serving {
		<-l.done
	}

	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("close relay socket: %w", err)
	}
	l.logger.Debug("Relay listener closed")
	return nil
}
