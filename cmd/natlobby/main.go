// natlobby runs the NAT relay listener and connectivity probing core of a
// game lobby server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/natlobby/natlobby/internal/config"
	"github.com/natlobby/natlobby/internal/eventbus"
	"github.com/natlobby/natlobby/internal/events"
	"github.com/natlobby/natlobby/internal/gameclient"
	"github.com/natlobby/natlobby/internal/logging"
	"github.com/natlobby/natlobby/internal/natrelay"
)

// Version is set at build time via -ldflags.
var Version = "dev"

const shutdownTimeout = 5 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		runServe(args)
	case "selftest":
		runSelfTest(args)
	case "ping":
		runPing(args)
	case "version", "--version", "-v":
		fmt.Printf("natlobby %s (%s/%s)\n", Version, runtime.GOOS, runtime.GOARCH)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`natlobby - game lobby NAT relay and connectivity prober

Usage:
  natlobby <command> [flags]

Commands:
  serve     Run the NAT relay listener (and metrics server)
  selftest  Probe two local game clients end to end and print the result
  ping      Send an identification packet to a relay and wait for the ack
  version   Print version information

Flags for serve/selftest:
  --config           Config file (default: ~/.natlobby/config.yaml)
  --host             Address to bind the relay to (default: all interfaces)
  --port             UDP relay port (default: 30351)
  --public-addr      IP clients use to reach this server
  --direct-timeout   Direct probe timeout (default: 1s)
  --relayed-timeout  Relayed probe timeout (default: 4s)
  --log              Log level: error|warn|info|debug|trace (default: info)
  --log-format       Log format: console|json (default: console)
  --metrics-addr     Serve Prometheus metrics on this address (disabled if empty)
  --events-output    Write JSON Line events to: stdout, stderr, or a file path (disabled if empty)

Flags for ping:
  --address  Relay IP:port (required)
  --token    Identification payload (default: ping)
  --timeout  Give up after this long (default: 5s)

Examples:
  # Run the relay on the default port with metrics
  natlobby serve --metrics-addr :9108

  # Check a relay is reachable
  natlobby ping --address 203.0.113.50:30351
`)
}

// serverFlags are the flags shared by serve and selftest. Only flags set
// on the command line override the config file.
type serverFlags struct {
	fs             *flag.FlagSet
	configPath     *string
	host           *string
	port           *uint
	publicAddr     *string
	directTimeout  *time.Duration
	relayedTimeout *time.Duration
	logLevel       *string
	logFormat      *string
	metricsAddr    *string
	eventsOutput   *string
}

func newServerFlags(name string) *serverFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return &serverFlags{
		fs:             fs,
		configPath:     fs.String("config", "", "Config file (default: ~/.natlobby/config.yaml)"),
		host:           fs.String("host", "", "Address to bind the relay to"),
		port:           fs.Uint("port", config.DefaultRelayPort, "UDP relay port"),
		publicAddr:     fs.String("public-addr", "", "IP clients use to reach this server"),
		directTimeout:  fs.Duration("direct-timeout", config.DefaultDirectTimeout, "Direct probe timeout"),
		relayedTimeout: fs.Duration("relayed-timeout", config.DefaultRelayedTimeout, "Relayed probe timeout"),
		logLevel:       fs.String("log", config.DefaultLogLevel, "Log level: error|warn|info|debug|trace"),
		logFormat:      fs.String("log-format", config.DefaultLogFormat, "Log format: console|json"),
		metricsAddr:    fs.String("metrics-addr", "", "Serve Prometheus metrics on this address"),
		eventsOutput:   fs.String("events-output", "", "Write JSON Line events to: stdout, stderr, or a file path"),
	}
}

// load parses args, reads the config file and applies explicit flags.
func (f *serverFlags) load(args []string) (*config.Config, error) {
	f.fs.Parse(args)

	var cfg *config.Config
	var err error
	if *f.configPath != "" {
		cfg, err = config.LoadFrom(*f.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "port":
			cfg.RelayPort = int(*f.port)
		case "public-addr":
			cfg.PublicAddr = *f.publicAddr
		case "direct-timeout":
			cfg.DirectTimeout = *f.directTimeout
		case "relayed-timeout":
			cfg.RelayedTimeout = *f.relayedTimeout
		case "log":
			cfg.LogLevel = *f.logLevel
		case "log-format":
			cfg.LogFormat = *f.logFormat
		case "metrics-addr":
			cfg.MetricsAddr = *f.metricsAddr
		case "events-output":
			cfg.EventsOutput = *f.eventsOutput
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(level)
	logger.SetFormat(format)
	return logger, nil
}

func exitOnError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
		os.Exit(1)
	}
}

func runServe(args []string) {
	f := newServerFlags("serve")
	cfg, err := f.load(args)
	exitOnError("invalid configuration", err)
	logger, err := newLogger(cfg)
	exitOnError("invalid configuration", err)

	emitter, err := events.Open(cfg.EventsOutput)
	exitOnError("creating event emitter", err)

	logger.Info("natlobby %s starting", Version)
	if cfg.EventsOutput != "" {
		logger.Info("Events output: %s", cfg.EventsOutput)
	}

	// Subscribers come from the game-session layer that embeds the relay;
	// see selfTest for the full wiring.
	bus := eventbus.New(logger)
	listener, err := natrelay.New(natrelay.Config{
		Host:    *f.host,
		Port:    uint16(cfg.RelayPort),
		Bus:     bus,
		Logger:  logger,
		Emitter: emitter,
	})
	if err != nil {
		logger.Error("Failed to start relay: %v", err)
		emitter.Close()
		os.Exit(1)
	}
	logger.Info("Clients send relay probes to %s", cfg.RelayAddr(bindHost(*f.host)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := serve(ctx, cfg, listener, logger)
	closeErr := multierr.Combine(listener.Close(), emitter.Close())
	if err := multierr.Append(runErr, closeErr); err != nil {
		logger.Error("Shutdown with error: %v", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

// serve runs the relay listener and the optional metrics server until ctx
// ends or one of them fails.
func serve(ctx context.Context, cfg *config.Config, listener *natrelay.Listener, logger *logging.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := listener.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("Metrics on http://%s/metrics", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func runSelfTest(args []string) {
	f := newServerFlags("selftest")
	blockDirect := f.fs.Bool("block-direct", false, "Drop direct probe packets at the peer (expect STUN)")
	cfg, err := f.load(args)
	exitOnError("invalid configuration", err)
	logger, err := newLogger(cfg)
	exitOnError("invalid configuration", err)

	emitter, err := events.Open(cfg.EventsOutput)
	exitOnError("creating event emitter", err)
	defer emitter.Close()

	host := *f.host
	if host == "" {
		host = "127.0.0.1"
	}
	bus := eventbus.New(logger)
	listener, err := natrelay.New(natrelay.Config{Host: host, Bus: bus, Logger: logger, Emitter: emitter})
	exitOnError("starting relay", err)
	defer listener.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relayAddr := net.JoinHostPort(host, strconv.Itoa(listener.LocalAddr().Port))
	result, err := selfTest(ctx, selfTestConfig{
		Config:      cfg,
		Bus:         bus,
		Listener:    listener,
		RelayAddr:   relayAddr,
		Logger:      logger,
		Emitter:     emitter,
		BlockDirect: *blockDirect,
	})
	exitOnError("self-test", err)
	fmt.Println(result)
}

func runPing(args []string) {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	address := fs.String("address", "", "Relay address in IP:port format (required)")
	token := fs.String("token", "ping", "Identification payload")
	timeout := fs.Duration("timeout", 5*time.Second, "Give up after this long")
	logLevel := fs.String("log", config.DefaultLogLevel, "Log level: error|warn|info|debug|trace")
	fs.Parse(args)

	if *address == "" {
		fmt.Fprintln(os.Stderr, "Error: --address is required")
		os.Exit(1)
	}
	if _, _, err := net.SplitHostPort(*address); err != nil {
		fmt.Fprintln(os.Stderr, "Error: --address must be in IP:port format (e.g., 203.0.113.50:30351)")
		os.Exit(1)
	}
	level, err := logging.ParseLevel(*logLevel)
	exitOnError("invalid log level", err)
	logger := logging.NewLogger(level)

	client, err := gameclient.New(gameclient.Config{Logger: logger})
	exitOnError("opening socket", err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopRun := context.WithCancel(gctx)
	g.Go(func() error {
		if err := client.Run(runCtx, nil); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	var rtt time.Duration
	g.Go(func() error {
		defer stopRun()
		// Wait for the reader before the first send.
		for !client.Running() {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
		}
		var err error
		rtt, err = client.Ping(gctx, *address, *token)
		return err
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "No acknowledgement from %s: %v\n", *address, err)
		os.Exit(1)
	}
	fmt.Printf("Acknowledged by %s in %v\n", *address, rtt.Round(time.Microsecond))
}

func bindHost(host string) string {
	if host == "" {
		return "0.0.0.0"
	}
	return host
}
