//go:build integration
// +build integration

package natrelay_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natlobby/natlobby/internal/connectivity"
	"github.com/natlobby/natlobby/internal/eventbus"
	"github.com/natlobby/natlobby/internal/gameclient"
	"github.com/natlobby/natlobby/internal/logging"
	"github.com/natlobby/natlobby/internal/natrelay"
	"github.com/natlobby/natlobby/internal/protocol"
	"github.com/natlobby/natlobby/test/testutil"
)

// TestIntegration_ConcurrentRelayedProbes runs several probes through a
// real relay socket. No peer reports direct packets, so every probe must
// classify as STUN with its own client's source address.
func TestIntegration_ConcurrentRelayedProbes(t *testing.T) {
	logger := logging.NewLogger(logging.LevelError)
	bus := eventbus.New(logger)

	port := testutil.FreePort()
	relay, err := natrelay.New(natrelay.Config{Host: "127.0.0.1", Port: uint16(port), Bus: bus, Logger: logger})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- relay.Serve(ctx) }()
	defer func() {
		require.NoError(t, relay.Close())
		<-served
	}()

	prober, err := connectivity.New(connectivity.Config{
		Bus:            bus,
		RelayAddr:      fmt.Sprintf("127.0.0.1:%d", port),
		DirectTimeout:  100 * time.Millisecond,
		RelayedTimeout: 2 * time.Second,
		Logger:         logger,
	})
	require.NoError(t, err)

	const peers = 8
	var wg sync.WaitGroup
	for i := 0; i < peers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := gameclient.New(gameclient.Config{Host: "127.0.0.1", Logger: logger})
			if !assert.NoError(t, err) {
				return
			}
			defer client.Close()

			addr := client.LocalAddr()
			result, err := prober.DetermineConnectivity(ctx, connectivity.Peer{
				Conn: client,
				Host: client,
				Addr: addr.IP.String(),
				Port: addr.Port,
			}, fmt.Sprintf("peer-%d-%s", i, testutil.RandomToken()))
			assert.NoError(t, err)
			assert.Equal(t, connectivity.Result{Addr: addr.String(), State: connectivity.StateSTUN}, result)
		}()
	}
	wg.Wait()
	assert.Zero(t, bus.Len(protocol.EventDirectPacket))
	assert.Zero(t, bus.Len(protocol.EventRelayedPacket))
}
