package natsclient

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ruuvistreams/errors"
	"github.com/c360/ruuvistreams/pkg/retry"
)

// unreachable refuses connections immediately
const unreachable = "nats://127.0.0.1:1"

func fastRetry(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

// fakeServer speaks just enough of the NATS protocol for one client to
// connect: INFO, then PONG for every PING. INFO is held until release is
// closed.
type fakeServer struct {
	url      string
	accepted chan struct{}
	release  chan struct{}
	gone     chan struct{}

	mu   sync.Mutex
	pubs []string
}

func startFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	srv := &fakeServer{
		url:      "nats://" + ln.Addr().String(),
		accepted: make(chan struct{}),
		release:  make(chan struct{}),
		gone:     make(chan struct{}),
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		close(srv.accepted)
		<-srv.release

		fmt.Fprint(conn, `INFO {"server_id":"test","version":"2.10.0","proto":1,"max_payload":1048576}`+"\r\n")
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(srv.gone)
				return
			}
			switch {
			case strings.HasPrefix(line, "PING"):
				fmt.Fprint(conn, "PONG\r\n")
			case strings.HasPrefix(line, "PUB "):
				srv.mu.Lock()
				srv.pubs = append(srv.pubs, strings.Fields(line)[1])
				srv.mu.Unlock()
			}
		}
	}()
	return srv
}

func (s *fakeServer) published() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pubs...)
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for " + what)
	}
}

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestNewClient_Invalid(t *testing.T) {
	_, err := NewClient("")
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(0))
	assert.True(t, errors.IsInvalid(err))
}

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())
	assert.Equal(t, 2*time.Second, client.Backoff())
	assert.False(t, client.circuitAllows())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.True(t, client.circuitAllows())
}

func TestCircuitBreaker_BackoffCaps(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithMaxBackoff(4*time.Second))
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Second, client.Backoff())
}

func TestCircuitBreaker_HalfOpensAfterBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	client.recordFailure()
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.lastFailure.Store(time.Now().Add(-time.Hour))
	assert.True(t, client.circuitAllows())
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestConnect_Unreachable(t *testing.T) {
	client, err := NewClient(unreachable, WithRetry(fastRetry(2)), WithTimeout(200*time.Millisecond))
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.Equal(t, int32(2), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
}

func TestConnect_StopsWhenCircuitOpens(t *testing.T) {
	client, err := NewClient(unreachable,
		WithRetry(fastRetry(10)),
		WithCircuitBreakerThreshold(2),
		WithTimeout(200*time.Millisecond),
	)
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), client.Failures())
	assert.Equal(t, StatusCircuitOpen, client.Status())
}

func TestPublish_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = client.Publish(context.Background(), "ruuvi.readings.test", []byte("{}"))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, uint64(0), client.GetStatus().Published)
}

func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithCredentials("user", "secret"),
		WithToken("token"),
		WithName("ruuvistreams-test"),
	)
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))
	assert.Empty(t, client.password)
	assert.Empty(t, client.token)

	err = client.Connect(context.Background())
	assert.True(t, errors.IsFatal(err))
}

func TestConnectionOptions(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithCredentials("user", "pass"),
		WithTLS("cert.pem", "key.pem", "ca.pem"),
		WithName("ruuvistreams"),
		WithMaxReconnects(3),
		WithReconnectWait(time.Second),
		WithPingInterval(time.Minute),
		WithDrainTimeout(time.Second),
	)
	require.NoError(t, err)

	// 9 base options plus credentials, cert, CA and name
	assert.Len(t, client.buildConnectionOptions(), 13)
	assert.Equal(t, 3, client.maxReconnects)
	assert.Equal(t, time.Minute, client.pingInterval)
}

func TestConnect_PublishAndClose(t *testing.T) {
	srv := startFakeServer(t)
	close(srv.release)

	client, err := NewClient(srv.url, WithRetry(fastRetry(1)), WithMaxReconnects(0), WithTimeout(2*time.Second))
	require.NoError(t, err)

	require.NoError(t, client.Connect(context.Background()))
	assert.True(t, client.IsHealthy())

	require.NoError(t, client.Publish(context.Background(), "ruuvi.readings.aabbccddeeff", []byte(`{}`)))
	status := client.GetStatus()
	assert.Equal(t, StatusConnected, status.Status)
	assert.Equal(t, uint64(1), status.Published)

	require.NoError(t, client.Close(context.Background()))
	waitClosed(t, srv.gone, "server side close")
	assert.Equal(t, []string{"ruuvi.readings.aabbccddeeff"}, srv.published())
}

func TestConnect_CancelledAttemptDoesNotKeepLateConnection(t *testing.T) {
	srv := startFakeServer(t)

	client, err := NewClient(srv.url, WithRetry(fastRetry(1)), WithMaxReconnects(0), WithTimeout(2*time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- client.Connect(ctx) }()

	waitClosed(t, srv.accepted, "connection attempt")
	cancel()

	err = <-result
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoConnection)

	// the handshake now completes, and the connection is closed, not adopted
	close(srv.release)
	waitClosed(t, srv.gone, "late connection close")

	assert.ErrorIs(t, client.Publish(context.Background(), "ruuvi.readings.x", nil), ErrNotConnected)
	assert.False(t, client.IsHealthy())
}
