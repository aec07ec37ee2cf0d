package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DialTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.ResolveTimeout = 2 * time.Second
	return cfg
}

func newTransport(t *testing.T, cfg Config, h Handler) *Transport {
	t.Helper()
	tr := New(Endpoint{Host: "127.0.0.1", Instance: uuid.NewString()}, cfg, nil)
	if h != nil {
		tr.SetHandler(h)
	}
	require.NoError(t, tr.Start())
	t.Cleanup(func() { tr.Stop() })
	return tr
}

func TestEndpointParse(t *testing.T) {
	ep, err := ParseEndpoint("10.0.0.2:7450")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Host: "10.0.0.2", Port: 7450}, ep)

	ep, err = ParseEndpoint("10.0.0.2:7450#abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", ep.Instance)
	assert.Equal(t, "10.0.0.2:7450", ep.Addr())

	_, err = ParseEndpoint("noport")
	assert.Error(t, err)
}

func TestPayloadCompression(t *testing.T) {
	big := map[string]string{"data": string(bytes.Repeat([]byte("abcdef"), 2048))}

	data, compressed, err := encodePayload(big, 1024)
	require.NoError(t, err)
	assert.True(t, compressed, "repetitive payload above threshold should compress")

	var round map[string]string
	require.NoError(t, DecodePayload(Envelope{Payload: data, Compressed: compressed}, &round))
	assert.Equal(t, big, round)

	small, compressed, err := encodePayload(map[string]string{"k": "v"}, 1024)
	require.NoError(t, err)
	assert.False(t, compressed)
	require.NoError(t, DecodePayload(Envelope{Payload: small}, &round))
	assert.Equal(t, "v", round["k"])
}

func TestSendBetweenPeers(t *testing.T) {
	ctx := context.Background()

	gotA := make(chan Envelope, 8)
	a := newTransport(t, testConfig(), func(env Envelope) { gotA <- env })
	gotB := make(chan Envelope, 8)
	b := newTransport(t, testConfig(), func(env Envelope) { gotB <- env })

	require.NoError(t, b.Send(ctx, a.Self(), "coro:1", "ping"))
	var env Envelope
	select {
	case env = <-gotA:
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
	assert.Equal(t, KindMessage, env.Kind)
	assert.Equal(t, "coro:1", env.Target)
	assert.Equal(t, b.Self().Instance, env.Sender.Instance)

	var payload string
	require.NoError(t, DecodePayload(env, &payload))
	assert.Equal(t, "ping", payload)

	// Reply path reuses the inbound connection.
	require.NoError(t, a.Send(ctx, env.Sender, "coro:2", "pong"))
	select {
	case env = <-gotB:
	case <-time.After(2 * time.Second):
		t.Fatal("reply never arrived")
	}
	assert.Equal(t, "coro:2", env.Target)
	assert.Equal(t, uint64(1), a.Stats().Dials+b.Stats().Dials, "reply must not open a second connection")
}

func TestClientOnlyTransportGetsReplies(t *testing.T) {
	ctx := context.Background()

	gotServer := make(chan Envelope, 8)
	server := newTransport(t, testConfig(), func(env Envelope) { gotServer <- env })

	clientCfg := testConfig()
	clientCfg.ListenAddr = "" // no listener; replies ride the dialed connection
	gotClient := make(chan Envelope, 8)
	client := newTransport(t, clientCfg, func(env Envelope) { gotClient <- env })

	require.NoError(t, client.Send(ctx, server.Self(), "svc", "hello"))
	env := <-gotServer
	assert.Zero(t, env.Sender.Port)

	require.NoError(t, server.Send(ctx, env.Sender, "coro:3", "welcome"))
	select {
	case env = <-gotClient:
		assert.Equal(t, "coro:3", env.Target)
	case <-time.After(2 * time.Second):
		t.Fatal("client never got the reply")
	}
}

func TestHeartbeatDelivery(t *testing.T) {
	ctx := context.Background()

	got := make(chan Envelope, 8)
	a := newTransport(t, testConfig(), func(env Envelope) { got <- env })
	b := newTransport(t, testConfig(), nil)

	hb := Heartbeat{WorkerID: "w1", Timestamp: time.Now(), Load: 3}
	require.NoError(t, b.SendHeartbeat(ctx, a.Self(), hb))

	env := <-got
	require.Equal(t, KindHeartbeat, env.Kind)
	var decoded Heartbeat
	require.NoError(t, DecodePayload(env, &decoded))
	assert.Equal(t, "w1", decoded.WorkerID)
	assert.Equal(t, 3, decoded.Load)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	a := newTransport(t, testConfig(), nil)
	a.SetResolver(func(name string) (string, bool) {
		if name == "svc" {
			return "coro:42", true
		}
		return "", false
	})
	b := newTransport(t, testConfig(), nil)

	target, err := b.Resolve(ctx, a.Self(), "svc")
	require.NoError(t, err)
	assert.Equal(t, "coro:42", target)

	_, err = b.Resolve(ctx, a.Self(), "missing")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeResolveFailed))
}

func TestDialFailureTripsBreaker(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.ListenAddr = ""
	cfg.DialTimeout = 200 * time.Millisecond
	cfg.BreakerFailures = 2
	tr := newTransport(t, cfg, nil)

	dead := Endpoint{Host: "127.0.0.1", Port: 1} // nothing listens here

	err := tr.Send(ctx, dead, "coro:1", "x")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeDeliveryFailure))
	assert.True(t, IsCode(err, ErrCodeDialFailed))

	err = tr.Send(ctx, dead, "coro:1", "x")
	require.Error(t, err)

	// Two consecutive failures opened the circuit; dials are now suppressed.
	err = tr.Send(ctx, dead, "coro:1", "x")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeCircuitOpen))

	stats := tr.Stats()
	assert.Equal(t, uint64(2), stats.Dials)
	assert.Equal(t, uint64(3), stats.FailedSends)
}
