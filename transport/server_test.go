package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peercore/message"
	"github.com/opd-ai/peercore/noise"
	"github.com/opd-ai/peercore/pipeline"
)

func startServer(t *testing.T, cfg *ServerConfig, dispatcher any) *ChannelServer {
	t.Helper()
	cfg.Bindings = NewBindings().AddAddress(loopback)
	srv, err := NewChannelServer(cfg, dispatcher)
	require.NoError(t, err)
	require.True(t, srv.Startup())
	t.Cleanup(func() { <-srv.Shutdown() })
	return srv
}

func newCreator(t *testing.T, cfg *ClientConfig) *ChannelCreator {
	t.Helper()
	c, err := NewChannelCreator(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { <-c.Shutdown() })
	return c
}

func waitFuture(t *testing.T, f *ConnectFuture) *Channel {
	t.Helper()
	require.NotNil(t, f)
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not finish")
	}
	require.NoError(t, f.Err())
	return f.Channel()
}

func TestServerTCPRoundTrip(t *testing.T) {
	self := testAddress(0)
	srv := startServer(t, NewServerConfig(), &echo{self: self})
	require.NotNil(t, srv.TCPAddr())

	creator := newCreator(t, NewClientConfig())
	got := newCollector()
	ch := waitFuture(t, creator.CreateTCP(srv.TCPAddr(), 1000, tcpHandlers(got), nil))
	assert.Equal(t, 1, creator.OpenChannels())

	recipient := testAddress(srv.TCPAddr().Port)
	req := message.New(message.Ping, message.Request1, testAddress(1), recipient)
	require.NoError(t, ch.Write(req))

	resp := got.wait(t)
	assert.Equal(t, req.MessageID(), resp.MessageID())
	assert.Equal(t, message.OK, resp.Type)

	ch.Close()
	assert.Eventually(t, func() bool { return creator.OpenChannels() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServerUDPRoundTrip(t *testing.T) {
	srv := startServer(t, NewServerConfig(), &echo{self: testAddress(0)})
	require.NotNil(t, srv.UDPAddr())

	creator := newCreator(t, NewClientConfig())
	got := newCollector()
	ch := waitFuture(t, creator.CreateUDP(false, udpHandlers(got), nil))

	recipient := testAddress(srv.UDPAddr().Port)
	req := message.New(message.Ping, message.Request1, testAddress(1), recipient)
	require.NoError(t, ch.Write(req))

	resp := got.wait(t)
	assert.Equal(t, req.MessageID(), resp.MessageID())
	assert.True(t, resp.UDP)
}

func TestServerChainOrder(t *testing.T) {
	var seen [][]string
	cfg := NewServerConfig()
	cfg.Filter = func(h *pipeline.Handlers, tcp, client bool) *pipeline.Handlers {
		assert.False(t, client)
		seen = append(seen, h.Names())
		return h
	}
	srv, err := NewChannelServer(cfg, &echo{})
	require.NoError(t, err)

	srv.handlers(true)
	srv.handlers(false)
	require.Len(t, seen, 2)
	assert.Equal(t, []string{
		pipeline.DropConnection, pipeline.Timeout0, pipeline.Timeout1,
		pipeline.Decoder, pipeline.Encoder, pipeline.Dispatcher,
	}, seen[0])
	assert.Equal(t, []string{
		pipeline.DropConnection, pipeline.Decoder, pipeline.Encoder, pipeline.Dispatcher,
	}, seen[1])
}

func TestServerDropsConnectionsBeyondLimit(t *testing.T) {
	cfg := NewServerConfig()
	cfg.MaxTCPIncoming = 1
	srv := startServer(t, cfg, &echo{})

	first, err := net.Dial("tcp", srv.TCPAddr().String())
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return srv.tcpDrop.InUse() == 1 }, time.Second, 10*time.Millisecond)

	second, err := net.Dial("tcp", srv.TCPAddr().String())
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = second.Read(make([]byte, 1))
	assert.Error(t, err)

	first.Close()
	assert.Eventually(t, func() bool { return srv.tcpDrop.InUse() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServerDisableBind(t *testing.T) {
	cfg := NewServerConfig()
	cfg.DisableBind = true
	srv, err := NewChannelServer(cfg, &echo{})
	require.NoError(t, err)

	assert.True(t, srv.Startup())
	assert.Nil(t, srv.TCPAddr())
	<-srv.Shutdown()
}

func TestServerStartupFailsOnTakenPort(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := NewServerConfig()
	cfg.Bindings = NewBindings().AddAddress(loopback)
	cfg.Ports.TCP = taken.Addr().(*net.TCPAddr).Port
	srv, err := NewChannelServer(cfg, &echo{})
	require.NoError(t, err)

	assert.False(t, srv.Startup())
	<-srv.Shutdown()
}

func TestCreatorBudget(t *testing.T) {
	cfg := NewClientConfig()
	cfg.MaxPermitsUDP = 1
	creator := newCreator(t, cfg)

	ch := waitFuture(t, creator.CreateUDP(false, udpHandlers(newCollector()), nil))
	assert.Nil(t, creator.CreateUDP(false, udpHandlers(newCollector()), nil))

	ch.Close()
	f := creator.CreateUDP(false, udpHandlers(newCollector()), nil)
	waitFuture(t, f).Close()
}

func TestCreatorConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	creator := newCreator(t, NewClientConfig())
	f := creator.CreateTCP(addr, 500, tcpHandlers(newCollector()), nil)
	require.NotNil(t, f)
	<-f.Done()
	assert.Error(t, f.Err())
	assert.Nil(t, f.Channel())
	assert.Equal(t, 0, creator.OpenChannels())
}

func TestCreatorShutdown(t *testing.T) {
	creator, err := NewChannelCreator(nil)
	require.NoError(t, err)

	ch := waitFuture(t, creator.CreateUDP(false, udpHandlers(newCollector()), nil))
	done := creator.Shutdown()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	assert.False(t, ch.IsActive())
	assert.Nil(t, creator.CreateUDP(false, udpHandlers(newCollector()), nil))
	assert.Nil(t, creator.CreateTCP(&net.TCPAddr{IP: loopback, Port: 1}, 0, tcpHandlers(newCollector()), nil))
}

func TestNoiseSecuredExchange(t *testing.T) {
	serverKey := mustStaticKey(t)
	clientKey := mustStaticKey(t)

	cfg := NewServerConfig()
	cfg.Noise = &serverKey
	srv := startServer(t, cfg, &echo{self: testAddress(0)})

	ccfg := NewClientConfig()
	ccfg.Noise = &clientKey
	creator := newCreator(t, ccfg)

	got := newCollector()
	h := tcpHandlers(got)
	ch := waitFuture(t, creator.CreateTCP(srv.TCPAddr(), 1000, h, nil))
	assert.Equal(t, []string{pipeline.Handshake, pipeline.Decoder, pipeline.Encoder, pipeline.Handler}, ch.Pipeline().Names())

	req := message.New(message.Ping, message.Request1, testAddress(1), testAddress(srv.TCPAddr().Port))
	require.NoError(t, ch.Write(req))
	assert.Equal(t, req.MessageID(), got.wait(t).MessageID())
}

func mustStaticKey(t *testing.T) noise.StaticKey {
	t.Helper()
	key, err := noise.GenerateStaticKey()
	require.NoError(t, err)
	return key
}
