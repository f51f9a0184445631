package connection

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peercore/message"
	"github.com/opd-ai/peercore/peer"
	"github.com/opd-ai/peercore/pending"
	"github.com/opd-ai/peercore/pipeline"
)

func TestUnknownCommandIsPeerAbort(t *testing.T) {
	a := newTestNode(t, false)
	b := newTestNode(t, false)

	call := a.request(message.Broadcast, message.Request1, b.Self()).SendTCP(a.creator)
	awaitCall(t, call)

	require.True(t, call.IsFailed())
	assert.True(t, peer.IsPeerAbort(call.Err()))
	require.NotNil(t, call.Response())
	assert.Equal(t, message.UnknownID, call.Response().Type)
	assert.Eventually(t, func() bool { return a.status.failures() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, a.creator.OpenChannels())
}

func TestHandlerErrorIsPeerAbort(t *testing.T) {
	a := newTestNode(t, false)
	b := newTestNode(t, false)
	b.dispatcher.Register(message.DirectData, func(*pipeline.Context, *message.Message) (*message.Message, error) {
		panic("broken handler")
	})

	call := a.request(message.DirectData, message.Request1, b.Self()).SendUDP(a.creator)
	awaitCall(t, call)

	require.True(t, call.IsFailed())
	assert.True(t, peer.IsPeerAbort(call.Err()))
	assert.Equal(t, message.Exception, call.Response().Type)
}

func TestMessageIDMismatchAborts(t *testing.T) {
	a := newTestNode(t, false)
	b := newTestNode(t, false)
	b.dispatcher.Register(message.DirectData, func(_ *pipeline.Context, req *message.Message) (*message.Message, error) {
		reply := req.Response(message.OK, b.Self())
		reply.ID++
		return reply, nil
	})

	call := a.request(message.DirectData, message.Request1, b.Self()).SendTCP(a.creator)
	awaitCall(t, call)

	require.True(t, call.IsFailed())
	assert.True(t, peer.IsPeerAbort(call.Err()))
	assert.Contains(t, call.Err().Error(), "mismatch")
	assert.Equal(t, 0, a.status.founds())
	assert.Eventually(t, func() bool { return a.status.failures() == 1 }, time.Second, 10*time.Millisecond)
}

func TestReverseConnectionAnswerSkipsIdentityChecks(t *testing.T) {
	a := newTestNode(t, false)
	b := newTestNode(t, false)
	// the relay answers for the unreachable peer with its own identity
	b.dispatcher.Register(message.Rcon, func(_ *pipeline.Context, req *message.Message) (*message.Message, error) {
		reply := req.Response(message.OK, b.Self().WithRelayed(true))
		reply.ID++
		return reply, nil
	})

	call := a.request(message.Rcon, message.Request1, b.Self()).SendTCP(a.creator)
	awaitCall(t, call)

	require.True(t, call.IsSuccess(), "error: %v", call.Err())
	assert.Equal(t, message.Rcon, call.Response().Command)
	assert.Zero(t, a.status.failures())
}

func TestRelayFlagMismatchAborts(t *testing.T) {
	a := newTestNode(t, false)
	b := newTestNode(t, true)

	// b claims to be relayed but was addressed directly.
	direct := b.Self().WithRelayed(false)
	call := a.request(message.Ping, message.Request1, direct).SendUDP(a.creator)
	awaitCall(t, call)

	require.True(t, call.IsFailed())
	assert.True(t, peer.IsPeerAbort(call.Err()))
}

func TestDuplicateResponsesResolveOnce(t *testing.T) {
	a := newTestNode(t, false)
	b := newTestNode(t, false)
	b.dispatcher.Register(message.DirectData, func(ctx *pipeline.Context, req *message.Message) (*message.Message, error) {
		for _, payload := range []string{"first", "second"} {
			reply := req.Response(message.OK, b.Self())
			reply.Payload = []byte(payload)
			if err := ctx.Write(reply); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	h := a.request(message.DirectData, message.Request1, b.Self())
	h.Call().Request().KeepAlive = true

	var mu sync.Mutex
	var done int
	h.Call().OnDone(func(*pending.Call) {
		mu.Lock()
		done++
		mu.Unlock()
	})

	call := h.SendTCP(a.creator)
	awaitCall(t, call)
	require.True(t, call.IsSuccess())
	assert.Equal(t, []byte("first"), call.Response().Payload)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []byte("first"), call.Response().Payload)
	mu.Lock()
	assert.Equal(t, 1, done)
	mu.Unlock()
}

func TestStreamingResponses(t *testing.T) {
	a := newTestNode(t, false)
	b := newTestNode(t, false)
	b.dispatcher.Register(message.DirectData, func(ctx *pipeline.Context, req *message.Message) (*message.Message, error) {
		for _, payload := range []string{"1", "2"} {
			part := req.Response(message.PartiallyOK, b.Self())
			part.Streaming = true
			part.Payload = []byte(payload)
			if err := ctx.Write(part); err != nil {
				return nil, err
			}
		}
		last := req.Response(message.OK, b.Self())
		last.Payload = []byte("3")
		return last, nil
	})

	h := a.request(message.DirectData, message.Request1, b.Self())
	var mu sync.Mutex
	var parts []string
	h.Call().OnProgress(func(m *message.Message) {
		mu.Lock()
		defer mu.Unlock()
		parts = append(parts, string(m.Payload))
	})

	call := h.SendTCP(a.creator)
	awaitCall(t, call)
	require.True(t, call.IsSuccess(), "error: %v", call.Err())
	assert.Equal(t, []byte("3"), call.Response().Payload)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3"}, parts)
}

func TestFoundPeerCarriesAdvertisedRelays(t *testing.T) {
	a := newTestNode(t, false)
	b := newTestNode(t, true)

	call := a.request(message.Ping, message.Request1, b.Self()).SendUDP(a.creator)
	awaitCall(t, call)
	require.True(t, call.IsSuccess(), "error: %v", call.Err())

	a.status.mu.Lock()
	defer a.status.mu.Unlock()
	require.Len(t, a.status.found, 1)
	found := a.status.found[0]
	assert.True(t, found.Relayed)
	require.Len(t, found.Relays, 1)
	assert.Equal(t, b.Self().Socket.UDPPort, found.Relays[0].UDPPort)
}
