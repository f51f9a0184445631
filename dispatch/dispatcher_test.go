package dispatch

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peercore/message"
	"github.com/opd-ai/peercore/peer"
	"github.com/opd-ai/peercore/pipeline"
	"github.com/opd-ai/peercore/transport"
)

var loopback = net.IPv4(127, 0, 0, 1)

type inbox chan *message.Message

func (in inbox) Read(_ *pipeline.Context, msg *message.Message) {
	in <- msg
}

func (in inbox) next(t *testing.T) *message.Message {
	t.Helper()
	select {
	case msg := <-in:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return nil
	}
}

func (in inbox) none(t *testing.T) {
	t.Helper()
	select {
	case msg := <-in:
		t.Fatalf("unexpected reply %s", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

// serve starts a listener running d and returns a UDP client whose
// replies land in the returned inbox.
func serve(t *testing.T, d *Dispatcher) (*transport.Channel, peer.Address, inbox) {
	t.Helper()
	cfg := transport.NewServerConfig()
	cfg.Bindings = transport.NewBindings().AddAddress(loopback)
	srv, err := transport.NewChannelServer(cfg, d)
	require.NoError(t, err)
	require.True(t, srv.Startup())
	t.Cleanup(func() { <-srv.Shutdown() })

	creator, err := transport.NewChannelCreator(nil)
	require.NoError(t, err)
	t.Cleanup(func() { <-creator.Shutdown() })

	in := make(inbox, 8)
	h := pipeline.NewHandlers().
		Put(pipeline.Decoder, transport.NewUDPDecoder()).
		Put(pipeline.Encoder, transport.NewUDPEncoder(nil)).
		Put(pipeline.Handler, in)
	f := creator.CreateUDP(false, h, nil)
	require.NotNil(t, f)
	<-f.Done()
	require.NoError(t, f.Err())

	remote := peer.NewAddress(peer.RandomID(), peer.NewSocketAddress(loopback, srv.UDPAddr().Port))
	return f.Channel(), remote, in
}

func newDispatcher() (*Dispatcher, peer.Address) {
	self := peer.NewAddress(peer.RandomID(), peer.NewSocketAddress(loopback, 1))
	return New(func() peer.Address { return self }), self
}

func client() peer.Address {
	return peer.NewAddress(peer.RandomID(), peer.NewSocketAddress(loopback, 2))
}

func TestDispatcherPing(t *testing.T) {
	d, self := newDispatcher()
	ch, remote, in := serve(t, d)

	req := message.New(message.Ping, message.Request1, client(), remote)
	require.NoError(t, ch.Write(req))

	reply := in.next(t)
	assert.Equal(t, message.OK, reply.Type)
	assert.Equal(t, req.MessageID(), reply.MessageID())
	assert.Equal(t, self.ID, reply.Sender.ID)

	beat := message.New(message.Ping, message.RequestFF1, client(), remote)
	require.NoError(t, ch.Write(beat))
	in.none(t)
}

func TestDispatcherReplies(t *testing.T) {
	tests := []struct {
		name    string
		handler HandlerFunc
		typ     message.Type
		want    message.Type
		reply   bool
	}{
		{
			name:  "unknown command",
			typ:   message.Request1,
			want:  message.UnknownID,
			reply: true,
		},
		{
			name: "handler error",
			handler: func(*pipeline.Context, *message.Message) (*message.Message, error) {
				return nil, errors.New("storage unavailable")
			},
			typ:   message.Request1,
			want:  message.Exception,
			reply: true,
		},
		{
			name: "handler panic",
			handler: func(*pipeline.Context, *message.Message) (*message.Message, error) {
				panic("boom")
			},
			typ:   message.Request2,
			want:  message.Exception,
			reply: true,
		},
		{
			name: "handler answer",
			handler: func(_ *pipeline.Context, req *message.Message) (*message.Message, error) {
				return req.Response(message.Denied, req.Recipient), nil
			},
			typ:   message.Request1,
			want:  message.Denied,
			reply: true,
		},
		{
			name: "fire and forget error",
			handler: func(*pipeline.Context, *message.Message) (*message.Message, error) {
				return nil, errors.New("ignored")
			},
			typ: message.RequestFF2,
		},
		{
			name: "fire and forget unknown command",
			typ:  message.RequestFF1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newDispatcher()
			if tt.handler != nil {
				d.Register(message.DirectData, tt.handler)
			}
			ch, remote, in := serve(t, d)

			req := message.New(message.DirectData, tt.typ, client(), remote)
			require.NoError(t, ch.Write(req))
			if !tt.reply {
				in.none(t)
				return
			}
			reply := in.next(t)
			assert.Equal(t, tt.want, reply.Type)
			assert.Equal(t, req.ID, reply.ID)
		})
	}
}

func TestDispatcherUnregister(t *testing.T) {
	d, _ := newDispatcher()
	d.Register(message.Neighbor, func(_ *pipeline.Context, req *message.Message) (*message.Message, error) {
		return req.Response(message.OK, req.Recipient), nil
	})
	d.Unregister(message.Neighbor)
	assert.Nil(t, d.lookup(message.Neighbor))
	assert.NotNil(t, d.lookup(message.Ping))
}

func TestDispatcherForwardsResponses(t *testing.T) {
	d, _ := newDispatcher()
	in := make(inbox, 1)
	p := pipeline.NewFrom(pipeline.NewHandlers().
		Put(pipeline.Dispatcher, d).
		Put(pipeline.Handler, in))

	resp := message.New(message.Ping, message.OK, client(), client())
	p.FireRead(resp)
	assert.Same(t, resp, in.next(t))
}
