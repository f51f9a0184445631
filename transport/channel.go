package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercore/limits"
	"github.com/opd-ai/peercore/message"
	"github.com/opd-ai/peercore/pipeline"
)

// ErrNoTarget is returned when a datagram has no destination.
var ErrNoTarget = errors.New("datagram has no destination address")

// Handshaker secures a freshly connected TCP socket before any frame is
// exchanged.
type Handshaker interface {
	Handshake(conn net.Conn, client bool) (net.Conn, error)
}

// Limiter bounds concurrent work. The listener asks it once per inbound
// TCP connection and once per inbound datagram.
type Limiter interface {
	TryAcquire() bool
	Release()
}

// Channel is a TCP connection or a UDP socket running a pipeline. Inbound
// data is decoded by the "decoder" stage and handed to the pipeline;
// outbound messages are encoded by the "encoder" stage.
type Channel struct {
	id     string
	pipe   *pipeline.Pipeline
	client bool

	conn   net.Conn
	packet net.PacketConn

	// concurrent delivers every datagram in its own goroutine.
	concurrent bool

	writeMu sync.Mutex
	active  atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	listenersMu  sync.Mutex
	listeners    []closeListener
	nextListener uint64
	listenersRan bool
}

type closeListener struct {
	token uint64
	fn    func()
}

func newTCPChannel(conn net.Conn, p *pipeline.Pipeline, client bool) *Channel {
	return &Channel{
		id:     uuid.NewString(),
		pipe:   p,
		client: client,
		conn:   conn,
		closed: make(chan struct{}),
	}
}

func newUDPChannel(pc net.PacketConn, p *pipeline.Pipeline, client bool) *Channel {
	return &Channel{
		id:     uuid.NewString(),
		pipe:   p,
		client: client,
		packet: pc,
		closed: make(chan struct{}),
	}
}

// ID returns the unique identifier of the channel.
func (c *Channel) ID() string { return c.id }

// Pipeline returns the stage table of the channel.
func (c *Channel) Pipeline() *pipeline.Pipeline { return c.pipe }

// IsUDP reports whether this is a datagram socket.
func (c *Channel) IsUDP() bool { return c.packet != nil }

// IsActive reports whether the channel is open and serving.
func (c *Channel) IsActive() bool { return c.active.Load() }

// IsClient reports whether the channel was opened by this node.
func (c *Channel) IsClient() bool { return c.client }

// CloseNotify is closed once Close completed.
func (c *Channel) CloseNotify() <-chan struct{} { return c.closed }

// LocalAddr returns the local socket address.
func (c *Channel) LocalAddr() net.Addr {
	if c.packet != nil {
		return c.packet.LocalAddr()
	}
	return c.conn.LocalAddr()
}

// RemoteAddr returns the peer address of a TCP channel, nil for UDP.
func (c *Channel) RemoteAddr() net.Addr {
	if c.packet != nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

func (c *Channel) String() string {
	kind := "tcp"
	if c.IsUDP() {
		kind = "udp"
	}
	return fmt.Sprintf("%s-channel[%s %s->%v]", kind, c.id[:8], c.LocalAddr(), c.RemoteAddr())
}

// activate runs the optional handshake, attaches the pipeline and starts
// serving. On failure the channel is closed.
func (c *Channel) activate() error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	if c.conn != nil {
		if hs, ok := c.pipe.Get(pipeline.Handshake).(Handshaker); ok {
			secured, err := hs.Handshake(c.conn, c.client)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "activate",
					"channel":  c.id,
					"error":    err.Error(),
				}).Debug("Handshake failed, closing connection")
				c.Close()
				return fmt.Errorf("handshake: %w", err)
			}
			c.conn = secured
		}
	}

	c.active.Store(true)
	c.pipe.Attach(c)
	c.pipe.FireActive()
	if !c.active.Load() {
		return net.ErrClosed
	}

	if c.conn != nil {
		go c.serveTCP()
	} else {
		go c.serveUDP()
	}
	return nil
}

// Write encodes msg with the encoder stage and sends it. Datagrams go to
// msg.ReplyTo, then to msg.RecipientRelay, then to the recipient.
func (c *Channel) Write(msg *message.Message) error {
	if !c.active.Load() {
		return net.ErrClosed
	}
	enc, ok := c.pipe.Get(pipeline.Encoder).(Encoder)
	if !ok {
		return ErrNoEncoder
	}
	data, err := enc.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg, err)
	}

	c.writeMu.Lock()
	if c.packet != nil {
		target := datagramTarget(msg)
		if target == nil {
			c.writeMu.Unlock()
			return ErrNoTarget
		}
		_, err = c.packet.WriteTo(data, target)
	} else {
		_, err = c.conn.Write(data)
	}
	c.writeMu.Unlock()

	if err != nil {
		return err
	}
	c.pipe.FireActivity()
	return nil
}

func datagramTarget(msg *message.Message) net.Addr {
	if msg.ReplyTo != nil {
		return msg.ReplyTo
	}
	if msg.RecipientRelay != nil {
		return msg.RecipientRelay.UDPAddr()
	}
	if msg.Recipient.Socket.IP == nil {
		return nil
	}
	return msg.Recipient.UDPAddr()
}

// Close closes the socket, tells the pipeline, and then runs the close
// listeners. It is safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.active.Store(false)
		if c.packet != nil {
			c.closeErr = c.packet.Close()
		} else {
			c.closeErr = c.conn.Close()
		}
		c.pipe.FireInactive()
		close(c.closed)

		c.listenersMu.Lock()
		listeners := c.listeners
		c.listeners = nil
		c.listenersRan = true
		c.listenersMu.Unlock()

		for _, l := range listeners {
			l.fn()
		}
	})
	return c.closeErr
}

// OnClose registers fn to run after the channel closed. If it already
// did, fn runs immediately. Listeners run in registration order. The
// returned function unregisters fn.
func (c *Channel) OnClose(fn func()) (remove func()) {
	c.listenersMu.Lock()
	if c.listenersRan {
		c.listenersMu.Unlock()
		fn()
		return func() {}
	}
	token := c.nextListener
	c.nextListener++
	c.listeners = append(c.listeners, closeListener{token: token, fn: fn})
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		for i, l := range c.listeners {
			if l.token == token {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// CloseListeners returns the number of listeners still waiting for the
// channel to close.
func (c *Channel) CloseListeners() int {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	return len(c.listeners)
}

func (c *Channel) serveTCP() {
	defer c.Close()
	for {
		dec, ok := c.pipe.Get(pipeline.Decoder).(FrameDecoder)
		if !ok {
			c.pipe.FireError(ErrNoDecoder)
			return
		}
		msg, err := dec.ReadMessage(c.conn)
		if err != nil {
			if c.active.Load() && !isClosed(err) {
				c.pipe.FireError(err)
			}
			return
		}
		msg.Remote = c.conn.RemoteAddr()
		c.pipe.FireActivity()
		c.pipe.FireRead(msg)
	}
}

func (c *Channel) serveUDP() {
	defer c.Close()
	buf := make([]byte, limits.MaxDatagramSize)
	for {
		n, addr, err := c.packet.ReadFrom(buf)
		if err != nil {
			if c.active.Load() && !isClosed(err) {
				c.pipe.FireError(err)
			}
			return
		}
		data := append([]byte(nil), buf[:n]...)
		if c.concurrent {
			go c.handleDatagram(data, addr)
		} else {
			c.handleDatagram(data, addr)
		}
	}
}

func (c *Channel) handleDatagram(data []byte, from net.Addr) {
	if limiter, ok := c.pipe.Get(pipeline.DropConnection).(Limiter); ok {
		if !limiter.TryAcquire() {
			logrus.WithFields(logrus.Fields{
				"function": "handleDatagram",
				"from":     from.String(),
			}).Debug("Too many datagrams in flight, dropping")
			return
		}
		defer limiter.Release()
	}

	dec, ok := c.pipe.Get(pipeline.Decoder).(DatagramDecoder)
	if !ok {
		c.pipe.FireError(ErrNoDecoder)
		return
	}
	msg, err := dec.DecodeDatagram(data)
	if err != nil {
		if c.client {
			c.pipe.FireError(err)
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "handleDatagram",
			"from":     from.String(),
			"error":    err.Error(),
		}).Debug("Dropping undecodable datagram")
		return
	}
	msg.Remote = from
	c.pipe.FireActivity()
	c.pipe.FireRead(msg)
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
