package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercore/pending"
	"github.com/opd-ai/peercore/pipeline"
)

// ErrCreatorShutdown is returned by futures cancelled by Shutdown.
var ErrCreatorShutdown = errors.New("channel creator shut down")

// ConnectFuture is the outcome of opening an outbound channel.
type ConnectFuture struct {
	done   chan struct{}
	once   sync.Once
	ch     *Channel
	err    error
	cancel context.CancelFunc
}

func newConnectFuture(cancel context.CancelFunc) *ConnectFuture {
	return &ConnectFuture{done: make(chan struct{}), cancel: cancel}
}

// CompletedFuture returns a future already holding ch.
func CompletedFuture(ch *Channel) *ConnectFuture {
	f := newConnectFuture(func() {})
	f.complete(ch, nil)
	return f
}

func (f *ConnectFuture) complete(ch *Channel, err error) {
	f.once.Do(func() {
		f.ch = ch
		f.err = err
		close(f.done)
	})
}

// Done is closed once the connect attempt finished.
func (f *ConnectFuture) Done() <-chan struct{} { return f.done }

// Channel returns the connected channel, nil on failure or before Done.
func (f *ConnectFuture) Channel() *Channel {
	select {
	case <-f.done:
		return f.ch
	default:
		return nil
	}
}

// Err returns why the attempt failed, nil on success or before Done.
func (f *ConnectFuture) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Cancel aborts a connect still in progress. It has no effect once the
// attempt finished.
func (f *ConnectFuture) Cancel() {
	f.cancel()
}

// ChannelCreator opens outbound channels within fixed TCP and UDP budgets.
// A permit is held from the connect attempt until the channel closed.
type ChannelCreator struct {
	cfg    *ClientConfig
	dialer Dialer
	tcp    *permits
	udp    *permits

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	open     map[string]*Channel
	shutdown bool
	wg       sync.WaitGroup
	done     chan struct{}
}

// NewChannelCreator creates a creator for cfg.
func NewChannelCreator(cfg *ClientConfig) (*ChannelCreator, error) {
	if cfg == nil {
		cfg = NewClientConfig()
	}
	if cfg.Filter == nil {
		cfg.Filter = pipeline.NopFilter
	}
	dialer, err := newDialer(cfg.Proxy, cfg.LocalIP)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ChannelCreator{
		cfg:    cfg,
		dialer: dialer,
		tcp:    newPermits(cfg.MaxPermitsTCP),
		udp:    newPermits(cfg.MaxPermitsUDP),
		ctx:    ctx,
		cancel: cancel,
		open:   make(map[string]*Channel),
	}, nil
}

func (c *ChannelCreator) acquire(p *permits) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown || !p.tryAcquire() {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *ChannelCreator) release(p *permits) {
	p.release()
	c.wg.Done()
}

// track registers ch and returns its permit when it closes.
func (c *ChannelCreator) track(ch *Channel, p *permits) {
	c.mu.Lock()
	c.open[ch.ID()] = ch
	late := c.shutdown
	c.mu.Unlock()
	if late {
		ch.Close()
	}
	ch.OnClose(func() {
		c.mu.Lock()
		delete(c.open, ch.ID())
		c.mu.Unlock()
		c.release(p)
	})
}

// CreateTCP connects to addr and runs handlers on the new connection. It
// returns nil when the TCP budget is exhausted or the creator is shut
// down. A positive connectTimeoutMillis bounds the connect.
func (c *ChannelCreator) CreateTCP(addr *net.TCPAddr, connectTimeoutMillis int, handlers *pipeline.Handlers, call *pending.Call) *ConnectFuture {
	if !c.acquire(c.tcp) {
		return nil
	}

	if c.cfg.Noise != nil && handlers.Get(pipeline.Handshake) == nil {
		handlers.InsertBefore(pipeline.Decoder, pipeline.Handshake,
			NewNoiseHandshaker(*c.cfg.Noise, c.cfg.HandshakeTimeout))
	}
	handlers = c.cfg.Filter(handlers, true, true)

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if connectTimeoutMillis > 0 {
		ctx, cancel = context.WithTimeout(c.ctx, time.Duration(connectTimeoutMillis)*time.Millisecond)
	} else {
		ctx, cancel = context.WithCancel(c.ctx)
	}
	f := newConnectFuture(cancel)

	go func() {
		defer cancel()
		conn, err := c.dialer.DialContext(ctx, "tcp", addr.String())
		if err == nil && ctx.Err() != nil {
			conn.Close()
			err = ctx.Err()
		}
		if err != nil {
			c.release(c.tcp)
			f.complete(nil, c.connectError(addr, err))
			return
		}

		ch := newTCPChannel(conn, pipeline.NewFrom(handlers), true)
		c.track(ch, c.tcp)
		if err := ch.activate(); err != nil {
			f.complete(nil, err)
			return
		}
		if call != nil {
			c.SetupCloseListener(ch, call)
		}
		f.complete(ch, nil)
	}()
	return f
}

func (c *ChannelCreator) connectError(addr *net.TCPAddr, err error) error {
	if c.ctx.Err() != nil {
		return ErrCreatorShutdown
	}
	return fmt.Errorf("connect %s: %w", addr, err)
}

// CreateUDP opens a UDP socket running handlers. broadcast enables
// SO_BROADCAST. It returns nil when the UDP budget is exhausted or the
// creator is shut down.
func (c *ChannelCreator) CreateUDP(broadcast bool, handlers *pipeline.Handlers, call *pending.Call) *ConnectFuture {
	if !c.acquire(c.udp) {
		return nil
	}
	handlers = c.cfg.Filter(handlers, false, true)

	local := ":0"
	if c.cfg.LocalIP != nil {
		local = net.JoinHostPort(c.cfg.LocalIP.String(), "0")
	}
	lc := net.ListenConfig{Control: socketControl(broadcast)}
	pc, err := lc.ListenPacket(c.ctx, "udp", local)
	if err != nil {
		c.release(c.udp)
		f := newConnectFuture(func() {})
		f.complete(nil, fmt.Errorf("open udp socket: %w", err))
		return f
	}

	ch := newUDPChannel(pc, pipeline.NewFrom(handlers), true)
	c.track(ch, c.udp)
	f := newConnectFuture(func() {})
	if err := ch.activate(); err != nil {
		f.complete(nil, err)
		return f
	}
	if call != nil {
		c.SetupCloseListener(ch, call)
	}
	f.complete(ch, nil)
	return f
}

// SetupCloseListener resolves call with its armed outcome once ch closed.
// The listener is dropped when the call resolves first.
func (c *ChannelCreator) SetupCloseListener(ch *Channel, call *pending.Call) {
	remove := ch.OnClose(func() {
		call.Commit()
	})
	call.OnDone(func(*pending.Call) { remove() })
}

// OpenChannels returns the number of open outbound channels.
func (c *ChannelCreator) OpenChannels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

// Shutdown refuses new channels, aborts pending connects and closes all
// open channels. The returned channel is closed once every permit was
// returned.
func (c *ChannelCreator) Shutdown() <-chan struct{} {
	c.mu.Lock()
	if c.done != nil {
		done := c.done
		c.mu.Unlock()
		return done
	}
	c.shutdown = true
	c.done = make(chan struct{})
	done := c.done
	open := make([]*Channel, 0, len(c.open))
	for _, ch := range c.open {
		open = append(open, ch)
	}
	c.mu.Unlock()

	c.cancel()
	go func() {
		for _, ch := range open {
			ch.Close()
		}
		c.wg.Wait()
		logrus.WithFields(logrus.Fields{
			"function": "ChannelCreator.Shutdown",
		}).Debug("All outbound channels closed")
		close(done)
	}()
	return done
}
