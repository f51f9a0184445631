package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercore/message"
	"github.com/opd-ai/peercore/noise"
	"github.com/opd-ai/peercore/pipeline"
)

// permits is a non-blocking counting semaphore.
type permits struct {
	max  int64
	used atomic.Int64
}

func newPermits(max int) *permits {
	return &permits{max: int64(max)}
}

func (p *permits) tryAcquire() bool {
	for {
		used := p.used.Load()
		if used >= p.max {
			return false
		}
		if p.used.CompareAndSwap(used, used+1) {
			return true
		}
	}
}

func (p *permits) release() {
	p.used.Add(-1)
}

func (p *permits) inUse() int {
	return int(p.used.Load())
}

// DropConnection limits concurrent inbound work: connections for TCP,
// datagrams being processed for UDP. Work beyond the limit is dropped
// before it reaches the dispatcher. One instance is shared by all
// channels of a transport.
type DropConnection struct {
	limit *permits
}

// NewDropConnection creates a limiter allowing max concurrent units.
func NewDropConnection(max int) *DropConnection {
	return &DropConnection{limit: newPermits(max)}
}

// TryAcquire takes a unit if one is free.
func (d *DropConnection) TryAcquire() bool {
	return d.limit.tryAcquire()
}

// Release returns a unit.
func (d *DropConnection) Release() {
	d.limit.release()
}

// InUse returns the number of units taken.
func (d *DropConnection) InUse() int {
	return d.limit.inUse()
}

// HeartBeat periodically writes a keep-alive message on an active channel
// so that idle timeouts on either side never reclaim it.
type HeartBeat struct {
	interval time.Duration
	build    func() *message.Message

	mu   sync.Mutex
	stop chan struct{}
}

// NewHeartBeat creates a heartbeat stage. build returns the message sent
// on every tick.
func NewHeartBeat(interval time.Duration, build func() *message.Message) *HeartBeat {
	return &HeartBeat{interval: interval, build: build}
}

// Added starts the heartbeat if the channel is already active.
func (h *HeartBeat) Added(ctx *pipeline.Context) {
	if ch := ctx.Channel(); ch != nil && ch.IsActive() {
		h.start(ctx)
	}
}

// Active starts the heartbeat.
func (h *HeartBeat) Active(ctx *pipeline.Context) {
	h.start(ctx)
}

// Inactive stops the heartbeat.
func (h *HeartBeat) Inactive(*pipeline.Context) {
	h.halt()
}

// Removed stops the heartbeat.
func (h *HeartBeat) Removed(*pipeline.Context) {
	h.halt()
}

func (h *HeartBeat) start(ctx *pipeline.Context) {
	if h.interval <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		return
	}
	stop := make(chan struct{})
	h.stop = stop
	go h.run(ctx, stop)
}

func (h *HeartBeat) halt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
}

func (h *HeartBeat) run(ctx *pipeline.Context, stop chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := ctx.Write(h.build()); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "HeartBeat.run",
					"error":    err.Error(),
				}).Debug("Failed to write heartbeat")
			}
		}
	}
}

// NoiseHandshaker is the "handshake" stage of TCP chains. It runs a Noise
// XX handshake before the first frame.
type NoiseHandshaker struct {
	key     noise.StaticKey
	timeout time.Duration
}

// NewNoiseHandshaker creates the handshake stage.
func NewNoiseHandshaker(key noise.StaticKey, timeout time.Duration) *NoiseHandshaker {
	return &NoiseHandshaker{key: key, timeout: timeout}
}

// Handshake secures conn. client selects the initiator role.
func (h *NoiseHandshaker) Handshake(conn net.Conn, client bool) (net.Conn, error) {
	if client {
		return noise.Client(conn, h.key, h.timeout)
	}
	return noise.Server(conn, h.key, h.timeout)
}

// setTCPOptions applies best-effort options to an accepted connection.
func setTCPOptions(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetNoDelay(true); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "setTCPOptions",
			"option":   "TCP_NODELAY",
			"error":    err.Error(),
		}).Debug("Socket option refused, skipping")
	}
	if err := tc.SetLinger(0); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "setTCPOptions",
			"option":   "SO_LINGER",
			"error":    err.Error(),
		}).Debug("Socket option refused, skipping")
	}
}
