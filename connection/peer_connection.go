package connection

import (
	"sync"
	"time"

	"github.com/opd-ai/peercore/peer"
	"github.com/opd-ai/peercore/transport"
)

// PeerConnection is a persistent TCP connection to one peer. Requests sent
// over it share the socket; closing it fails every call still waiting on
// it.
type PeerConnection struct {
	remote    peer.Address
	heartbeat time.Duration

	mu     sync.Mutex
	future *transport.ConnectFuture
	closed bool
}

// NewPeerConnection creates a connection to remote that is opened by the
// first request sent over it. heartbeatMillis of zero disables heartbeats.
func NewPeerConnection(remote peer.Address, heartbeatMillis int) *PeerConnection {
	return &PeerConnection{
		remote:    remote,
		heartbeat: time.Duration(heartbeatMillis) * time.Millisecond,
	}
}

// NewPeerConnectionFrom wraps a channel remote opened to us.
func NewPeerConnectionFrom(remote peer.Address, ch *transport.Channel) *PeerConnection {
	pc := &PeerConnection{remote: remote}
	pc.future = transport.CompletedFuture(ch)
	return pc
}

// Remote returns the peer at the other end.
func (pc *PeerConnection) Remote() peer.Address {
	return pc.remote
}

// HeartbeatInterval returns the heartbeat interval, zero when disabled.
func (pc *PeerConnection) HeartbeatInterval() time.Duration {
	return pc.heartbeat
}

// inFlight returns the connect attempt while it is in progress or its
// channel is open, nil otherwise.
func (pc *PeerConnection) inFlight() *transport.ConnectFuture {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.reusable()
}

func (pc *PeerConnection) reusable() *transport.ConnectFuture {
	f := pc.future
	if f == nil {
		return nil
	}
	select {
	case <-f.Done():
		if ch := f.Channel(); ch != nil && ch.IsActive() {
			return f
		}
		return nil
	default:
		return f
	}
}

// connect returns the attempt in flight or starts one with create. Every
// caller shares the same socket.
func (pc *PeerConnection) connect(create func() *transport.ConnectFuture) (*transport.ConnectFuture, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return nil, ErrConnectionClosed
	}
	if f := pc.reusable(); f != nil {
		return f, nil
	}
	f := create()
	if f == nil {
		return nil, ErrNoChannel
	}
	pc.future = f
	return f, nil
}

// Future returns the connect attempt, nil before the first send.
func (pc *PeerConnection) Future() *transport.ConnectFuture {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.future
}

// Channel returns the connected channel, or nil.
func (pc *PeerConnection) Channel() *transport.Channel {
	f := pc.Future()
	if f == nil {
		return nil
	}
	return f.Channel()
}

// IsActive reports whether the connection is open.
func (pc *PeerConnection) IsActive() bool {
	ch := pc.Channel()
	return ch != nil && ch.IsActive()
}

// IsClosed reports whether Close was called.
func (pc *PeerConnection) IsClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

// Close closes the socket or aborts the connect in progress.
func (pc *PeerConnection) Close() {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return
	}
	pc.closed = true
	f := pc.future
	pc.mu.Unlock()

	if f != nil {
		closeWhenDone(f)
	}
}

func closeWhenDone(f *transport.ConnectFuture) {
	f.Cancel()
	go func() {
		<-f.Done()
		if ch := f.Channel(); ch != nil {
			ch.Close()
		}
	}()
}
