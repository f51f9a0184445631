package peer

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressWithMethodsReturnCopies(t *testing.T) {
	relay := NewSocketAddress(net.IPv4(10, 0, 0, 1), 4000)
	orig := NewAddress(RandomID(), NewSocketAddress(net.IPv4(127, 0, 0, 1), 7000)).
		WithRelays([]SocketAddress{relay})

	relayed := orig.WithRelayed(true)
	assert.False(t, orig.Relayed)
	assert.True(t, relayed.Relayed)

	moved := orig.WithSocket(NewSocketAddress(net.IPv4(127, 0, 0, 2), 7001))
	assert.Equal(t, 7000, orig.Socket.TCPPort)
	assert.Equal(t, 7001, moved.Socket.TCPPort)

	pruned := orig.WithRelays(nil)
	assert.Len(t, orig.Relays, 1)
	assert.Empty(t, pruned.Relays)

	// mutating the copy's slice must not leak into the original
	copyAddr := orig.WithRelayed(false)
	copyAddr.Relays[0].TCPPort = 1
	assert.Equal(t, 4000, orig.Relays[0].TCPPort)
}

func TestAddressEqual(t *testing.T) {
	id := RandomID()
	a := NewAddress(id, NewSocketAddress(net.IPv4(127, 0, 0, 1), 7000))
	b := NewAddress(id, NewSocketAddress(net.IPv4(127, 0, 0, 1), 7000))
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(b.WithRelayed(true)))
	assert.False(t, a.Equal(b.WithRelays([]SocketAddress{NewSocketAddress(net.IPv4(1, 2, 3, 4), 1)})))
	assert.True(t, a.SameID(b.WithRelayed(true)))
}

func TestIDFromHex(t *testing.T) {
	id := RandomID()
	parsed, err := IDFromHex(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = IDFromHex("abcd")
	assert.Error(t, err)
	_, err = IDFromHex("zz")
	assert.Error(t, err)
	assert.True(t, ID{}.IsZero())
}

func TestErrorCauses(t *testing.T) {
	base := errors.New("connection reset")
	wrapped := WrapError(base)
	assert.Equal(t, PeerError, wrapped.Cause)
	assert.ErrorIs(t, wrapped, base)

	abort := NewError(PeerAbort, "unexpected id")
	assert.Same(t, abort, WrapError(abort))
	assert.True(t, IsPeerAbort(abort))
	assert.False(t, IsTimeout(abort))
	assert.True(t, IsTimeout(NewError(Timeout, "idle")))
	assert.True(t, IsUserAbort(NewError(UserAbort, "cancelled")))
	assert.Nil(t, WrapError(nil))
	assert.Contains(t, abort.Error(), "peer_abort")
}

type recordingListener struct {
	mu     sync.Mutex
	found  []Address
	failed []*Error
}

func (l *recordingListener) PeerFound(addr Address, _ *Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.found = append(l.found, addr)
}

func (l *recordingListener) PeerFailed(_ Address, err *Error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, err)
}

func TestRegistryNotifiesAllListeners(t *testing.T) {
	reg := NewRegistry()
	l1, l2 := &recordingListener{}, &recordingListener{}
	reg.Add(l1)
	reg.Add(l2)
	assert.Equal(t, 2, reg.Len())

	addr := NewAddress(RandomID(), NewSocketAddress(net.IPv4(127, 0, 0, 1), 1))
	reg.NotifyFound(addr, nil)
	reg.NotifyFailed(addr, NewError(Timeout, "idle"))

	assert.Len(t, l1.found, 1)
	assert.Len(t, l2.failed, 1)

	assert.True(t, reg.Remove(l1))
	assert.False(t, reg.Remove(l1))
	reg.NotifyFound(addr, nil)
	assert.Len(t, l1.found, 1)
	assert.Len(t, l2.found, 2)
}

func TestRegistryConcurrentRegistration(t *testing.T) {
	reg := NewRegistry()
	addr := NewAddress(RandomID(), NewSocketAddress(net.IPv4(127, 0, 0, 1), 1))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.Add(&recordingListener{})
		}()
		go func() {
			defer wg.Done()
			reg.NotifyFound(addr, nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, reg.Len())
}
