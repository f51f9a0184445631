package pending

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peercore/message"
	"github.com/opd-ai/peercore/peer"
)

func newRequest() *message.Message {
	self := peer.NewAddress(peer.RandomID(), peer.NewSocketAddress(net.IPv4(127, 0, 0, 1), 1))
	other := peer.NewAddress(peer.RandomID(), peer.NewSocketAddress(net.IPv4(127, 0, 0, 1), 2))
	return message.New(message.Ping, message.Request1, self, other)
}

func TestSingleTerminalTransition(t *testing.T) {
	req := newRequest()
	call := New(req)
	var doneCount atomic.Int32
	call.OnDone(func(*Call) { doneCount.Add(1) })

	resp := req.Response(message.OK, req.Recipient)
	assert.True(t, call.Succeed(resp))
	assert.False(t, call.Succeed(resp))
	assert.False(t, call.Fail(errors.New("late")))
	assert.False(t, call.Cancel())

	assert.Equal(t, Completed, call.State())
	assert.Same(t, resp, call.Response())
	assert.NoError(t, call.Err())
	assert.Equal(t, int32(1), doneCount.Load())
}

func TestConcurrentResolutionHasOneWinner(t *testing.T) {
	call := New(newRequest())
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var won bool
			if i%2 == 0 {
				won = call.Succeed(nil)
			} else {
				won = call.Fail(errors.New("boom"))
			}
			if won {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestCancelRunsCallbacks(t *testing.T) {
	call := New(newRequest())
	var ran []string
	call.AddCancel(func() { ran = append(ran, "connect") })
	remove := call.AddCancel(func() { ran = append(ran, "removed") })
	call.AddCancel(func() { ran = append(ran, "write") })
	remove()

	assert.True(t, call.Cancel())
	assert.ElementsMatch(t, []string{"connect", "write"}, ran)
	assert.True(t, peer.IsUserAbort(call.Err()))
	assert.True(t, call.IsFailed())

	assert.False(t, call.Cancel())
	assert.Len(t, ran, 2)
}

func TestCancelCallbacksSeeTerminalState(t *testing.T) {
	call := New(newRequest())
	var seen State
	var committed bool
	// closing a socket from a cancel hook commits the call
	call.AddCancel(func() {
		seen = call.State()
		committed = call.Commit()
	})
	var reported bool
	call.OnDone(func(c *Call) {
		reported = !peer.IsUserAbort(c.Err())
	})

	assert.True(t, call.Cancel())
	assert.Equal(t, Cancelled, seen)
	assert.False(t, committed)
	assert.Equal(t, Cancelled, call.State())
	assert.True(t, peer.IsUserAbort(call.Err()))
	assert.False(t, reported)
}

func TestCancelCallbacksRunInOrder(t *testing.T) {
	call := New(newRequest())
	var ran []int
	for i := 0; i < 5; i++ {
		call.AddCancel(func() { ran = append(ran, i) })
	}
	call.Cancel()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ran)
}

func TestCancelAfterSuccessIsNoop(t *testing.T) {
	call := New(newRequest())
	var ran bool
	call.AddCancel(func() { ran = true })
	call.Succeed(nil)
	assert.False(t, call.Cancel())
	assert.False(t, ran)
}

func TestSucceedLaterWaitsForCommit(t *testing.T) {
	req := newRequest()
	call := New(req)
	resp := req.Response(message.OK, req.Recipient)

	call.SucceedLater(resp)
	assert.Equal(t, Pending, call.State())
	select {
	case <-call.Done():
		t.Fatal("resolved before commit")
	default:
	}

	assert.True(t, call.Commit())
	assert.True(t, call.IsSuccess())
	assert.Same(t, resp, call.Response())
}

func TestFailLaterKeepsFirstArmedOutcome(t *testing.T) {
	call := New(newRequest())
	cause := errors.New("write failed")
	call.FailLater(nil, cause)
	call.SucceedLater(nil)

	call.Commit()
	assert.ErrorIs(t, call.Err(), cause)
}

func TestCommitWithoutOutcomeFails(t *testing.T) {
	call := New(newRequest())
	assert.True(t, call.Commit())
	assert.ErrorIs(t, call.Err(), ErrChannelClosed)
}

func TestProgressBeforeTerminal(t *testing.T) {
	req := newRequest()
	call := New(req)
	var seen []*message.Message
	call.OnProgress(func(m *message.Message) { seen = append(seen, m) })

	first := req.Response(message.PartiallyOK, req.Recipient)
	second := req.Response(message.OK, req.Recipient)
	call.Progress(first)
	call.Progress(second)
	call.Succeed(second)
	call.Progress(second)

	assert.Equal(t, []*message.Message{first, second}, seen)
}

func TestOnDoneAfterTerminalRunsImmediately(t *testing.T) {
	call := New(newRequest())
	call.Fail(errors.New("x"))
	var ran bool
	call.OnDone(func(c *Call) { ran = c.IsFailed() })
	assert.True(t, ran)
}

func TestAwait(t *testing.T) {
	call := New(newRequest())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, call.Await(ctx), context.DeadlineExceeded)

	go call.Fail(errors.New("gone"))
	err := call.Await(context.Background())
	require.Error(t, err)
	assert.Equal(t, "gone", err.Error())
}

func TestMarkFailureReportedOnce(t *testing.T) {
	call := New(newRequest())
	assert.True(t, call.MarkFailureReported())
	assert.False(t, call.MarkFailureReported())
}
