// Package pending implements the one-shot completion handle bound to every
// sent message, and the race used to probe several peers at once.
package pending

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/peercore/message"
	"github.com/opd-ai/peercore/peer"
)

// State is the lifecycle state of a Call.
type State uint8

const (
	Pending State = iota
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ErrChannelClosed fails a call whose socket closed before an outcome was
// armed with SucceedLater or FailLater.
var ErrChannelClosed = errors.New("channel closed before a response arrived")

type armedOutcome struct {
	success  bool
	response *message.Message
	err      error
}

// Call is bound to exactly one request. It transitions from Pending to
// exactly one terminal state; every later transition is a no-op.
type Call struct {
	request *message.Message

	mu        sync.Mutex
	state     State
	response  *message.Message
	err       error
	armed     *armedOutcome
	done      chan struct{}
	onDone    []func(*Call)
	progress  []func(*message.Message)
	cancels   map[int]func()
	nextToken int

	failureReported atomic.Bool
}

// New creates a pending call for request.
func New(request *message.Message) *Call {
	return &Call{
		request: request,
		done:    make(chan struct{}),
		cancels: make(map[int]func()),
	}
}

// Request returns the message this call is bound to.
func (c *Call) Request() *message.Message {
	return c.request
}

// Succeed completes the call with resp.
func (c *Call) Succeed(resp *message.Message) bool {
	return c.finish(Completed, resp, nil)
}

// Fail fails the call with err.
func (c *Call) Fail(err error) bool {
	return c.finish(Failed, nil, err)
}

// FailWith fails the call, recording the response that caused the failure.
func (c *Call) FailWith(resp *message.Message, err error) bool {
	return c.finish(Failed, resp, err)
}

// Cancel cancels the call and runs every registered cancel callback. The
// call is already terminal when the callbacks run, so outcomes they
// trigger, such as a socket close committing the call, are no-ops.
func (c *Call) Cancel() bool {
	c.mu.Lock()
	if c.state != Pending {
		c.mu.Unlock()
		return false
	}
	callbacks := make([]func(), 0, len(c.cancels))
	for token := 0; token < c.nextToken; token++ {
		if fn, ok := c.cancels[token]; ok {
			callbacks = append(callbacks, fn)
		}
	}
	listeners := c.terminate(Cancelled, nil, peer.NewError(peer.UserAbort, "cancelled by user"))
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	for _, fn := range listeners {
		fn(c)
	}
	return true
}

// SucceedLater arms a successful outcome that takes effect on Commit.
// The caller closes the socket and commits once the close completed.
func (c *Call) SucceedLater(resp *message.Message) {
	c.arm(&armedOutcome{success: true, response: resp})
}

// FailLater arms a failed outcome that takes effect on Commit.
func (c *Call) FailLater(resp *message.Message, err error) {
	c.arm(&armedOutcome{response: resp, err: err})
}

func (c *Call) arm(o *armedOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Pending && c.armed == nil {
		c.armed = o
	}
}

// Commit applies the armed outcome. Without one the call fails with
// ErrChannelClosed.
func (c *Call) Commit() bool {
	c.mu.Lock()
	armed := c.armed
	c.mu.Unlock()

	if armed == nil {
		return c.Fail(ErrChannelClosed)
	}
	if armed.success {
		return c.Succeed(armed.response)
	}
	return c.FailWith(armed.response, armed.err)
}

// Progress delivers a non-terminal response, used by streaming replies.
// Listeners run in the caller's goroutine, in receipt order.
func (c *Call) Progress(resp *message.Message) {
	c.mu.Lock()
	if c.state != Pending {
		c.mu.Unlock()
		return
	}
	listeners := append([]func(*message.Message){}, c.progress...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(resp)
	}
}

// OnProgress registers a progress listener.
func (c *Call) OnProgress(fn func(*message.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = append(c.progress, fn)
}

// OnDone registers fn to run once the call is terminal. If it already is,
// fn runs immediately.
func (c *Call) OnDone(fn func(*Call)) {
	c.mu.Lock()
	if c.state != Pending {
		c.mu.Unlock()
		fn(c)
		return
	}
	c.onDone = append(c.onDone, fn)
	c.mu.Unlock()
}

// AddCancel registers a callback run when the call is cancelled. The
// returned function removes it again.
func (c *Call) AddCancel(fn func()) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Pending {
		return func() {}
	}
	token := c.nextToken
	c.nextToken++
	c.cancels[token] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.cancels, token)
	}
}

// Done is closed once the call reached a terminal state.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Await blocks until the call is terminal or ctx ends. It is meant for
// synchronous callers; protocol code registers OnDone instead.
func (c *Call) Await(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsCompleted reports whether the call reached any terminal state.
func (c *Call) IsCompleted() bool {
	return c.State() != Pending
}

// IsSuccess reports whether the call completed successfully.
func (c *Call) IsSuccess() bool {
	return c.State() == Completed
}

// IsFailed reports whether the call failed or was cancelled.
func (c *Call) IsFailed() bool {
	s := c.State()
	return s == Failed || s == Cancelled
}

// Response returns the terminal response, which may be nil.
func (c *Call) Response() *message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// Err returns the failure cause, or nil.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// MarkFailureReported returns true exactly once. Callers use it to notify
// peer-failed listeners at most once per call.
func (c *Call) MarkFailureReported() bool {
	return c.failureReported.CompareAndSwap(false, true)
}

func (c *Call) finish(state State, resp *message.Message, err error) bool {
	c.mu.Lock()
	if c.state != Pending {
		c.mu.Unlock()
		return false
	}
	listeners := c.terminate(state, resp, err)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(c)
	}
	return true
}

// terminate moves a pending call to state and returns its done listeners.
// c.mu must be held.
func (c *Call) terminate(state State, resp *message.Message, err error) []func(*Call) {
	c.state = state
	c.response = resp
	c.err = err
	c.armed = nil
	c.cancels = nil
	listeners := c.onDone
	c.onDone = nil
	c.progress = nil
	close(c.done)
	return listeners
}
