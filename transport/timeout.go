package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercore/peer"
	"github.com/opd-ai/peercore/pending"
	"github.com/opd-ai/peercore/pipeline"
)

// TimeoutFactory builds the idle detection stages of one chain. Both
// stages share the call they fail when the channel goes quiet.
type TimeoutFactory struct {
	call *pending.Call
	idle time.Duration
	role string
}

// NewTimeoutFactory creates the factory. call may be nil on the listener
// side; idleSeconds of zero disables detection.
func NewTimeoutFactory(call *pending.Call, idleSeconds int, role string) *TimeoutFactory {
	return &TimeoutFactory{
		call: call,
		idle: time.Duration(idleSeconds) * time.Second,
		role: role,
	}
}

// IdleStateHandler returns the "timeout0" stage.
func (f *TimeoutFactory) IdleStateHandler() *IdleStateHandler {
	return &IdleStateHandler{idle: f.idle}
}

// TimeHandler returns the "timeout1" stage.
func (f *TimeoutFactory) TimeHandler() *TimeHandler {
	return &TimeHandler{call: f.call, idle: f.idle, role: f.role}
}

// IdleStateHandler fires an idle event once no traffic was seen in
// either direction for the configured duration.
type IdleStateHandler struct {
	idle time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	last    time.Time
	stopped bool
}

// Added starts the timer if the channel is already active.
func (h *IdleStateHandler) Added(ctx *pipeline.Context) {
	if ch := ctx.Channel(); ch != nil && ch.IsActive() {
		h.start(ctx)
	}
}

// Active starts the timer.
func (h *IdleStateHandler) Active(ctx *pipeline.Context) {
	h.start(ctx)
}

// Activity records traffic.
func (h *IdleStateHandler) Activity(*pipeline.Context) {
	h.mu.Lock()
	h.last = time.Now()
	h.mu.Unlock()
}

// Inactive stops the timer.
func (h *IdleStateHandler) Inactive(*pipeline.Context) { h.stop() }

// Removed stops the timer.
func (h *IdleStateHandler) Removed(*pipeline.Context) { h.stop() }

func (h *IdleStateHandler) start(ctx *pipeline.Context) {
	if h.idle <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil || h.stopped {
		return
	}
	h.last = time.Now()
	h.timer = time.AfterFunc(h.idle, func() { h.check(ctx) })
}

func (h *IdleStateHandler) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
	}
}

func (h *IdleStateHandler) check(ctx *pipeline.Context) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	if elapsed := time.Since(h.last); elapsed < h.idle {
		h.timer.Reset(h.idle - elapsed)
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	ctx.FireIdle()
}

// TimeHandler turns an idle event into a timeout failure of the call and
// closes the channel.
type TimeHandler struct {
	call *pending.Call
	idle time.Duration
	role string
}

// Idle fails the call with a timeout cause. Status listeners are not
// notified here; the sender decides that when it sees the failure.
func (h *TimeHandler) Idle(ctx *pipeline.Context) {
	logrus.WithFields(logrus.Fields{
		"function": "TimeHandler.Idle",
		"role":     h.role,
		"idle":     h.idle.String(),
	}).Debug("Channel idle, closing")

	if h.call != nil {
		h.call.FailLater(nil, peer.NewError(peer.Timeout,
			fmt.Sprintf("%s: no traffic for %s", h.role, h.idle)))
	}
	ctx.Close()
	if h.call != nil {
		h.call.Commit()
	}
}
