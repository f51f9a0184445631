package pipeline

import (
	"errors"

	"github.com/opd-ai/peercore/message"
)

// ErrNotAttached is returned when writing through a pipeline that has no
// socket yet.
var ErrNotAttached = errors.New("pipeline not attached to a channel")

// Context is handed to a stage for each event. Contexts passed to a Read,
// Caught or Idle call continue in the table the event started in; stored
// contexts (from Added or Active) continue in the table current at the
// time of the call.
type Context struct {
	p    *Pipeline
	name string
	snap []entry
	idx  int
}

// Name returns the name of the stage the context belongs to.
func (c *Context) Name() string {
	return c.name
}

// Pipeline returns the pipeline the stage is part of.
func (c *Context) Pipeline() *Pipeline {
	return c.p
}

// Channel returns the socket, or nil if not attached yet.
func (c *Context) Channel() Channel {
	return c.p.Channel()
}

// FireRead passes msg to the next InboundHandler.
func (c *Context) FireRead(msg *message.Message) {
	entries, next := c.position()
	if next < 0 {
		return
	}
	c.p.fireRead(entries, next, msg)
}

// FireError passes err to the next ErrorHandler.
func (c *Context) FireError(err error) {
	entries, next := c.position()
	if next < 0 {
		return
	}
	c.p.fireError(entries, next, err)
}

// FireIdle passes the idle event to the next IdleHandler.
func (c *Context) FireIdle() {
	entries, next := c.position()
	if next < 0 {
		return
	}
	c.p.fireIdle(entries, next)
}

// Write sends msg on the socket.
func (c *Context) Write(msg *message.Message) error {
	ch := c.Channel()
	if ch == nil {
		return ErrNotAttached
	}
	return ch.Write(msg)
}

// Close closes the socket.
func (c *Context) Close() error {
	ch := c.Channel()
	if ch == nil {
		return ErrNotAttached
	}
	return ch.Close()
}

// position returns the table to continue in and the index after this
// stage. A stage that was removed meanwhile yields -1.
func (c *Context) position() ([]entry, int) {
	if c.snap != nil {
		return c.snap, c.idx + 1
	}
	entries := c.p.entries()
	idx := indexOf(entries, c.name)
	if idx < 0 {
		return nil, -1
	}
	return entries, idx + 1
}
