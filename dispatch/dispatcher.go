// Package dispatch routes inbound requests to the handler registered for
// their command and writes the reply on the socket the request came from.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercore/message"
	"github.com/opd-ai/peercore/peer"
	"github.com/opd-ai/peercore/pipeline"
)

// HandlerFunc serves one request. A nil reply sends nothing; handlers that
// answer later write on ctx themselves. A returned error becomes an
// EXCEPTION reply.
type HandlerFunc func(ctx *pipeline.Context, req *message.Message) (*message.Message, error)

// Dispatcher is the "dispatcher" stage shared by every inbound chain.
// Messages that are not requests are passed on to the next stage.
type Dispatcher struct {
	self func() peer.Address

	mu       sync.RWMutex
	handlers map[message.Command]HandlerFunc
}

// New creates a dispatcher answering pings. self returns the address put
// on replies.
func New(self func() peer.Address) *Dispatcher {
	d := &Dispatcher{
		self:     self,
		handlers: make(map[message.Command]HandlerFunc),
	}
	d.Register(message.Ping, PingHandler(self))
	return d
}

// Register installs fn for cmd, replacing any previous handler.
func (d *Dispatcher) Register(cmd message.Command, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[cmd] = fn
}

// Unregister removes the handler for cmd.
func (d *Dispatcher) Unregister(cmd message.Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, cmd)
}

func (d *Dispatcher) lookup(cmd message.Command) HandlerFunc {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[cmd]
}

// Read serves requests and forwards everything else.
func (d *Dispatcher) Read(ctx *pipeline.Context, msg *message.Message) {
	if !msg.IsRequest() {
		ctx.FireRead(msg)
		return
	}

	fn := d.lookup(msg.Command)
	if fn == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatcher.Read",
			"command":  msg.Command.String(),
			"sender":   msg.Sender.String(),
		}).Debug("No handler registered for command")
		d.reply(ctx, msg, msg.Response(message.UnknownID, d.self()))
		return
	}

	reply, err := d.serve(fn, ctx, msg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatcher.Read",
			"command":  msg.Command.String(),
			"error":    err.Error(),
		}).Debug("Handler failed")
		d.reply(ctx, msg, msg.Response(message.Exception, d.self()))
		return
	}
	if reply != nil {
		d.reply(ctx, msg, reply)
	}
}

// serve runs fn and turns a panic into an error.
func (d *Dispatcher) serve(fn HandlerFunc, ctx *pipeline.Context, msg *message.Message) (reply *message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, msg)
}

func (d *Dispatcher) reply(ctx *pipeline.Context, req, reply *message.Message) {
	if req.IsFireAndForget() {
		return
	}
	if err := ctx.Write(reply); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatcher.reply",
			"command":  req.Command.String(),
			"error":    err.Error(),
		}).Debug("Failed to write reply")
	}
}

// Caught passes the failure on and closes TCP channels. The shared UDP
// socket stays open.
func (d *Dispatcher) Caught(ctx *pipeline.Context, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "Dispatcher.Caught",
		"error":    err.Error(),
	}).Debug("Error on inbound channel")

	ctx.FireError(err)
	if ch := ctx.Channel(); ch != nil && !ch.IsUDP() {
		ch.Close()
	}
}

// PingHandler answers REQUEST_1 pings with OK. Fire-and-forget pings are
// heartbeats and get no answer.
func PingHandler(self func() peer.Address) HandlerFunc {
	return func(_ *pipeline.Context, req *message.Message) (*message.Message, error) {
		if req.Type == message.Request1 {
			return req.Response(message.OK, self()), nil
		}
		return nil, nil
	}
}
