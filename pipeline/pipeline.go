package pipeline

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peercore/message"
)

var (
	// ErrDuplicateName is returned when adding a stage whose name is taken.
	ErrDuplicateName = errors.New("duplicate stage name")
	// ErrNoSuchStage is returned when a named stage does not exist.
	ErrNoSuchStage = errors.New("no such stage")
)

// Channel is the socket a pipeline is attached to.
type Channel interface {
	ID() string
	Write(msg *message.Message) error
	Close() error
	CloseNotify() <-chan struct{}
	IsActive() bool
	IsUDP() bool
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Pipeline() *Pipeline
}

// InboundHandler receives decoded messages. Call ctx.FireRead to pass the
// message on to the next stage.
type InboundHandler interface {
	Read(ctx *Context, msg *message.Message)
}

// ActiveHandler is told when the socket becomes usable.
type ActiveHandler interface {
	Active(ctx *Context)
}

// InactiveHandler is told when the socket closed.
type InactiveHandler interface {
	Inactive(ctx *Context)
}

// ErrorHandler receives failures. Call ctx.FireError to pass them on.
type ErrorHandler interface {
	Caught(ctx *Context, err error)
}

// ActivityHandler is told about every read and write on the socket.
type ActivityHandler interface {
	Activity(ctx *Context)
}

// IdleHandler receives idle events. Call ctx.FireIdle to pass them on.
type IdleHandler interface {
	Idle(ctx *Context)
}

// AddedHandler is told when it is added to a pipeline.
type AddedHandler interface {
	Added(ctx *Context)
}

// RemovedHandler is told when it is removed from a pipeline.
type RemovedHandler interface {
	Removed(ctx *Context)
}

type entry struct {
	name    string
	handler any
}

// Pipeline is the live stage table of one socket. Mutations are
// serialized by a lock; event delivery reads an immutable snapshot, so a
// frame is delivered either entirely before or entirely after a change.
type Pipeline struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[[]entry]
	channel  atomic.Value
}

// New creates an empty pipeline.
func New() *Pipeline {
	p := &Pipeline{}
	empty := []entry{}
	p.snapshot.Store(&empty)
	return p
}

// NewFrom creates a pipeline holding the stages of h in order.
func NewFrom(h *Handlers) *Pipeline {
	p := New()
	if h == nil {
		return p
	}
	entries := make([]entry, 0, h.Len())
	for _, name := range h.names {
		entries = append(entries, entry{name: name, handler: h.byName[name]})
	}
	p.snapshot.Store(&entries)
	return p
}

// Attach binds the pipeline to its socket and tells every stage that it
// was added.
func (p *Pipeline) Attach(ch Channel) {
	p.channel.Store(&ch)
	for _, e := range p.entries() {
		if h, ok := e.handler.(AddedHandler); ok {
			h.Added(p.context(e.name))
		}
	}
}

// Channel returns the attached socket, or nil.
func (p *Pipeline) Channel() Channel {
	if ch, ok := p.channel.Load().(*Channel); ok {
		return *ch
	}
	return nil
}

func (p *Pipeline) entries() []entry {
	return *p.snapshot.Load()
}

func (p *Pipeline) context(name string) *Context {
	return &Context{p: p, name: name}
}

// Get returns the stage registered under name, or nil.
func (p *Pipeline) Get(name string) any {
	for _, e := range p.entries() {
		if e.name == name {
			return e.handler
		}
	}
	return nil
}

// Names returns the stage names in order.
func (p *Pipeline) Names() []string {
	entries := p.entries()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}

// AddFirst inserts a stage at the head.
func (p *Pipeline) AddFirst(name string, h any) error {
	return p.insert(name, h, func([]entry) int { return 0 })
}

// AddLast appends a stage.
func (p *Pipeline) AddLast(name string, h any) error {
	return p.insert(name, h, func(cur []entry) int { return len(cur) })
}

// AddBefore inserts a stage in front of base.
func (p *Pipeline) AddBefore(base, name string, h any) error {
	return p.insert(name, h, func(cur []entry) int { return indexOf(cur, base) })
}

func (p *Pipeline) insert(name string, h any, position func([]entry) int) error {
	p.mu.Lock()
	cur := p.entries()
	if indexOf(cur, name) >= 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	idx := position(cur)
	if idx < 0 {
		p.mu.Unlock()
		return ErrNoSuchStage
	}
	next := make([]entry, 0, len(cur)+1)
	next = append(next, cur[:idx]...)
	next = append(next, entry{name: name, handler: h})
	next = append(next, cur[idx:]...)
	p.snapshot.Store(&next)
	p.mu.Unlock()

	p.notifyAdded(name, h)
	return nil
}

// Replace swaps the stage registered under name and returns the old one.
func (p *Pipeline) Replace(name string, h any) (any, error) {
	p.mu.Lock()
	cur := p.entries()
	idx := indexOf(cur, name)
	if idx < 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoSuchStage, name)
	}
	old := cur[idx].handler
	next := append([]entry(nil), cur...)
	next[idx] = entry{name: name, handler: h}
	p.snapshot.Store(&next)
	p.mu.Unlock()

	p.notifyRemoved(name, old)
	p.notifyAdded(name, h)
	return old, nil
}

// Remove deletes a stage and returns it.
func (p *Pipeline) Remove(name string) (any, error) {
	p.mu.Lock()
	cur := p.entries()
	idx := indexOf(cur, name)
	if idx < 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoSuchStage, name)
	}
	old := cur[idx].handler
	next := make([]entry, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	p.snapshot.Store(&next)
	p.mu.Unlock()

	p.notifyRemoved(name, old)
	return old, nil
}

// AddOrReplace replaces the stage registered under name, or inserts it in
// front of before. If before is absent too, the stage is appended. The
// check and the change happen under one lock.
func (p *Pipeline) AddOrReplace(before, name string, h any) {
	p.mu.Lock()
	cur := p.entries()
	var old any
	next := make([]entry, 0, len(cur)+1)
	if idx := indexOf(cur, name); idx >= 0 {
		old = cur[idx].handler
		next = append(next, cur...)
		next[idx] = entry{name: name, handler: h}
	} else if idx := indexOf(cur, before); idx >= 0 {
		next = append(next, cur[:idx]...)
		next = append(next, entry{name: name, handler: h})
		next = append(next, cur[idx:]...)
	} else {
		next = append(next, cur...)
		next = append(next, entry{name: name, handler: h})
	}
	p.snapshot.Store(&next)
	p.mu.Unlock()

	if old != nil {
		p.notifyRemoved(name, old)
	}
	p.notifyAdded(name, h)
}

func (p *Pipeline) notifyAdded(name string, h any) {
	if p.Channel() == nil {
		return
	}
	if a, ok := h.(AddedHandler); ok {
		a.Added(p.context(name))
	}
}

func (p *Pipeline) notifyRemoved(name string, h any) {
	if r, ok := h.(RemovedHandler); ok {
		r.Removed(p.context(name))
	}
}

// FireRead delivers an inbound message to the first InboundHandler.
func (p *Pipeline) FireRead(msg *message.Message) {
	p.fireRead(p.entries(), 0, msg)
}

// FireError delivers a failure to the first ErrorHandler.
func (p *Pipeline) FireError(err error) {
	p.fireError(p.entries(), 0, err)
}

// FireIdle delivers an idle event to the first IdleHandler.
func (p *Pipeline) FireIdle() {
	p.fireIdle(p.entries(), 0)
}

// FireActive tells every ActiveHandler that the socket is usable.
func (p *Pipeline) FireActive() {
	for _, e := range p.entries() {
		if h, ok := e.handler.(ActiveHandler); ok {
			h.Active(p.context(e.name))
		}
	}
}

// FireInactive tells every InactiveHandler that the socket closed.
func (p *Pipeline) FireInactive() {
	for _, e := range p.entries() {
		if h, ok := e.handler.(InactiveHandler); ok {
			h.Inactive(p.context(e.name))
		}
	}
}

// FireActivity tells every ActivityHandler about a read or write.
func (p *Pipeline) FireActivity() {
	for _, e := range p.entries() {
		if h, ok := e.handler.(ActivityHandler); ok {
			h.Activity(p.context(e.name))
		}
	}
}

func (p *Pipeline) fireRead(entries []entry, from int, msg *message.Message) {
	for i := from; i < len(entries); i++ {
		if h, ok := entries[i].handler.(InboundHandler); ok {
			h.Read(&Context{p: p, name: entries[i].name, snap: entries, idx: i}, msg)
			return
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "fireRead",
		"message":  msg.String(),
	}).Debug("Message reached the end of the pipeline unhandled")
}

func (p *Pipeline) fireError(entries []entry, from int, err error) {
	for i := from; i < len(entries); i++ {
		if h, ok := entries[i].handler.(ErrorHandler); ok {
			h.Caught(&Context{p: p, name: entries[i].name, snap: entries, idx: i}, err)
			return
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "fireError",
		"error":    err.Error(),
	}).Debug("Error reached the end of the pipeline unhandled")
}

func (p *Pipeline) fireIdle(entries []entry, from int) {
	for i := from; i < len(entries); i++ {
		if h, ok := entries[i].handler.(IdleHandler); ok {
			h.Idle(&Context{p: p, name: entries[i].name, snap: entries, idx: i})
			return
		}
	}
}

func indexOf(entries []entry, name string) int {
	for i, e := range entries {
		if e.name == name {
			return i
		}
	}
	return -1
}
