// Package pipeline implements the per-socket table of named processing
// stages. Inbound frames and socket events travel through the stages in
// order; the table can be changed while the socket is live.
package pipeline

// Stage names used by the transport core.
const (
	DropConnection = "dropconnection"
	Timeout0       = "timeout0"
	Timeout1       = "timeout1"
	Handshake      = "handshake"
	Decoder        = "decoder"
	Encoder        = "encoder"
	Dispatcher     = "dispatcher"
	Handler        = "handler"
	Heartbeat      = "heartbeat"
)

// Handlers is an ordered, name-keyed list of stages used to assemble a
// pipeline before its socket exists. It is not safe for concurrent use.
type Handlers struct {
	names  []string
	byName map[string]any
}

// NewHandlers creates an empty stage list.
func NewHandlers() *Handlers {
	return &Handlers{byName: make(map[string]any)}
}

// Put appends a stage, or replaces it in place if the name is taken.
func (h *Handlers) Put(name string, handler any) *Handlers {
	if _, ok := h.byName[name]; !ok {
		h.names = append(h.names, name)
	}
	h.byName[name] = handler
	return h
}

// InsertBefore inserts a stage in front of base. If base is absent the
// stage is appended. An existing stage with the same name is moved.
func (h *Handlers) InsertBefore(base, name string, handler any) *Handlers {
	h.Remove(name)
	idx := h.index(base)
	if idx < 0 {
		return h.Put(name, handler)
	}
	h.names = append(h.names, "")
	copy(h.names[idx+1:], h.names[idx:])
	h.names[idx] = name
	h.byName[name] = handler
	return h
}

// Remove deletes a stage. Removing an absent stage is a no-op.
func (h *Handlers) Remove(name string) *Handlers {
	idx := h.index(name)
	if idx < 0 {
		return h
	}
	h.names = append(h.names[:idx], h.names[idx+1:]...)
	delete(h.byName, name)
	return h
}

// Get returns the stage registered under name, or nil.
func (h *Handlers) Get(name string) any {
	return h.byName[name]
}

// Names returns the stage names in order.
func (h *Handlers) Names() []string {
	return append([]string(nil), h.names...)
}

// Len returns the number of stages.
func (h *Handlers) Len() int {
	return len(h.names)
}

func (h *Handlers) index(name string) int {
	for i, n := range h.names {
		if n == name {
			return i
		}
	}
	return -1
}

// Filter may add, replace or remove stages before a socket is activated.
// tcp tells the transport, client whether the socket is outbound.
type Filter func(h *Handlers, tcp, client bool) *Handlers

// NopFilter returns the stages unchanged.
func NopFilter(h *Handlers, _, _ bool) *Handlers {
	return h
}
