package peer

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// StatusListener is notified when a peer proved to be alive or failed.
type StatusListener interface {
	// PeerFound is called with a peer that answered a request. referrer is
	// the peer that told us about it, or nil if we talked to it directly.
	PeerFound(addr Address, referrer *Address)

	// PeerFailed is called when an exchange with the peer failed.
	PeerFailed(addr Address, err *Error)
}

// StatusNotifier is what the transport core uses to report liveness. The
// set of listeners behind it is owned elsewhere.
type StatusNotifier interface {
	NotifyFound(addr Address, referrer *Address)
	NotifyFailed(addr Address, err *Error)
}

// Registry is a thread-safe set of status listeners. Registration and
// notification share one mutex, so a notification never observes a
// partially updated set.
type Registry struct {
	mu        sync.Mutex
	listeners []StatusListener
}

// NewRegistry creates an empty listener registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers a listener.
func (r *Registry) Add(l StatusListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Remove unregisters a listener. It returns false if it was not registered.
func (r *Registry) Remove(l StatusListener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.listeners {
		if existing == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// NotifyFound reports a live peer to every listener.
func (r *Registry) NotifyFound(addr Address, referrer *Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listeners {
		l.PeerFound(addr, referrer)
	}
}

// NotifyFailed reports a failed peer to every listener.
func (r *Registry) NotifyFailed(addr Address, err *Error) {
	logrus.WithFields(logrus.Fields{
		"function": "NotifyFailed",
		"peer":     addr.String(),
		"cause":    err.Cause.String(),
	}).Debug("Reporting failed peer")

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listeners {
		l.PeerFailed(addr, err)
	}
}

// NopNotifier discards every notification.
type NopNotifier struct{}

// NotifyFound does nothing.
func (NopNotifier) NotifyFound(Address, *Address) {}

// NotifyFailed does nothing.
func (NopNotifier) NotifyFailed(Address, *Error) {}
