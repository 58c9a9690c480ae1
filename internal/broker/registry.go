package broker

import (
	"log/slog"
	"runtime"
	"sync"
	"weak"

	"sharedws/internal/protocol"
)

// Registry tracks attached ports without keeping them alive.
// Entries hold weak pointers, a cleanup registered with the runtime drops the
// entry once the port becomes unreachable, so a client that vanishes without
// saying goodbye is pruned passively.
type Registry struct {
	mu        sync.RWMutex
	ports     map[string]weak.Pointer[Port] // key: channel id
	onReclaim func(channelID string)        // called after a reclaimed entry is dropped
	logger    *slog.Logger
}

// constructor for Registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		ports:  make(map[string]weak.Pointer[Port]),
		logger: logger,
	}
}

// OnReclaim sets the hook run after the runtime reclaimed a port
func (r *Registry) OnReclaim(fn func(channelID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReclaim = fn
}

// Add registers a port for delivery and for passive removal
func (r *Registry) Add(port *Port) {
	r.mu.Lock()
	r.ports[port.id] = weak.Make(port)
	r.mu.Unlock()

	// the cleanup must not reference port itself, only its id
	runtime.AddCleanup(port, r.reclaim, port.id)

	r.logger.Info("port_added", "channel_id", port.id)
}

// reclaim runs on the runtime cleanup goroutine once a port is garbage
func (r *Registry) reclaim(channelID string) {
	r.mu.Lock()
	delete(r.ports, channelID)
	hook := r.onReclaim
	r.mu.Unlock()

	r.logger.Debug("port_reclaimed", "channel_id", channelID)
	if hook != nil {
		hook(channelID)
	}
}

// Get returns the live port with the given id
func (r *Registry) Get(channelID string) (*Port, bool) {
	r.mu.RLock()
	ref, ok := r.ports[channelID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	port := ref.Value()
	if port == nil || !port.Alive() {
		return nil, false
	}
	return port, true
}

// ForEach calls fn for every live port, reclaimed or closed ports are skipped.
// fn runs without the registry lock held so it may deliver freely.
func (r *Registry) ForEach(fn func(port *Port)) {
	for _, port := range r.live() {
		fn(port)
	}
}

// Broadcast delivers msg to every live port
func (r *Registry) Broadcast(msg protocol.Message) {
	r.ForEach(func(port *Port) {
		port.deliver(msg)
	})
}

// Len returns the number of live ports
func (r *Registry) Len() int {
	return len(r.live())
}

func (r *Registry) live() []*Port {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ports := make([]*Port, 0, len(r.ports))
	for _, ref := range r.ports {
		if port := ref.Value(); port != nil && port.Alive() {
			ports = append(ports, port)
		}
	}
	return ports
}
