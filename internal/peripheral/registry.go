package peripheral

import (
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// ConnectionListener is notified of registry changes. Calls are made on the
// goroutine that mutated the registry, with the client count after the change.
type ConnectionListener interface {
	ClientConnected(id ClientID, count int)
	ClientDisconnected(id ClientID, count int)
}

// Registry is the set of connected clients. Reads are safe from any goroutine;
// Connect and Disconnect are issued by the connection-event loop.
type Registry struct {
	clients *hashmap.Map[ClientID, time.Time]
	logger  *logrus.Logger

	mu        sync.RWMutex
	listeners []ConnectionListener
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		clients: hashmap.New[ClientID, time.Time](),
		logger:  logger,
	}
}

// AddListener registers l for connect/disconnect notifications.
func (r *Registry) AddListener(l ConnectionListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) snapshotListeners() []ConnectionListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ConnectionListener(nil), r.listeners...)
}

// Connect adds a client. It returns false if the client was already connected.
func (r *Registry) Connect(id ClientID) bool {
	if !r.clients.Insert(id, time.Now()) {
		return false
	}
	count := r.clients.Len()
	r.logger.WithFields(logrus.Fields{"client": id, "connected": count}).Info("Client connected")

	for _, l := range r.snapshotListeners() {
		l.ClientConnected(id, count)
	}
	return true
}

// Disconnect removes a client. It returns false if the client was unknown.
func (r *Registry) Disconnect(id ClientID) bool {
	since, _ := r.ConnectedSince(id)
	if !r.clients.Del(id) {
		return false
	}
	count := r.clients.Len()
	r.logger.WithFields(logrus.Fields{
		"client":        id,
		"connected":     count,
		"connected_for": time.Since(since).Round(time.Millisecond),
	}).Info("Client disconnected")

	for _, l := range r.snapshotListeners() {
		l.ClientDisconnected(id, count)
	}
	return true
}

// IsConnected reports whether id is connected.
func (r *Registry) IsConnected(id ClientID) bool {
	_, ok := r.clients.Get(id)
	return ok
}

// ConnectedSince returns the connection time of id.
func (r *Registry) ConnectedSince(id ClientID) (time.Time, bool) {
	return r.clients.Get(id)
}

// Count returns the number of connected clients.
func (r *Registry) Count() int {
	return r.clients.Len()
}

// Clients returns the connected client ids in sorted order.
func (r *Registry) Clients() []ClientID {
	ids := make([]ClientID, 0, r.clients.Len())
	r.clients.Range(func(id ClientID, _ time.Time) bool {
		ids = append(ids, id)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
