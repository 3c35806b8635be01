// Package presence tracks which users hold a live connection.
package presence

import (
	"sort"
	"sync"

	"duet/internal/logger"
	"duet/internal/metrics"
	"duet/internal/models"

	"go.uber.org/zap"
)

// Handle is a live connection as seen by the registry.
// Send must not block, it reports false when the event was not queued.
// Close must be safe to call more than once.
type Handle interface {
	Send(ev models.Event) bool
	Close()
}

// Registry maps a user id to at most one connection. A new connection for
// the same user replaces and closes the previous one.
//
// Every change and the presence snapshot broadcast that follows it happen
// under the same lock, so connections always observe complete online sets
// in the order the changes were made.
type Registry struct {
	mu    sync.Mutex
	conns map[string]Handle
	log   *logger.Logger
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		conns: make(map[string]Handle),
		log:   log.Named("presence"),
	}
}

// Register makes h the connection of userID.
func (r *Registry) Register(userID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.conns[userID]; ok && old != h {
		old.Close()
		r.log.Info("connection replaced", zap.String("user_id", userID))
	}
	r.conns[userID] = h
	r.broadcastPresenceLocked()
}

// Unregister removes h if it is still the connection of userID.
// A stale handle, already replaced by a newer connection, is ignored.
func (r *Registry) Unregister(userID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.conns[userID]
	if !ok || current != h {
		return false
	}
	delete(r.conns, userID)
	r.broadcastPresenceLocked()
	return true
}

// Disconnect closes and removes whatever connection userID holds.
func (r *Registry) Disconnect(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.conns[userID]
	if !ok {
		return false
	}
	h.Close()
	delete(r.conns, userID)
	r.broadcastPresenceLocked()
	return true
}

func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.conns[userID]
	return h, ok
}

// Online returns the sorted ids of connected users.
func (r *Registry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineLocked()
}

// Broadcast queues ev on every connection and returns how many accepted it.
func (r *Registry) Broadcast(ev models.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcastLocked(ev)
}

func (r *Registry) onlineLocked() []string {
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) broadcastPresenceLocked() {
	online := r.onlineLocked()
	metrics.OnlineUsers.Set(float64(len(online)))
	r.broadcastLocked(models.Event{Type: models.EventOnlineUsers, Online: online})
}

func (r *Registry) broadcastLocked(ev models.Event) int {
	delivered := 0
	for id, h := range r.conns {
		if h.Send(ev) {
			delivered++
			continue
		}
		r.log.Debug("broadcast dropped", zap.String("user_id", id), zap.String("type", string(ev.Type)))
	}
	return delivered
}
