// Package registry tracks the UI clients attached to a console's event stream.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/roverlink/roverlink/internal/pkg/models"
)

// Registry manages connected subscribers
type Registry struct {
	subs map[string]*models.Subscriber
	mu   sync.RWMutex
}

// New creates a new subscriber registry
func New() *Registry {
	return &Registry{
		subs: make(map[string]*models.Subscriber),
	}
}

// Add adds or replaces a subscriber
func (r *Registry) Add(sub *models.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.ConnectedAt.IsZero() {
		sub.ConnectedAt = time.Now()
	}
	sub.Connected = true
	sub.LastPing = time.Now()

	r.subs[sub.ID] = sub
}

// Get retrieves a subscriber by ID
func (r *Registry) Get(id string) (*models.Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, exists := r.subs[id]
	return sub, exists
}

// Remove removes a subscriber from the registry
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, exists := r.subs[id]; exists {
		sub.Connected = false
		delete(r.subs, id)
	}
}

// All returns every subscriber, oldest first
func (r *Registry) All() []*models.Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]*models.Subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ConnectedAt.Before(subs[j].ConnectedAt) })
	return subs
}

// UpdateLastPing records a pong from a subscriber
func (r *Registry) UpdateLastPing(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, exists := r.subs[id]; exists {
		sub.LastPing = time.Now()
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.subs)
}

// CleanupStale removes subscribers that haven't answered a ping within timeout
func (r *Registry) CleanupStale(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := []string{}
	now := time.Now()

	for id, sub := range r.subs {
		if now.Sub(sub.LastPing) > timeout {
			sub.Connected = false
			delete(r.subs, id)
			removed = append(removed, id)
		}
	}

	return removed
}
