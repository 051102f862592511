// Package registry tracks live overlay subscriber connections per streamer
// and fans alert messages out to them. Delivery is at most once, best effort:
// no acknowledgment, no retry, and a handle whose write fails is dropped.
package registry

import (
	"log/slog"
	"sync"
)

// Conn is a live subscriber transport handle. Implementations must tolerate
// concurrent WriteJSON calls or serialize them internally.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

type Registry struct {
	log *slog.Logger

	mu    sync.RWMutex
	conns map[int64][]Conn
}

func New(log *slog.Logger) *Registry {
	return &Registry{
		log:   log,
		conns: make(map[int64][]Conn),
	}
}

// Connect adds a subscriber handle for a streamer, creating the set if absent.
func (r *Registry) Connect(streamerID int64, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[streamerID] = append(r.conns[streamerID], c)
	r.log.Info("overlay connected", "streamer_id", streamerID, "connections", len(r.conns[streamerID]))
}

// Disconnect removes a subscriber handle, deleting the set entry when it
// becomes empty.
func (r *Registry) Disconnect(streamerID int64, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(streamerID, c)
}

func (r *Registry) remove(streamerID int64, c Conn) {
	conns := r.conns[streamerID]
	for i, have := range conns {
		if have == c {
			r.conns[streamerID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(r.conns[streamerID]) == 0 {
		delete(r.conns, streamerID)
	}
}

// Count returns the number of live handles for a streamer.
func (r *Registry) Count(streamerID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[streamerID])
}

// Broadcast writes the message to every current handle for the streamer.
// Writes run concurrently so a slow client cannot stall its siblings. Handles
// whose write fails are disconnected after the pass; delivery to the rest
// proceeds regardless.
func (r *Registry) Broadcast(streamerID int64, message interface{}) int {
	r.mu.RLock()
	snapshot := make([]Conn, len(r.conns[streamerID]))
	copy(snapshot, r.conns[streamerID])
	r.mu.RUnlock()

	if len(snapshot) == 0 {
		return 0
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []Conn
	)

	for _, c := range snapshot {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.WriteJSON(message); err != nil {
				r.log.Warn("overlay write failed", "streamer_id", streamerID, "error", err)
				mu.Lock()
				failed = append(failed, c)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failed) > 0 {
		r.mu.Lock()
		for _, c := range failed {
			r.remove(streamerID, c)
		}
		r.mu.Unlock()

		for _, c := range failed {
			c.Close()
		}
	}

	return len(snapshot) - len(failed)
}
