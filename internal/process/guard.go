package process

import (
	"sync"

	"go.uber.org/zap"

	"knockknock-core/pkg/logger"
)

// EntryGuard admits one call-handling entry per process. A second entry is
// refused whether it targets the same room or another one.
type EntryGuard struct {
	mu   sync.Mutex
	room string
	held bool
}

// NewEntryGuard creates an open guard
func NewEntryGuard() *EntryGuard {
	return &EntryGuard{}
}

// TryEnter claims the guard for room. It reports false while another entry holds it.
func (g *EntryGuard) TryEnter(room string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held {
		logger.Debug("Call entry refused",
			zap.String("room", room),
			zap.String("held_by", g.room))
		return false
	}
	g.held = true
	g.room = room
	return true
}

// Release frees the guard if room holds it
func (g *EntryGuard) Release(room string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.held || g.room != room {
		return
	}
	g.held = false
	g.room = ""
}

// Holder returns the room holding the guard
func (g *EntryGuard) Holder() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.room, g.held
}
