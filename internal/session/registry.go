package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/calmora/livebridge/internal/core"
)

type registryEntry struct {
	Orch   *Orchestrator
	Cancel context.CancelFunc
}

// Registry tracks active orchestrators by client token so the gateway can
// route follow-up requests to the session that owns them.
type Registry struct {
	mu      sync.RWMutex
	entries map[core.SessionID]*registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[core.SessionID]*registryEntry)}
}

func (r *Registry) Bind(sid core.SessionID, orch *Orchestrator, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.entries[sid]; ok {
		if prev.Cancel != nil {
			prev.Cancel()
		}
		if prev.Orch != orch {
			prev.Orch.Disconnect()
		}
	}
	r.entries[sid] = &registryEntry{Orch: orch, Cancel: cancel}
	log.Info().Str("module", "session.registry").Str("sid", string(sid)).Msg("bound session")
}

func (r *Registry) Get(sid core.SessionID) (*Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[sid]; ok {
		return e.Orch, true
	}
	return nil, false
}

// Release removes the binding only while orch still owns it. A stale
// connection unwinding after a rebind to the same token must not tear down
// the session that replaced it. Reports whether the binding was removed.
func (r *Registry) Release(sid core.SessionID, orch *Orchestrator) bool {
	r.mu.Lock()
	e, ok := r.entries[sid]
	if !ok || e.Orch != orch {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, sid)
	r.mu.Unlock()
	if e.Cancel != nil {
		e.Cancel()
	}
	e.Orch.Disconnect()
	log.Info().Str("module", "session.registry").Str("sid", string(sid)).Msg("released session")
	return true
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	e, ok := r.entries[sid]
	delete(r.entries, sid)
	r.mu.Unlock()
	if !ok {
		return
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	e.Orch.Disconnect()
	log.Info().Str("module", "session.registry").Str("sid", string(sid)).Msg("unbound session")
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll disconnects every tracked session, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[core.SessionID]*registryEntry)
	r.mu.Unlock()
	for sid, e := range entries {
		if e.Cancel != nil {
			e.Cancel()
		}
		e.Orch.Disconnect()
		log.Info().Str("module", "session.registry").Str("sid", string(sid)).Msg("closed session")
	}
}
