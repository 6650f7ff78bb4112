// Package registry tracks which assistants currently hold a live
// transport session, so the dispatcher and queue processor can tell
// whether a delivery target is reachable right now.
package registry

import (
	"sync"

	"github.com/g960059/bridged/internal/model"
)

type ClientRegistry struct {
	mu        sync.RWMutex
	sessionID map[model.AssistantId]string
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		sessionID: make(map[model.AssistantId]string),
	}
}

func (r *ClientRegistry) SetOnline(id model.AssistantId, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID[id] = sessionID
}

func (r *ClientRegistry) SetOffline(id model.AssistantId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessionID, id)
}

func (r *ClientRegistry) IsOnline(id model.AssistantId) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessionID[id]
	return ok
}

func (r *ClientRegistry) SessionID(id model.AssistantId) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessionID[id]
	return sid, ok
}

// OnlineList returns the currently online assistant ids, sorted for
// deterministic output.
func (r *ClientRegistry) OnlineList() []model.AssistantId {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.AssistantId, 0, len(r.sessionID))
	for id := range r.sessionID {
		out = append(out, id)
	}
	sortAssistantIds(out)
	return out
}

func (r *ClientRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = make(map[model.AssistantId]string)
}

func sortAssistantIds(ids []model.AssistantId) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
