package session

import (
	"sync"
	"time"

	"foundryvtt/relay/internal/browser"
)

// Pending tracks one session between browser launch and the Foundry client's
// websocket attaching. Pending sessions never leave the instance that launched
// the browser, so the set is plain instance-local state.
type Pending struct {
	SessionID        string
	APIKey           string
	ExpectedClientID string
	Handle           browser.Handle
	StartedAt        time.Time
	FoundryURL       string
	WorldName        string
	Username         string
}

type pendingSet struct {
	mu      sync.Mutex
	entries map[string]*Pending
}

func newPendingSet() *pendingSet {
	return &pendingSet{entries: make(map[string]*Pending)}
}

func (p *pendingSet) add(entry *Pending) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[entry.SessionID] = entry
}

func (p *pendingSet) get(sessionID string) (*Pending, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[sessionID]
	return entry, ok
}

func (p *pendingSet) remove(sessionID string) (*Pending, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[sessionID]
	if ok {
		delete(p.entries, sessionID)
	}
	return entry, ok
}

func (p *pendingSet) byAPIKey(apiKey string) []*Pending {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Pending
	for _, entry := range p.entries {
		if entry.APIKey == apiKey {
			out = append(out, entry)
		}
	}
	return out
}

func (p *pendingSet) drain() []*Pending {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Pending, 0, len(p.entries))
	for id, entry := range p.entries {
		out = append(out, entry)
		delete(p.entries, id)
	}
	return out
}

func (p *pendingSet) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
