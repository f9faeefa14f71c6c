package adminchat

import (
	"sort"
	"sync"
	"time"
)

// PresenceTracker keeps who is online, when the others were last seen and
// who is typing. A user is either in the online set or has a last-seen time,
// never both.
type PresenceTracker struct {
	mu       sync.RWMutex
	online   map[string]struct{}
	lastSeen map[string]time.Time
	typing   map[string]struct{}
	onChange []func(userID string)
	metrics  *Metrics
}

// NewPresenceTracker creates an empty tracker. metrics may be nil.
func NewPresenceTracker(metrics *Metrics) *PresenceTracker {
	return &PresenceTracker{
		online:   make(map[string]struct{}),
		lastSeen: make(map[string]time.Time),
		typing:   make(map[string]struct{}),
		metrics:  metrics,
	}
}

// OnChange registers an observer called with the user whose presence or
// typing state changed.
func (p *PresenceTracker) OnChange(fn func(userID string)) {
	p.mu.Lock()
	p.onChange = append(p.onChange, fn)
	p.mu.Unlock()
}

// MarkOnline adds userID to the online set and forgets its last-seen time.
func (p *PresenceTracker) MarkOnline(userID string) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	p.online[userID] = struct{}{}
	delete(p.lastSeen, userID)
	n := len(p.online)
	p.mu.Unlock()
	p.metrics.setOnline(n)
	p.emit(userID)
}

// MarkOffline removes userID from the online set, records at as its
// last-seen time and clears its typing flag.
func (p *PresenceTracker) MarkOffline(userID string, at time.Time) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	delete(p.online, userID)
	delete(p.typing, userID)
	p.lastSeen[userID] = at
	n := len(p.online)
	p.mu.Unlock()
	p.metrics.setOnline(n)
	p.emit(userID)
}

// Seed replaces the online set with users, as reported by the hub.
// Users leaving the set get at as their last-seen time.
func (p *PresenceTracker) Seed(users []UserConnection, at time.Time) {
	next := make(map[string]struct{}, len(users))
	for _, u := range users {
		if u.UserID != "" {
			next[u.UserID] = struct{}{}
		}
	}

	p.mu.Lock()
	var changed []string
	for id := range p.online {
		if _, ok := next[id]; !ok {
			p.lastSeen[id] = at
			delete(p.typing, id)
			changed = append(changed, id)
		}
	}
	for id := range next {
		if _, ok := p.online[id]; !ok {
			changed = append(changed, id)
		}
		delete(p.lastSeen, id)
	}
	p.online = next
	n := len(next)
	p.mu.Unlock()

	p.metrics.setOnline(n)
	sort.Strings(changed)
	for _, id := range changed {
		p.emit(id)
	}
}

// IsOnline reports whether userID is in the online set.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// LastSeen returns when userID went offline. ok is false for online users
// and users never seen leaving.
func (p *PresenceTracker) LastSeen(userID string) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.lastSeen[userID]
	return t, ok
}

// Online returns the online user ids, sorted.
func (p *PresenceTracker) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.online)
}

// Count is the size of the online set.
func (p *PresenceTracker) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.online)
}

// SetTyping records a typing indicator for userID.
func (p *PresenceTracker) SetTyping(userID string, isTyping bool) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	_, was := p.typing[userID]
	if isTyping {
		p.typing[userID] = struct{}{}
	} else {
		delete(p.typing, userID)
	}
	p.mu.Unlock()
	if was != isTyping {
		p.emit(userID)
	}
}

func (p *PresenceTracker) IsTyping(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.typing[userID]
	return ok
}

// Typing returns the ids of users currently typing, sorted.
func (p *PresenceTracker) Typing() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedKeys(p.typing)
}

func (p *PresenceTracker) emit(userID string) {
	p.mu.RLock()
	observers := append([]func(string){}, p.onChange...)
	p.mu.RUnlock()
	for _, fn := range observers {
		fn(userID)
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
