package registry

import (
	"sort"
	"sync"
)

// Presence is a process-wide map of participant identity to connection
// handle, for "who is online" queries independent of any one session.
type Presence struct {
	mu     sync.Mutex
	online map[string]Conn
}

func NewPresence() *Presence {
	return &Presence{
		online: make(map[string]Conn),
	}
}

func (p *Presence) Track(participantID string, conn Conn) {
	if participantID == "" || conn == nil {
		return
	}
	p.mu.Lock()
	p.online[participantID] = conn
	p.mu.Unlock()
}

// Untrack removes the participant only if conn still owns the entry.
// A dying connection must not untrack a participant who has already
// reconnected on a new one.
func (p *Presence) Untrack(participantID string, conn Conn) {
	if participantID == "" || conn == nil {
		return
	}
	p.mu.Lock()
	if cur, ok := p.online[participantID]; ok && cur.ID() == conn.ID() {
		delete(p.online, participantID)
	}
	p.mu.Unlock()
}

func (p *Presence) Lookup(participantID string) (Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.online[participantID]
	return conn, ok
}

// Online returns the currently tracked participant IDs, sorted so the
// /presencez output is deterministic.
func (p *Presence) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
