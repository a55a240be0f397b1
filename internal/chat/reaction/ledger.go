// Package reaction keeps the current reaction of each identity on each message.
package reaction

import "sync"

// Ledger maps message id → identity id → reaction symbol. A later reaction by
// the same identity replaces the earlier one. Safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	byMessage map[string]map[string]string
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{byMessage: make(map[string]map[string]string)}
}

// React records symbol as identityID's reaction to messageID.
//
// Postcondition: Reactions(messageID)[identityID] == symbol.
func (l *Ledger) React(identityID, messageID, symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byMessage[messageID]
	if !ok {
		m = make(map[string]string)
		l.byMessage[messageID] = m
	}
	m[identityID] = symbol
}

// Reactions returns a copy of the reactions on messageID.
func (l *Ledger) Reactions(messageID string) map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.byMessage[messageID]))
	for id, sym := range l.byMessage[messageID] {
		out[id] = sym
	}
	return out
}
