package services

import "sync"

// GuildLocks hands out one mutex per key so read-modify-write cycles against the same
// guild ledger never interleave. Mutexes are created on first use and kept for the life of
// the process.
type GuildLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewGuildLocks() *GuildLocks {
	return &GuildLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (g *GuildLocks) Lock(key string) func() {
	g.mu.Lock()
	m, ok := g.locks[key]
	if !ok {
		m = &sync.Mutex{}
		g.locks[key] = m
	}
	g.mu.Unlock()

	m.Lock()
	return m.Unlock
}
