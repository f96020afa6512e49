package plugins

import (
	"context"
	"sync"
)

// chain identifies one logical call path through the plugins, however many
// plugin boundaries it crosses. It records the gate it is blocked on.
type chain struct {
	waiting *Gate
}

type chainKey struct{}

// waits guards the owner and waiting edges of every gate and chain.
var waits sync.Mutex

// Gate serializes calls into one plugin. Unlike a plain mutex it knows which
// call chain holds it, so a chain that would wait on itself through other
// plugins fails with ErrCallCycle instead of blocking forever.
type Gate struct {
	sem   chan struct{}
	owner *chain
}

// NewGate returns an unlocked gate.
func NewGate() *Gate {
	return &Gate{sem: make(chan struct{}, 1)}
}

// Acquire locks g for the call chain carried by ctx, starting a new chain
// when ctx has none. The returned context carries the chain and must be used
// for calls made while holding g.
func (g *Gate) Acquire(ctx context.Context) (context.Context, func(), error) {
	c, ok := ctx.Value(chainKey{}).(*chain)
	if !ok {
		c = &chain{}
		ctx = context.WithValue(ctx, chainKey{}, c)
	}

	release := func() {
		waits.Lock()
		g.owner = nil
		waits.Unlock()
		<-g.sem
	}

	waits.Lock()
	select {
	case g.sem <- struct{}{}:
		g.owner = c
		waits.Unlock()
		return ctx, release, nil
	default:
	}

	if g.cycles(c) {
		waits.Unlock()
		return ctx, nil, ErrCallCycle
	}
	c.waiting = g
	waits.Unlock()

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		waits.Lock()
		c.waiting = nil
		waits.Unlock()
		return ctx, nil, ctx.Err()
	}

	waits.Lock()
	c.waiting = nil
	g.owner = c
	waits.Unlock()

	return ctx, release, nil
}

// cycles reports whether waiting on g would make c wait on itself. Callers
// hold waits.
func (g *Gate) cycles(c *chain) bool {
	seen := make(map[*Gate]bool)
	for next := g; next != nil && !seen[next]; {
		seen[next] = true
		owner := next.owner
		if owner == nil {
			return false
		}
		if owner == c {
			return true
		}
		next = owner.waiting
	}

	return false
}
