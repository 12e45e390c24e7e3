package engine

import (
	"strings"
	"sync"
)

// instanceGate counts live tasks per concurrency key. A slot is taken at
// enqueue and given back when the task finishes or is dropped.
type instanceGate struct {
	mu    sync.Mutex
	count map[string]int
}

func normKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "default"
	}
	return key
}

// tryAcquire takes a slot for key unless limit slots are already taken.
// limit <= 0 always succeeds.
func (g *instanceGate) tryAcquire(key string, limit int) bool {
	key = normKey(key)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count == nil {
		g.count = map[string]int{}
	}
	if limit > 0 && g.count[key] >= limit {
		return false
	}
	g.count[key]++
	return true
}

func (g *instanceGate) release(key string) {
	key = normKey(key)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count[key] <= 1 {
		delete(g.count, key)
		return
	}
	g.count[key]--
}

func (g *instanceGate) snapshot() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, len(g.count))
	for k, v := range g.count {
		out[k] = v
	}
	return out
}
