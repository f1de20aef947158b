package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates predictable queue item ids: item-0001, item-0002, ...
//
// Same scenario, same ids, so golden traces stay byte-identical.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix defaults to "item".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "item"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
