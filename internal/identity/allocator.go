package identity

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ID is an opaque visitor identifier, e.g. "visitor_3".
type ID string

// Allocator issues unique, monotonically increasing visitor identifiers.
type Allocator struct {
	mu     sync.Mutex
	prefix string
	last   int
}

// NewAllocator returns an allocator whose first identifier is "<prefix>_1".
func NewAllocator(prefix string) *Allocator {
	return &Allocator{prefix: prefix}
}

// Next issues a fresh identifier.
func (a *Allocator) Next() ID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last++
	return ID(fmt.Sprintf("%s_%d", a.prefix, a.last))
}

// Observe advances the counter past an identifier issued elsewhere (e.g. a restored identity),
// so Next never returns it again. Identifiers with a foreign prefix are ignored.
func (a *Allocator) Observe(id ID) {
	n, ok := strings.CutPrefix(string(id), a.prefix+"_")
	if !ok {
		return
	}
	v, err := strconv.Atoi(n)
	if err != nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if v > a.last {
		a.last = v
	}
}

// Issued returns how many identifiers have been consumed so far.
func (a *Allocator) Issued() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}
