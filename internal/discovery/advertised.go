package discovery

import (
	"strings"
	"sync"
)

// NameSeparator joins matched names in a discover reply
const NameSeparator = ";"

// Advertised is the ordered list of locally advertised well-known names.
// Duplicates are kept: advertising a name twice needs two removals.
type Advertised struct {
	mu    sync.RWMutex
	names []string
}

// NewAdvertised creates an empty list
func NewAdvertised() *Advertised {
	return &Advertised{}
}

// Add appends name
func (a *Advertised) Add(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.names = append(a.names, name)
	return true
}

// Remove drops the first entry equal to name and reports whether one was found
func (a *Advertised) Remove(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, n := range a.names {
		if n == name {
			a.names = append(a.names[:i], a.names[i+1:]...)
			return true
		}
	}
	return false
}

// MatchPrefix returns the names starting with prefix, in registration order,
// joined by NameSeparator. Empty if nothing matches.
func (a *Advertised) MatchPrefix(prefix string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var matched []string
	for _, n := range a.names {
		if strings.HasPrefix(n, prefix) {
			matched = append(matched, n)
		}
	}
	return strings.Join(matched, NameSeparator)
}

// Names returns a copy of the list
func (a *Advertised) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.names))
	copy(out, a.names)
	return out
}
