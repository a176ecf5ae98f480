package cdpcontrol

import (
	"hash/fnv"
	"math"
	"sync"

	"github.com/chromedp/cdproto/target"
)

// TabRegistry hands out small integer tab IDs for CDP target IDs. An ID is
// derived from a hash of the target ID so it stays the same across reconnects
// for as long as the browser keeps the target; collisions probe upward.
type TabRegistry struct {
	hash func(string) uint32

	mu       sync.Mutex
	byTarget map[target.ID]int
	byTab    map[int]target.ID
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{
		hash:     fnv32a,
		byTarget: make(map[target.ID]int),
		byTab:    make(map[int]target.ID),
	}
}

// ID returns the tab ID for targetID, assigning one on first sight.
func (r *TabRegistry) ID(targetID target.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byTarget[targetID]; ok {
		return id
	}
	id := int(r.hash(string(targetID)) & math.MaxInt32)
	if id == 0 {
		id = 1
	}
	for {
		if _, taken := r.byTab[id]; !taken {
			break
		}
		id++
		if id > math.MaxInt32 {
			id = 1
		}
	}
	r.byTarget[targetID] = id
	r.byTab[id] = targetID
	return id
}

// Lookup returns the tab ID for targetID without assigning one.
func (r *TabRegistry) Lookup(targetID target.ID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byTarget[targetID]
	return id, ok
}

// Target returns the target behind tabID.
func (r *TabRegistry) Target(tabID int) (target.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byTab[tabID]
	return t, ok
}

// Forget releases targetID and returns the tab ID it had.
func (r *TabRegistry) Forget(targetID target.ID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byTarget[targetID]
	if !ok {
		return 0, false
	}
	delete(r.byTarget, targetID)
	delete(r.byTab, id)
	return id, true
}

func fnv32a(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
