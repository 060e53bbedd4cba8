package serverstate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/gpupool/internal/balancer"
)

// Snapshot is the persisted warm-start image of the balancer: the readiness
// status plus every tracked instance's exported view. A restarted balancer
// seeds rolling metrics from it; lifecycle states are always re-proven.
type Snapshot struct {
	Status    string                  `json:"status"`
	SavedAt   time.Time               `json:"saved_at,omitzero"`
	Instances []balancer.InstanceView `json:"instances,omitempty"`
}

// Store persists snapshots across restarts. Implementations are best-effort;
// a failed store never blocks the request path.
type Store interface {
	Load() Snapshot
	Store(Snapshot)
}

// memStore is the default in-process store.
type memStore struct {
	v atomic.Value
}

func (m *memStore) Load() Snapshot {
	if s, ok := m.v.Load().(Snapshot); ok {
		return s
	}
	return Snapshot{Status: "not_ready"}
}

func (m *memStore) Store(s Snapshot) { m.v.Store(s) }

var (
	storeMu sync.RWMutex
	active  Store = newMemStore()
)

func newMemStore() *memStore {
	var m memStore
	m.Store(Snapshot{Status: "not_ready"})
	return &m
}

// UseStore swaps the active store, carrying the current snapshot over.
func UseStore(s Store) {
	cur := Current().Load()
	s.Store(cur)
	storeMu.Lock()
	active = s
	storeMu.Unlock()
}

// Current returns the active store.
func Current() Store {
	storeMu.RLock()
	defer storeMu.RUnlock()
	return active
}

var draining atomic.Bool

// SetStatus sets the server status string, preserving the stored instances.
func SetStatus(status string) {
	st := Current()
	s := st.Load()
	s.Status = status
	st.Store(s)
}

// GetStatus returns the current server status string.
func GetStatus() string {
	return Current().Load().Status
}

// StartDrain marks the server as draining.
func StartDrain() {
	draining.Store(true)
	SetStatus("draining")
}

// IsDraining reports whether the server is draining.
func IsDraining() bool {
	return draining.Load()
}
