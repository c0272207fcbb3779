package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/qualys/iacguard/internal/models"
)

// Snapshot is one immutable, versioned view of the policy set.
// In-flight evaluations keep the snapshot they started with even
// while the library is reloaded underneath them.
type Snapshot struct {
	version  uint64
	policies []models.Policy
}

func (s *Snapshot) Version() uint64 { return s.version }

// Policies returns the snapshot's policies. Callers must treat the
// slice as read-only.
func (s *Snapshot) Policies() []models.Policy { return s.policies }

// Enabled returns the enabled subset in declaration order.
func (s *Snapshot) Enabled() []models.Policy {
	out := make([]models.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Source supplies policy documents, typically from YAML files or the
// policy store.
type Source interface {
	Load(ctx context.Context) ([]models.Policy, error)
}

// Library hands out the current policy snapshot and swaps in new ones
// copy-on-write. Replacing never mutates a published snapshot.
type Library struct {
	mu      sync.RWMutex
	current *Snapshot
}

func NewLibrary(policies []models.Policy) *Library {
	return &Library{current: newSnapshot(1, policies)}
}

func newSnapshot(version uint64, policies []models.Policy) *Snapshot {
	copied := make([]models.Policy, len(policies))
	copy(copied, policies)
	return &Snapshot{version: version, policies: copied}
}

func (l *Library) Current() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Replace publishes a new snapshot containing the given policies and
// returns it.
func (l *Library) Replace(policies []models.Policy) *Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = newSnapshot(l.current.version+1, policies)
	return l.current
}

// ReloadFrom loads policies from a source, validates them and
// publishes the result. On any error the current snapshot stays in
// effect.
func (l *Library) ReloadFrom(ctx context.Context, src Source) (*Snapshot, error) {
	policies, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading policies: %w", err)
	}
	for i := range policies {
		if err := Validate(&policies[i]); err != nil {
			return nil, fmt.Errorf("policy %q: %w", policies[i].Name, err)
		}
	}
	return l.Replace(policies), nil
}
