package types

import (
	"slices"
	"time"
)

// Identity is a tracked individual represented by one or more reference
// feature vectors. Identities are never deleted automatically.
type Identity struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	References  [][]float32 `json:"references"`   // oldest first, bounded
	FirstSeen   time.Time   `json:"first_seen"`   // first capture attributed to this identity
	LastSeen    time.Time   `json:"last_seen"`    // most recent matched visit
	TotalVisits int         `json:"total_visits"` // lifetime finalized visit count
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Dimension returns the feature dimension of the identity's reference vectors,
// or 0 when it has none.
func (i *Identity) Dimension() int {
	if len(i.References) == 0 {
		return 0
	}
	return len(i.References[0])
}

// AddReference appends a reference vector, evicting the oldest ones so that at
// most maxRefs remain. maxRefs < 1 is treated as 1.
func (i *Identity) AddReference(vec []float32, maxRefs int) {
	if maxRefs < 1 {
		maxRefs = 1
	}
	i.References = append(i.References, slices.Clone(vec))
	if over := len(i.References) - maxRefs; over > 0 {
		i.References = slices.Clone(i.References[over:])
	}
}

// Clone returns a deep copy so snapshots never alias live gallery state.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	cp := *i
	cp.References = make([][]float32, len(i.References))
	for n, ref := range i.References {
		cp.References[n] = slices.Clone(ref)
	}
	return &cp
}
