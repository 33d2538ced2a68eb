package registry

import (
	"time"
)

// Member is one live service instance.
type Member struct {
	// Name is the instance node name, e.g. n_0000000004.
	Name     string
	Metadata []byte
}

// Snapshot is an immutable view of the registry taken by one refresh. A
// snapshot may be stale but is always internally consistent; accessors hand out
// copies so callers cannot alter it.
type Snapshot struct {
	members     []Member
	generation  uint64
	refreshedAt time.Time
}

func newSnapshot(members []Member, generation uint64, at time.Time) *Snapshot {
	return &Snapshot{members: members, generation: generation, refreshedAt: at}
}

// Len returns the number of members.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.members)
}

// Members returns the members in sequence order.
func (s *Snapshot) Members() []Member {
	if s == nil {
		return nil
	}
	out := make([]Member, len(s.members))
	for i, m := range s.members {
		out[i] = Member{Name: m.Name, Metadata: cloneBytes(m.Metadata)}
	}
	return out
}

// Addresses returns the raw metadata payloads in sequence order.
func (s *Snapshot) Addresses() [][]byte {
	if s == nil {
		return nil
	}
	out := make([][]byte, len(s.members))
	for i, m := range s.members {
		out[i] = cloneBytes(m.Metadata)
	}
	return out
}

// Strings returns the payloads as strings, the usual host:port form.
func (s *Snapshot) Strings() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.members))
	for i, m := range s.members {
		out[i] = string(m.Metadata)
	}
	return out
}

// Contains reports whether some member carries exactly metadata.
func (s *Snapshot) Contains(metadata []byte) bool {
	if s == nil {
		return false
	}
	for _, m := range s.members {
		if string(m.Metadata) == string(metadata) {
			return true
		}
	}
	return false
}

// Generation counts refreshes; a later snapshot has a larger generation.
func (s *Snapshot) Generation() uint64 {
	if s == nil {
		return 0
	}
	return s.generation
}

// RefreshedAt is when the snapshot was built.
func (s *Snapshot) RefreshedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.refreshedAt
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
