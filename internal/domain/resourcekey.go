package domain

import (
	"fmt"
	"sort"
	"strings"
)

// ResourceKind tags the class of object a ResourceKey locks.
type ResourceKind string

// Resource kinds used by the replicator.
const (
	ResourceEntity ResourceKind = "ENTITY"
	ResourceRecord ResourceKind = "RECORD"
	ResourceReport ResourceKind = "REPORT"
)

// ResourceKey identifies a lockable object: a kind plus one or more string
// components. Two keys are equal iff the kind and every component are equal.
type ResourceKey struct {
	kind       ResourceKind
	components []string
}

// NewResourceKey builds a key from a kind and its components.
func NewResourceKey(kind ResourceKind, components ...string) (ResourceKey, error) {
	if kind == "" {
		return ResourceKey{}, fmt.Errorf("op=resourcekey.new: empty kind: %w", ErrInvalidArgument)
	}
	if len(components) == 0 {
		return ResourceKey{}, fmt.Errorf("op=resourcekey.new: at least one component required: %w", ErrInvalidArgument)
	}
	cp := make([]string, len(components))
	copy(cp, components)
	return ResourceKey{kind: kind, components: cp}, nil
}

// MustResourceKey is NewResourceKey that panics on invalid input. Intended for
// literals whose validity is known at the call site.
func MustResourceKey(kind ResourceKind, components ...string) ResourceKey {
	k, err := NewResourceKey(kind, components...)
	if err != nil {
		panic(err)
	}
	return k
}

// EntityKey builds the canonical key for an entity id.
func EntityKey(entityID int64) ResourceKey {
	return MustResourceKey(ResourceEntity, fmt.Sprintf("%d", entityID))
}

// RecordKey builds the canonical key for a (data source, record id) pair.
func RecordKey(dataSource, recordID string) ResourceKey {
	return MustResourceKey(ResourceRecord, dataSource, recordID)
}

// ReportKey builds the canonical key for a report statistic bucket.
func ReportKey(components ...string) ResourceKey {
	return MustResourceKey(ResourceReport, components...)
}

// Kind returns the key's kind tag.
func (k ResourceKey) Kind() ResourceKind { return k.kind }

// Components returns a copy of the key's components.
func (k ResourceKey) Components() []string {
	cp := make([]string, len(k.components))
	copy(cp, k.components)
	return cp
}

// String renders the key as KIND:component[:component...]. The rendering is
// canonical and doubles as the map key in the lock table.
func (k ResourceKey) String() string {
	return string(k.kind) + ":" + strings.Join(k.components, ":")
}

// Equal reports whether both keys have the same kind and components.
func (k ResourceKey) Equal(other ResourceKey) bool {
	return k.Compare(other) == 0
}

// Compare orders keys by (kind, components...) natural comparison.
func (k ResourceKey) Compare(other ResourceKey) int {
	if c := strings.Compare(string(k.kind), string(other.kind)); c != 0 {
		return c
	}
	n := len(k.components)
	if len(other.components) < n {
		n = len(other.components)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(k.components[i], other.components[i]); c != 0 {
			return c
		}
	}
	return len(k.components) - len(other.components)
}

// SortResourceKeys sorts keys in place by their natural order and removes
// duplicates. Deterministic ordering is what lets the lock service acquire
// multi-key sets without deadlocking.
func SortResourceKeys(keys []ResourceKey) []ResourceKey {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	out := keys[:0]
	for i, k := range keys {
		if i == 0 || !k.Equal(keys[i-1]) {
			out = append(out, k)
		}
	}
	return out
}
