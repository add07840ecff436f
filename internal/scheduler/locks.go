// Package scheduler implements the resource-locked, at-least-once task
// scheduling core: admission and collapse of group tasks, durable follow-up
// dispatch with lease renewal, postponement under resource contention, and a
// bounded worker pool delivering collapsed batches to the task handler.
package scheduler

import (
	"github.com/fairyhunter13/datamart-replicator/internal/domain"
)

// resourceLocks maps resource keys to their holding owner. It is not safe for
// concurrent use on its own; every call happens under the scheduler monitor.
type resourceLocks struct {
	held   map[string]string   // key string -> owner
	owners map[string][]string // owner -> key strings held
}

func newResourceLocks() *resourceLocks {
	return &resourceLocks{
		held:   make(map[string]string),
		owners: make(map[string][]string),
	}
}

// tryAcquire takes all keys for owner, or none. Keys arrive in their natural
// order (tasks sort them at construction), so concurrent acquisition attempts
// probe in a deterministic total order.
func (l *resourceLocks) tryAcquire(keys []domain.ResourceKey, owner string) bool {
	for _, k := range keys {
		if holder, taken := l.held[k.String()]; taken && holder != owner {
			return false
		}
	}
	for _, k := range keys {
		ks := k.String()
		if _, taken := l.held[ks]; taken {
			continue
		}
		l.held[ks] = owner
		l.owners[owner] = append(l.owners[owner], ks)
	}
	return true
}

// releaseAll drops every key held by owner.
func (l *resourceLocks) releaseAll(owner string) {
	for _, ks := range l.owners[owner] {
		delete(l.held, ks)
	}
	delete(l.owners, owner)
}

// heldCount returns the number of currently held keys.
func (l *resourceLocks) heldCount() int { return len(l.held) }
