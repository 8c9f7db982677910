package locking

import "sort"

// Resource names a class of operations whose mutual exclusion is managed
// through one advisory lock per tag per prefix (spec §4.2, GLOSSARY
// "Resource tag"). The enum is closed: every multi-lock caller draws from
// this set so that sorting it gives a total order across the whole engine,
// which is what rules out lock-order deadlocks between core callers (§5).
type Resource string

const (
	ResourceCounter   Resource = "Counter"
	ResourceJob       Resource = "Job"
	ResourceList      Resource = "List"
	ResourceSet       Resource = "Set"
	ResourceHash      Resource = "Hash"
	ResourceQueue     Resource = "Queue"
	ResourceLock      Resource = "Lock"
	ResourceState     Resource = "State"
	ResourceMigration Resource = "Migration"
	ResourceServer    Resource = "Server"
)

// lockName builds the full advisory-lock name for a resource under prefix,
// e.g. "myapp/Job".
func lockName(prefix string, r Resource) string {
	return prefix + "/" + string(r)
}

// sortResources returns a sorted copy of resources, deduplicated, so every
// multi-lock acquisition sees lexicographic order regardless of call-site
// ordering.
func sortResources(resources []Resource) []Resource {
	seen := make(map[Resource]struct{}, len(resources))
	out := make([]Resource, 0, len(resources))
	for _, r := range resources {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ResourceTagSet is a small ordered set of resource tags, used by the Repeater
// and the write-only transaction to accumulate the locks a batch needs.
type ResourceTagSet struct {
	m map[Resource]struct{}
}

// NewResourceSet builds a ResourceTagSet from an initial list of tags.
func NewResourceSet(resources ...Resource) *ResourceTagSet {
	s := &ResourceTagSet{m: make(map[Resource]struct{})}
	s.Add(resources...)
	return s
}

// Add inserts one or more tags.
func (s *ResourceTagSet) Add(resources ...Resource) {
	for _, r := range resources {
		s.m[r] = struct{}{}
	}
}

// Slice returns the sorted, deduplicated tag list.
func (s *ResourceTagSet) Slice() []Resource {
	out := make([]Resource, 0, len(s.m))
	for r := range s.m {
		out = append(out, r)
	}
	return sortResources(out)
}

// Len reports how many distinct tags are in the set.
func (s *ResourceTagSet) Len() int {
	return len(s.m)
}
