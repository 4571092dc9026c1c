package models

import "sort"

// SeenSet holds identity keys already observed. It is not safe for concurrent use;
// the orchestrator mutates it from a single goroutine.
type SeenSet map[string]struct{}

func NewSeenSet(keys ...string) SeenSet {
	s := make(SeenSet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s SeenSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Add inserts key and reports whether it was new.
func (s SeenSet) Add(key string) bool {
	if _, ok := s[key]; ok {
		return false
	}
	s[key] = struct{}{}
	return true
}

func (s SeenSet) Remove(key string) {
	delete(s, key)
}

func (s SeenSet) Len() int {
	return len(s)
}

// Keys returns the keys in sorted order.
func (s SeenSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s SeenSet) Merge(keys []string) {
	for _, k := range keys {
		s[k] = struct{}{}
	}
}
