// Package cache implements CacheIndex, the hash-to-workdir lookup behind
// resume/skip-unchanged-task semantics (spec.md §4.7, §7 "skip unchanged
// task"). A bloom filter in front of the index gives a fast, lock-free
// "definitely not cached" answer for the overwhelming majority of
// lookups that miss, the way liveset/bloomlive fronts a lookup with a
// bloom filter over digests.
package cache

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/grailbio/base/digest"
	"github.com/willf/bloom"

	"github.com/taskmesh/taskflow"
	"github.com/taskmesh/taskflow/errors"
)

// Assoc maps a HashKey digest to the Entry describing where the firing
// that produced it left its outputs. CacheIndex is the in-memory,
// bloom-filter-fronted Assoc used by a running session; Load/Save persist
// it to disk between sessions.
type Assoc interface {
	// Map associates key with entry.
	Map(key digest.Digest, entry Entry) error
	// Lookup returns the Entry associated with key. Lookup returns an
	// error of kind errors.NotExist when no such mapping exists.
	Lookup(key digest.Digest) (Entry, error)
	// Unmap removes key's mapping, if any.
	Unmap(key digest.Digest) error
}

// Entry records where a previously-submitted firing's outputs live.
type Entry struct {
	WorkDir string                 `json:"work_dir"`
	Outputs []taskflow.FileHolder  `json:"outputs"`
}

// CacheIndex is an Assoc backed by an in-memory map, fronted by a bloom
// filter so that a miss (the common case once a workflow's cache is
// warm) never takes the map's lock.
type CacheIndex struct {
	mu      sync.RWMutex
	entries map[digest.Digest]Entry
	filter  *bloom.BloomFilter
}

// New returns an empty CacheIndex sized to expect roughly n entries with
// a false-positive rate of fp.
func New(n uint, fp float64) *CacheIndex {
	return &CacheIndex{
		entries: make(map[digest.Digest]Entry),
		filter:  bloom.NewWithEstimates(n, fp),
	}
}

// Map records that key produced entry. Called once a task run completes
// successfully.
func (c *CacheIndex) Map(key digest.Digest, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
	c.filter.Add(digestBytes(key))
	return nil
}

// Unmap removes key's mapping, e.g. after its work directory has been
// garbage collected out from under the index.
func (c *CacheIndex) Unmap(key digest.Digest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Lookup returns the Entry recorded for key, if any. The bloom filter is
// consulted first: a negative answer there is definitive and avoids the
// map lookup and its lock entirely.
func (c *CacheIndex) Lookup(key digest.Digest) (Entry, error) {
	if !c.filter.Test(digestBytes(key)) {
		return Entry{}, errors.E("cache.CacheIndex.Lookup", errors.NotExist, key.String())
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, errors.E("cache.CacheIndex.Lookup", errors.NotExist, key.String())
	}
	return e, nil
}

// Len returns the number of entries recorded, regardless of the bloom
// filter's estimate.
func (c *CacheIndex) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// persisted is the on-disk JSON representation of a CacheIndex, rehydrated
// on --resume the way local/manifest.go's Manifest is read back on
// executor restart.
type persisted struct {
	Entries map[string]Entry `json:"entries"`
}

// Save serializes the index to path as JSON, keyed by each digest's
// string form.
func (c *CacheIndex) Save(path string) error {
	c.mu.RLock()
	p := persisted{Entries: make(map[string]Entry, len(c.entries))}
	for k, v := range c.entries {
		p.Entries[k.String()] = v
	}
	c.mu.RUnlock()
	b, err := json.Marshal(p)
	if err != nil {
		return errors.E("cache.CacheIndex.Save", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return errors.E("cache.CacheIndex.Save", err)
	}
	return nil
}

// Load rehydrates a CacheIndex previously written by Save, for a session
// started with --resume (spec.md §7 "resume a prior session").
func Load(path string, fp float64) (*CacheIndex, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.E("cache.Load", err)
	}
	var p persisted
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, errors.E("cache.Load", errors.Invalid, err)
	}
	idx := New(uint(len(p.Entries))+1, fp)
	for ks, entry := range p.Entries {
		d, derr := digest.Parse(ks)
		if derr != nil {
			return nil, errors.E("cache.Load", errors.Invalid, derr)
		}
		if err := idx.Map(d, entry); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func digestBytes(d digest.Digest) []byte {
	return []byte(d.String())
}
