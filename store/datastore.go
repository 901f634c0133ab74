// Package store implements the DHT's per-peer keyed multi-valued data
// store: publish/refresh/delete-refresh semantics over signed values with
// TTL expiry and hashable-key single-value enforcement (spec §4.D).
//
// Grounded on the teacher's dht.GroupStorage (a mutex-protected map with a
// TTL sweep), generalized from single-value group announcements to
// multi-valued signed entries.
package store

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/kadnet/crypto"
	"github.com/sirupsen/logrus"
)

var (
	// ErrHashableConflict indicates a Store on a hashable key was attempted
	// with a value different from the one already held.
	ErrHashableConflict = errors.New("store: hashable key already holds a different value")
	// ErrHashableImmutable describes an update of a hashable key's stored
	// value. No DataStore method returns it: Update checks the hashable flag
	// of the new value only.
	ErrHashableImmutable = errors.New("store: hashable key values cannot be mutated, only replaced wholesale")
	// ErrNotFound indicates no (key, value) tuple matched the request.
	ErrNotFound = errors.New("store: key/value not found")
	// ErrMarkedForDeletion indicates Refresh found the tuple already
	// marked for deletion; callers receive the stored deletion request.
	ErrMarkedForDeletion = errors.New("store: value is marked for deletion")
)

// Entry is a single stored (value, signature) tuple for a key, with its
// lifecycle metadata (spec §3 "DataStore entry").
type Entry struct {
	Value             []byte
	Signature         []byte
	SignerID          crypto.NodeID
	PublishTime       time.Time
	ExpireTime        time.Time
	RefreshTime       time.Time
	MarkedForDeletion bool
	DeletionRequest   []byte
	Hashable          bool
}

// ValueAttr pairs a stored value with whether its key enforces hashable
// single-value semantics, as returned by LoadAttr.
type ValueAttr struct {
	Value    []byte
	Hashable bool
}

// DataStore is a keyed multi-valued store with TTL expiry, refresh, and
// soft-delete (tombstoning) semantics.
type DataStore struct {
	mu      sync.RWMutex
	entries map[crypto.NodeID][]*Entry
	now     func() time.Time
}

// New creates an empty DataStore using the system clock.
func New() *DataStore {
	return NewWithClock(time.Now)
}

// NewWithClock creates an empty DataStore with an injectable clock, for
// deterministic expiry tests.
func NewWithClock(clock func() time.Time) *DataStore {
	return &DataStore{
		entries: make(map[crypto.NodeID][]*Entry),
		now:     clock,
	}
}

func valueEqual(a, b []byte) bool { return bytes.Equal(a, b) }

func (ds *DataStore) findLocked(key crypto.NodeID, value []byte) (*Entry, int) {
	for i, e := range ds.entries[key] {
		if valueEqual(e.Value, value) {
			return e, i
		}
	}
	return nil, -1
}

// Store publishes or refreshes a (key, value, signature) tuple with the
// given TTL. For hashable keys, at most one value may exist; a Store with a
// different value than the one already held fails with ErrHashableConflict
// (spec §8 invariant 4). A second identical Store with the same
// (value, signer) and unexpired TTL is a no-op returning success (spec §8
// "Idempotence").
func (ds *DataStore) Store(key crypto.NodeID, value, signature []byte, signerID crypto.NodeID, ttl time.Duration, publish, hashable bool) error {
	logger := logrus.WithFields(logrus.Fields{"function": "Store", "package": "store", "key": key.Hex()})

	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := ds.now()

	for _, e := range ds.entries[key] {
		if (hashable || e.Hashable) && !valueEqual(e.Value, value) {
			logger.Warn("rejecting hashable key store: value differs from existing")
			return ErrHashableConflict
		}
	}

	if existing, _ := ds.findLocked(key, value); existing != nil {
		if existing.SignerID.Equal(signerID) && now.Before(existing.ExpireTime) {
			// Idempotent re-store: no-op success.
			return nil
		}
		existing.Signature = signature
		existing.ExpireTime = now.Add(ttl)
		existing.RefreshTime = now
		if publish {
			existing.PublishTime = now
		}
		return nil
	}

	entry := &Entry{
		Value:       value,
		Signature:   signature,
		SignerID:    signerID,
		ExpireTime:  now.Add(ttl),
		RefreshTime: now,
		Hashable:    hashable,
	}
	if publish {
		entry.PublishTime = now
	}
	ds.entries[key] = append(ds.entries[key], entry)
	return nil
}

// Refresh advances refresh_time for an existing, non-deleted (key, value)
// tuple. If the tuple is marked for deletion, Refresh returns
// ErrMarkedForDeletion along with the stored deletion request unchanged, so
// the caller can propagate it (spec §4.D, §8 boundary behavior).
func (ds *DataStore) Refresh(key crypto.NodeID, value []byte) (deletionRequest []byte, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	entry, _ := ds.findLocked(key, value)
	if entry == nil {
		return nil, ErrNotFound
	}
	if entry.MarkedForDeletion {
		return entry.DeletionRequest, ErrMarkedForDeletion
	}
	entry.RefreshTime = ds.now()
	return nil, nil
}

// MarkForDeletion soft-deletes a (key, value) tuple: the entry is retained,
// with its deletion proof, until TTL purge, so that a subsequent store of
// the same tuple elsewhere in the network is rejected uniformly (spec
// §4.D).
func (ds *DataStore) MarkForDeletion(key crypto.NodeID, value, serializedRequest []byte) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	entry, _ := ds.findLocked(key, value)
	if entry == nil {
		return ErrNotFound
	}
	entry.MarkedForDeletion = true
	entry.DeletionRequest = serializedRequest
	return nil
}

// Update replaces an existing (key, oldValue) tuple with a new value and
// signature. The hashable constraint is evaluated only against the new
// value (spec §9 Open Question resolution, documented in DESIGN.md): when
// hashable is true, every other value for key is dropped so the key
// returns to single-value semantics.
func (ds *DataStore) Update(key crypto.NodeID, oldValue, newValue, newSignature []byte, signerID crypto.NodeID, ttl time.Duration, hashable bool) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	old, idx := ds.findLocked(key, oldValue)
	if old == nil {
		return ErrNotFound
	}
	if old.MarkedForDeletion {
		return ErrMarkedForDeletion
	}

	now := ds.now()
	updated := &Entry{
		Value:       newValue,
		Signature:   newSignature,
		SignerID:    signerID,
		PublishTime: old.PublishTime,
		ExpireTime:  now.Add(ttl),
		RefreshTime: now,
		Hashable:    hashable,
	}

	if hashable {
		ds.entries[key] = []*Entry{updated}
		return nil
	}

	ds.entries[key][idx] = updated
	return nil
}

// Load returns every non-expired, non-deleted value stored for key.
func (ds *DataStore) Load(key crypto.NodeID) [][]byte {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	now := ds.now()
	var out [][]byte
	for _, e := range ds.entries[key] {
		if e.MarkedForDeletion || now.After(e.ExpireTime) {
			continue
		}
		out = append(out, e.Value)
	}
	return out
}

// LoadAttr returns every non-expired, non-deleted value stored for key
// along with whether the key is hashable.
func (ds *DataStore) LoadAttr(key crypto.NodeID) []ValueAttr {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	now := ds.now()
	var out []ValueAttr
	for _, e := range ds.entries[key] {
		if e.MarkedForDeletion || now.After(e.ExpireTime) {
			continue
		}
		out = append(out, ValueAttr{Value: e.Value, Hashable: e.Hashable})
	}
	return out
}

// DeleteExpired purges every entry whose expire_time has passed and returns
// the number of purged entries (spec §4.D "Expiry").
func (ds *DataStore) DeleteExpired() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := ds.now()
	purged := 0
	for key, entries := range ds.entries {
		kept := entries[:0]
		for _, e := range entries {
			if now.After(e.ExpireTime) {
				purged++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(ds.entries, key)
		} else {
			ds.entries[key] = kept
		}
	}
	return purged
}

// GetKeyValues returns every non-expired, non-deleted value across the
// whole store, keyed by identifier.
func (ds *DataStore) GetKeyValues() map[crypto.NodeID][][]byte {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	now := ds.now()
	out := make(map[crypto.NodeID][][]byte)
	for key, entries := range ds.entries {
		for _, e := range entries {
			if e.MarkedForDeletion || now.After(e.ExpireTime) {
				continue
			}
			out[key] = append(out[key], e.Value)
		}
	}
	return out
}
