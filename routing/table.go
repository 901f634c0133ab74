package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/kadnet"
	"github.com/opd-ai/kadnet/crypto"
	"github.com/sirupsen/logrus"
)

// AddResult is the outcome of a RoutingTable.AddContact call (spec §4.C).
type AddResult int

const (
	// Ok indicates the contact was inserted.
	Ok AddResult = iota
	// Duplicate indicates the contact was already present and has been
	// refreshed to most-recently-seen.
	Duplicate
	// BucketFull indicates the contact's bucket is full, is not
	// splittable, and the contact does not qualify under the force-k rule.
	BucketFull
	// Rejected indicates the contact is nil or invalid, the local node
	// itself, or the distinguished client sentinel, and was not considered
	// for insertion.
	Rejected
)

func (r AddResult) String() string {
	switch r {
	case Ok:
		return "Ok"
	case Duplicate:
		return "Duplicate"
	case BucketFull:
		return "BucketFull"
	case Rejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Table is a bucketed view of known peers, generalized from the teacher's
// dht.RoutingTable (256 fixed buckets) into the spec's dynamically
// splitting, force-k-aware routing table (spec §3 "RoutingTable", §4.C).
//
// A Table is protected by a single mutex, matching spec §5: the routing
// table may be mutated by inbound service traffic, RPC liveness callbacks,
// and the refresh timer, all of which must serialize on the same lock.
type Table struct {
	mu        sync.Mutex
	holderID  crypto.NodeID
	buckets   []*bucket
	capacity  int
	tolerance int
	now       func() time.Time
}

// NewTable creates a routing table for holderID with the given per-bucket
// capacity (k), initialized as a single bucket spanning the whole
// identifier space (spec §3 "Initially one bucket covering [0, 2^n-1]").
func NewTable(holderID crypto.NodeID, capacity int) *Table {
	return NewTableWithClock(holderID, capacity, time.Now)
}

// NewTableWithClock is NewTable with an injectable clock, for deterministic
// refresh-interval tests.
func NewTableWithClock(holderID crypto.NodeID, capacity int, clock func() time.Time) *Table {
	t := &Table{
		holderID:  holderID,
		capacity:  capacity,
		tolerance: kadnet.FailedRPCTolerance,
		now:       clock,
	}
	t.buckets = []*bucket{newBucket(crypto.NodeID{}, crypto.AllOnesNodeID(), capacity, clock())}
	return t
}

// AddContact inserts or refreshes a contact following the algorithm in
// spec §4.C.
func (t *Table) AddContact(c *kadnet.Contact) AddResult {
	logger := logrus.WithFields(logrus.Fields{"function": "AddContact", "package": "routing"})

	if c == nil || !c.Valid() {
		logger.Debug("rejecting invalid contact")
		return Rejected
	}
	if c.NodeID.Equal(t.holderID) || c.IsClientContact() {
		logger.Debug("rejecting self or client-sentinel contact")
		return Rejected
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	idx := t.bucketIndexLocked(c.NodeID)

	for {
		b := t.buckets[idx]

		if i := b.indexOf(c.NodeID); i >= 0 {
			b.touchContact(i)
			b.lastAccessed = now
			return Duplicate
		}

		if !b.full() {
			b.contacts = append(b.contacts, c)
			b.lastAccessed = now
			return Ok
		}

		if b.contains(t.holderID) {
			t.splitBucketLocked(idx, now)
			idx = t.bucketIndexLocked(c.NodeID)
			continue
		}

		if t.isAmongKClosestLocked(c.NodeID) {
			b.contacts = append(b.contacts[1:], c)
			b.lastAccessed = now
			logger.WithField("evicted_bucket", idx).Debug("force-k evicted least-recently-seen contact")
			return Ok
		}

		return BucketFull
	}
}

// bucketIndexLocked finds the bucket whose range contains id. Caller must
// hold t.mu.
func (t *Table) bucketIndexLocked(id crypto.NodeID) int {
	for i, b := range t.buckets {
		if b.contains(id) {
			return i
		}
	}
	// Unreachable: buckets always tile the full space.
	return len(t.buckets) - 1
}

// splitBucketLocked splits the bucket at idx into two half-range buckets
// and replaces it in place, preserving range order. Caller must hold t.mu.
func (t *Table) splitBucketLocked(idx int, now time.Time) {
	lower, upper := t.buckets[idx].split(now)
	replacement := make([]*bucket, 0, len(t.buckets)+1)
	replacement = append(replacement, t.buckets[:idx]...)
	replacement = append(replacement, lower, upper)
	replacement = append(replacement, t.buckets[idx+1:]...)
	t.buckets = replacement
}

// isAmongKClosestLocked reports whether candidate would be among the k
// contacts closest to holderID, counting all live contacts currently known.
// This implements the spec's force-k exception (§4.C step 6); it evicts the
// target bucket's own least-recently-seen entry rather than attempting to
// locate a sibling-range bucket, a simplification recorded in DESIGN.md.
func (t *Table) isAmongKClosestLocked(candidate crypto.NodeID) bool {
	all := t.liveContactsLocked(nil)
	if len(all) < t.capacity {
		return true
	}
	sort.Slice(all, func(i, j int) bool {
		return crypto.CloserToTarget(all[i].NodeID, all[j].NodeID, t.holderID)
	})
	furthestAmongClosest := all[t.capacity-1]
	return crypto.CloserToTarget(candidate, furthestAmongClosest.NodeID, t.holderID)
}

// liveContactsLocked returns every contact not excluded and not over the
// failed-RPC tolerance. Caller must hold t.mu.
func (t *Table) liveContactsLocked(exclude map[crypto.NodeID]bool) []*kadnet.Contact {
	var out []*kadnet.Contact
	for _, b := range t.buckets {
		for _, c := range b.contacts {
			if c.Exceeded(t.tolerance) {
				continue
			}
			if exclude != nil && exclude[c.NodeID] {
				continue
			}
			out = append(out, c)
		}
	}
	return out
}

// GetContact returns the contact with the given id, if known and not over
// the failed-RPC tolerance (spec §8 invariant 3).
func (t *Table) GetContact(id crypto.NodeID) (*kadnet.Contact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketIndexLocked(id)
	if i := t.buckets[idx].indexOf(id); i >= 0 {
		c := t.buckets[idx].contacts[i]
		if c.Exceeded(t.tolerance) {
			return nil, false
		}
		return c, true
	}
	return nil, false
}

// RemoveContact removes the contact with the given id. force is accepted
// for API symmetry with the spec's contract (callers such as downlist
// handling use it to signal an intentional, verified removal) but does not
// change behavior: removal always succeeds when the id is known.
func (t *Table) RemoveContact(id crypto.NodeID, force bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeContactLocked(id)
}

func (t *Table) removeContactLocked(id crypto.NodeID) bool {
	idx := t.bucketIndexLocked(id)
	b := t.buckets[idx]
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
	return true
}

// IncrementFailedRPCs increments the failure counter for id and evicts the
// contact once it reaches the configured tolerance (spec §4.C step 7).
// Returns the updated failure count and whether the contact was evicted.
func (t *Table) IncrementFailedRPCs(id crypto.NodeID) (count int, evicted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketIndexLocked(id)
	b := t.buckets[idx]
	i := b.indexOf(id)
	if i < 0 {
		return 0, false
	}
	count = b.contacts[i].IncrementFailedRPCs()
	if count >= t.tolerance {
		t.removeContactLocked(id)
		return count, true
	}
	return count, false
}

// ResetFailedRPCs zeroes the failure counter for id, called on a successful
// RPC response.
func (t *Table) ResetFailedRPCs(id crypto.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.bucketIndexLocked(id)
	if i := t.buckets[idx].indexOf(id); i >= 0 {
		t.buckets[idx].contacts[i].ResetFailedRPCs()
	}
}

// FindCloseNodes returns up to count live contacts closest to target,
// excluding any id present in exclude (spec §4.C "Closest-nodes query").
func (t *Table) FindCloseNodes(target crypto.NodeID, count int, exclude map[crypto.NodeID]bool) []*kadnet.Contact {
	t.mu.Lock()
	all := t.liveContactsLocked(exclude)
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return crypto.CloserToTarget(all[i].NodeID, all[j].NodeID, target)
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// GetFurthestContacts returns up to count live contacts furthest from
// target, excluding any id present in exclude.
func (t *Table) GetFurthestContacts(target crypto.NodeID, count int, exclude map[crypto.NodeID]bool) []*kadnet.Contact {
	t.mu.Lock()
	all := t.liveContactsLocked(exclude)
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return crypto.CloserToTarget(all[j].NodeID, all[i].NodeID, target)
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// GetRefreshList returns, for each bucket at or beyond startIndex whose
// last-accessed time exceeds the mean refresh interval (or unconditionally
// when force is set), a uniformly random id drawn from that bucket's range
// (spec §4.C "Refresh").
func (t *Table) GetRefreshList(startIndex int, force bool) []crypto.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var ids []crypto.NodeID
	for i := startIndex; i < len(t.buckets); i++ {
		b := t.buckets[i]
		if !force && now.Sub(b.lastAccessed) <= kadnet.MeanRefreshInterval {
			continue
		}
		id, err := crypto.RandomNodeIDInRange(b.min, b.max)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// TouchBucket marks the bucket containing id as recently accessed.
func (t *Table) TouchBucket(id crypto.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.bucketIndexLocked(id)
	t.buckets[idx].lastAccessed = t.now()
}

// Clear resets the table to its initial single-bucket state.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets = []*bucket{newBucket(crypto.NodeID{}, crypto.AllOnesNodeID(), t.capacity, t.now())}
}

// Size returns the total number of contacts across all buckets.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, b := range t.buckets {
		total += len(b.contacts)
	}
	return total
}

// KBucketSize returns the configured per-bucket capacity (k).
func (t *Table) KBucketSize() int {
	return t.capacity
}

// BucketCount returns the current number of buckets in the table.
func (t *Table) BucketCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// GetLastSeenContact returns the most-recently-seen contact in the bucket
// at bucketIndex, or false if the bucket is empty or the index is invalid.
func (t *Table) GetLastSeenContact(bucketIndex int) (*kadnet.Contact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bucketIndex < 0 || bucketIndex >= len(t.buckets) {
		return nil, false
	}
	b := t.buckets[bucketIndex]
	if len(b.contacts) == 0 {
		return nil, false
	}
	return b.contacts[len(b.contacts)-1], true
}
