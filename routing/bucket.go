package routing

import (
	"math/big"
	"time"

	"github.com/opd-ai/kadnet"
	"github.com/opd-ai/kadnet/crypto"
)

// bucket is a list of Contacts in LRU order (most-recently-seen at tail),
// covering a contiguous range [min, max] of the identifier space. Grounded
// on the teacher's KBucket (dht/routing.go), generalized from a fixed
// 256-bucket array to a dynamically splittable range.
type bucket struct {
	min, max     crypto.NodeID
	contacts     []*kadnet.Contact
	capacity     int
	lastAccessed time.Time
}

func newBucket(min, max crypto.NodeID, capacity int, now time.Time) *bucket {
	return &bucket{
		min:          min,
		max:          max,
		capacity:     capacity,
		lastAccessed: now,
	}
}

// contains reports whether id falls within this bucket's range, inclusive.
func (b *bucket) contains(id crypto.NodeID) bool {
	return !id.Less(b.min) && !b.max.Less(id)
}

// indexOf returns the position of a contact with the given id, or -1.
func (b *bucket) indexOf(id crypto.NodeID) int {
	for i, c := range b.contacts {
		if c.NodeID.Equal(id) {
			return i
		}
	}
	return -1
}

// touchContact moves the contact at index i to the tail (most recently
// seen) without changing the slice's logical contents otherwise.
func (b *bucket) touchContact(i int) {
	c := b.contacts[i]
	b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
	b.contacts = append(b.contacts, c)
}

// full reports whether the bucket has reached capacity.
func (b *bucket) full() bool {
	return len(b.contacts) >= b.capacity
}

// split divides the bucket into two half-range buckets at the midpoint,
// redistributing contacts by membership (spec §4.C split rule:
// mid = (min+max)/2).
func (b *bucket) split(now time.Time) (lower, upper *bucket) {
	mid := midpoint(b.min, b.max)
	midPlusOne := increment(mid)

	lower = newBucket(b.min, mid, b.capacity, now)
	upper = newBucket(midPlusOne, b.max, b.capacity, now)

	for _, c := range b.contacts {
		if lower.contains(c.NodeID) {
			lower.contacts = append(lower.contacts, c)
		} else {
			upper.contacts = append(upper.contacts, c)
		}
	}
	return lower, upper
}

func midpoint(min, max crypto.NodeID) crypto.NodeID {
	minInt := new(big.Int).SetBytes(min[:])
	maxInt := new(big.Int).SetBytes(max[:])
	sum := new(big.Int).Add(minInt, maxInt)
	mid := sum.Rsh(sum, 1)
	return bigIntToID(mid)
}

func increment(id crypto.NodeID) crypto.NodeID {
	v := new(big.Int).SetBytes(id[:])
	v.Add(v, big.NewInt(1))
	return bigIntToID(v)
}

func bigIntToID(v *big.Int) crypto.NodeID {
	b := v.Bytes()
	var id crypto.NodeID
	if len(b) > crypto.KeySize {
		// Overflow past the maximum identifier clamps to all-ones; this
		// only occurs when max is already all-ones and should be
		// unreachable because split is only ever called on buckets whose
		// max leaves room for mid+1, but clamp defensively.
		return crypto.AllOnesNodeID()
	}
	copy(id[crypto.KeySize-len(b):], b)
	return id
}
