// Package lookup implements the DHT's iterative lookup engine: the
// α-parallel, k-bounded node and value lookup procedure that
// drives FindNodes/FindValue traversal across the network (spec §4.G).
//
// Grounded on the teacher's BootstrapManager iterative bootstrap traversal
// (dht/bootstrap.go), generalized from a one-shot bootstrap walk into a
// reusable engine for both node and value lookups, with bounded concurrency
// supplied by golang.org/x/sync/errgroup and semaphore rather than a
// hand-rolled worker pool.
package lookup

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/opd-ai/kadnet"
	"github.com/opd-ai/kadnet/crypto"
	"github.com/opd-ai/kadnet/routing"
	"github.com/opd-ai/kadnet/rpc"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// errValueFound is returned internally by a queryBatch goroutine once it
// receives a value, canceling the batch's shared context so sibling RPCs
// still in flight stop waiting instead of running to completion (spec
// §4.G boundary behavior: "FindValue that finds the value in the first
// round stops before α RPCs complete"). queryBatch never surfaces it to
// its caller.
var errValueFound = errors.New("lookup: value found, batch canceled")

// Result is the outcome of a lookup: the k closest contacts found, and for
// FindValue lookups, any values recovered along the way.
type Result struct {
	Closest []*kadnet.Contact
	Values  [][]byte
	Found   bool
}

// Engine runs iterative FindNodes/FindValue traversals (spec §4.G
// "LookupEngine"). A single Engine is reused across lookups; each call to
// FindNode or FindValue constructs a fresh, independently mutex-guarded
// lookupState.
type Engine struct {
	self   *kadnet.Contact
	table  *routing.Table
	client *rpc.Client
	alpha  int
	beta   int
	k      int
}

// New creates a lookup Engine using the spec's default α/β/k parameters
// (kadnet.Alpha, kadnet.Beta, kadnet.K).
func New(self *kadnet.Contact, table *routing.Table, client *rpc.Client) *Engine {
	return &Engine{self: self, table: table, client: client, alpha: kadnet.Alpha, beta: kadnet.Beta, k: kadnet.K}
}

// lookupState tracks the shortlist of closest-known contacts (at most 3k),
// which of them have already been queried, and which are currently in
// flight. Guarded by a single mutex, matching spec §4.G: the
// state is mutated from up to α concurrent query goroutines per round.
type lookupState struct {
	mu        sync.Mutex
	target    crypto.NodeID
	shortlist []*kadnet.Contact
	queried   map[crypto.NodeID]bool
	inFlight  map[crypto.NodeID]bool
}

func newLookupState(target crypto.NodeID, seed []*kadnet.Contact) *lookupState {
	s := &lookupState{
		target:   target,
		queried:  make(map[crypto.NodeID]bool),
		inFlight: make(map[crypto.NodeID]bool),
	}
	s.mergeLocked(seed)
	return s
}

func (s *lookupState) mergeLocked(contacts []*kadnet.Contact) {
	seen := make(map[crypto.NodeID]bool, len(s.shortlist))
	for _, c := range s.shortlist {
		seen[c.NodeID] = true
	}
	for _, c := range contacts {
		if c == nil || seen[c.NodeID] {
			continue
		}
		seen[c.NodeID] = true
		s.shortlist = append(s.shortlist, c)
	}
	sort.Slice(s.shortlist, func(i, j int) bool {
		return crypto.CloserToTarget(s.shortlist[i].NodeID, s.shortlist[j].NodeID, s.target)
	})
	if len(s.shortlist) > 3*kadnet.K {
		s.shortlist = s.shortlist[:3*kadnet.K]
	}
}

// nextBatch selects up to n shortlist contacts that have neither been
// queried nor are currently in flight, closest-first.
func (s *lookupState) nextBatch(n int) []*kadnet.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []*kadnet.Contact
	for _, c := range s.shortlist {
		if len(batch) >= n {
			break
		}
		if s.queried[c.NodeID] || s.inFlight[c.NodeID] {
			continue
		}
		s.inFlight[c.NodeID] = true
		batch = append(batch, c)
	}
	return batch
}

func (s *lookupState) markQueried(id crypto.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
	s.queried[id] = true
}

func (s *lookupState) closestUnqueriedDistance() (crypto.NodeID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.shortlist {
		if !s.queried[c.NodeID] {
			return c.NodeID, true
		}
	}
	return crypto.NodeID{}, false
}

func (s *lookupState) closestKLocked(k int) []*kadnet.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.shortlist) > k {
		return append([]*kadnet.Contact(nil), s.shortlist[:k]...)
	}
	return append([]*kadnet.Contact(nil), s.shortlist...)
}

func wireToContacts(wire []rpc.WireContact) []*kadnet.Contact {
	out := make([]*kadnet.Contact, 0, len(wire))
	for _, w := range wire {
		c, err := w.ToContact()
		if err != nil || c == nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

// FindNode performs an iterative closest-node lookup for target (spec §4.G
// "FindNode mode"): repeated rounds of up to α parallel FindNodes RPCs
// against the closest unqueried shortlist members, each round waiting for
// all of its RPCs. The lookup ends once every shortlist member (the 3k
// closest contacts seen so far) has been queried. The no-improvement check
// after a round compares the closest unqueried contact before and after it;
// that contact is the first member of the round's own batch and is queried
// by it, so the check does not end the lookup early.
func (e *Engine) FindNode(ctx context.Context, target crypto.NodeID) ([]*kadnet.Contact, error) {
	seed := e.table.FindCloseNodes(target, e.k, map[crypto.NodeID]bool{e.self.NodeID: true})
	state := newLookupState(target, seed)

	for {
		batch := state.nextBatch(e.alpha)
		if len(batch) == 0 {
			break
		}

		bestBefore, hadBest := state.closestUnqueriedDistance()

		if err := e.queryBatch(ctx, state, batch, target, nil); err != nil {
			return nil, err
		}

		bestAfter, hadAfter := state.closestUnqueriedDistance()
		if hadBest && hadAfter && bestBefore.Equal(bestAfter) {
			// No improvement this round beyond what queryBatch already
			// folded in; one more β-wide verification round, then stop.
			final := state.nextBatch(e.beta)
			if len(final) == 0 {
				break
			}
			if err := e.queryBatch(ctx, state, final, target, nil); err != nil {
				return nil, err
			}
			break
		}
	}

	return state.closestKLocked(e.k), nil
}

// FindValue performs an iterative value lookup for key (spec §4.G
// "FindValue mode"): the same rounds as FindNode, returning at the end of
// the first round in which a queried contact returns stored values (the
// round's other RPCs are canceled). Without a hit, it ends once every
// shortlist member has been queried.
func (e *Engine) FindValue(ctx context.Context, key crypto.NodeID) (Result, error) {
	seed := e.table.FindCloseNodes(key, e.k, map[crypto.NodeID]bool{e.self.NodeID: true})
	state := newLookupState(key, seed)

	var found [][]byte
	var foundMu sync.Mutex

	for {
		batch := state.nextBatch(e.alpha)
		if len(batch) == 0 {
			break
		}

		bestBefore, hadBest := state.closestUnqueriedDistance()

		if err := e.queryBatch(ctx, state, batch, key, &found); err != nil {
			return Result{}, err
		}

		foundMu.Lock()
		gotValue := len(found) > 0
		foundMu.Unlock()
		if gotValue {
			return Result{Values: found, Found: true, Closest: state.closestKLocked(e.k)}, nil
		}

		bestAfter, hadAfter := state.closestUnqueriedDistance()
		if hadBest && hadAfter && bestBefore.Equal(bestAfter) {
			break
		}
	}

	return Result{Closest: state.closestKLocked(e.k)}, nil
}

// queryBatch issues FindNodes (or FindValue, when values is non-nil) RPCs to
// batch concurrently, bounded by a semaphore sized to len(batch) (never more
// than α or β at a time by construction), folding discovered contacts back
// into state.
func (e *Engine) queryBatch(ctx context.Context, state *lookupState, batch []*kadnet.Contact, target crypto.NodeID, values *[][]byte) error {
	sem := semaphore.NewWeighted(int64(len(batch)))
	group, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex

	for _, contact := range batch {
		contact := contact
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer sem.Release(1)
			defer state.markQueried(contact.NodeID)

			if values != nil {
				resp, err := e.client.FindValue(gctx, contact, target)
				if err != nil {
					if gctx.Err() == nil {
						e.table.IncrementFailedRPCs(contact.NodeID)
					}
					return nil
				}
				e.table.ResetFailedRPCs(contact.NodeID)
				if len(resp.Values) > 0 {
					mu.Lock()
					*values = append(*values, resp.Values...)
					mu.Unlock()
					return errValueFound
				}
				discovered := wireToContacts(resp.Contacts)
				state.mu.Lock()
				state.mergeLocked(discovered)
				state.mu.Unlock()
				return nil
			}

			resp, err := e.client.FindNodes(gctx, contact, target)
			if err != nil {
				if gctx.Err() == nil {
					e.table.IncrementFailedRPCs(contact.NodeID)
				}
				return nil
			}
			e.table.ResetFailedRPCs(contact.NodeID)
			discovered := wireToContacts(resp.Contacts)
			state.mu.Lock()
			state.mergeLocked(discovered)
			state.mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, errValueFound) {
		return err
	}
	return nil
}
