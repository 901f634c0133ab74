// Package node implements the DHT's top-level orchestration layer: Join,
// Store, Delete, Update, FindValue, FindNodes, Ping, and the background
// republish/refresh timers that keep a node's presence and stored values
// alive in the network (spec §4.H "NodeFacade").
//
// Grounded on the teacher's BootstrapManager (dht/bootstrap.go, attempts,
// backoff, the nodes-to-probe fan-out) for Join, and on dht/maintenance.go's
// Maintainer (ctx/cancel/WaitGroup-driven periodic routines) for the
// republish and refresh timers.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/kadnet"
	"github.com/opd-ai/kadnet/crypto"
	"github.com/opd-ai/kadnet/lookup"
	"github.com/opd-ai/kadnet/routing"
	"github.com/opd-ai/kadnet/rpc"
	"github.com/opd-ai/kadnet/securifier"
	"github.com/opd-ai/kadnet/service"
	"github.com/opd-ai/kadnet/store"
	"github.com/opd-ai/kadnet/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrNoLiveSeeds indicates Join was called with no seed contact that
// answered a Ping, a fatal condition per spec §7 "bootstrap yields no live
// seed".
var ErrNoLiveSeeds = errors.New("node: no seed contact responded")

// RepublishInterval is the default cadence at which a node re-publishes its
// own previously stored values (spec §4.H "republish timer, 24-hour default
// cadence").
const RepublishInterval = 24 * time.Hour

// Config bundles everything needed to construct a Node. Table and
// DataStore are optional; when nil, a Node builds its own using spec
// defaults.
type Config struct {
	Self              *kadnet.Contact
	Transport         transport.Transport
	Securifier        securifier.Securifier
	Table             *routing.Table
	DataStore         *store.DataStore
	RPCTimeout        time.Duration
	RefreshInterval   time.Duration
	RepublishInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.RPCTimeout == 0 {
		c.RPCTimeout = 5 * time.Second
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = kadnet.MeanRefreshInterval
	}
	if c.RepublishInterval == 0 {
		c.RepublishInterval = RepublishInterval
	}
	if c.Table == nil {
		c.Table = routing.NewTable(c.Self.NodeID, kadnet.K)
	}
	if c.DataStore == nil {
		c.DataStore = store.New()
	}
}

// Node is the DHT's facade (spec §4.H "NodeFacade"): it owns the
// RoutingTable and DataStore exclusively, and holds non-owning references
// to the Service and Rpcs client that share them.
type Node struct {
	self       *kadnet.Contact
	table      *routing.Table
	dataStore  *store.DataStore
	securifier securifier.Securifier
	client     *rpc.Client
	svc        *service.Service
	engine     *lookup.Engine

	refreshInterval   time.Duration
	republishInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New constructs a Node from cfg, wiring the routing table, data store,
// RPC client, and inbound service together, but does not start background
// timers or contact the network; call Join for that.
func New(cfg Config) (*Node, error) {
	if cfg.Self == nil || cfg.Transport == nil || cfg.Securifier == nil {
		return nil, errors.New("node: Self, Transport, and Securifier are required")
	}
	cfg.setDefaults()

	n := &Node{
		self: cfg.Self, table: cfg.Table, dataStore: cfg.DataStore, securifier: cfg.Securifier,
		refreshInterval: cfg.RefreshInterval, republishInterval: cfg.RepublishInterval,
	}
	n.client = rpc.NewClient(cfg.Transport, cfg.Self, cfg.RPCTimeout, func(c *kadnet.Contact) { n.table.AddContact(c) })
	n.svc = service.New(cfg.Self, cfg.Transport, cfg.Table, cfg.DataStore, cfg.Securifier, n.handleDownlistClaim)
	n.engine = lookup.New(cfg.Self, cfg.Table, n.client)
	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n, nil
}

// handleDownlistClaim is the service.DownlistObserver wired in New: each
// claimed-dead id is verified concurrently via VerifyAndEvictDeadContact
// rather than evicted on the sender's say-so.
func (n *Node) handleDownlistClaim(ids []crypto.NodeID) {
	for _, id := range ids {
		id := id
		go n.VerifyAndEvictDeadContact(n.ctx, id)
	}
}

// Join bootstraps the node onto the network (spec §4.H "Join"): every seed
// is pinged in parallel to seed the routing table with live contacts, a
// lookup is launched for the local identity to discover nearby peers, and
// every remaining bucket is probed with a random id to populate the table.
// Join fails with ErrNoLiveSeeds if no seed answered, a fatal condition per
// spec §7.
func (n *Node) Join(seeds []*kadnet.Contact) error {
	if len(seeds) == 0 {
		return ErrNoLiveSeeds
	}

	group, gctx := errgroup.WithContext(n.ctx)
	var mu sync.Mutex
	liveCount := 0
	for _, seed := range seeds {
		seed := seed
		group.Go(func() error {
			resp, err := n.client.Ping(gctx, seed)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Join", "package": "node", "seed": seed.NodeID.Hex(),
				}).WithError(err).Debug("seed did not respond")
				return nil
			}
			seed.NodeID = resp.ResponderID
			n.table.AddContact(seed)
			mu.Lock()
			liveCount++
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	if liveCount == 0 {
		return ErrNoLiveSeeds
	}

	if _, err := n.engine.FindNode(n.ctx, n.self.NodeID); err != nil {
		logrus.WithError(err).Warn("node: self lookup during join failed")
	}

	n.probeBuckets(n.ctx, true)
	n.startTimers()
	return nil
}

// probeBuckets issues a FindNode lookup for a random id in every bucket due
// for refresh (or every bucket, when force is set), populating the routing
// table beyond its immediate seed contacts (spec §4.H "probing random ids
// per bucket").
func (n *Node) probeBuckets(ctx context.Context, force bool) {
	ids := n.table.GetRefreshList(0, force)
	group, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		group.Go(func() error {
			_, err := n.engine.FindNode(gctx, id)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		logrus.WithError(err).Debug("node: bucket probe lookup failed")
	}
}

func (n *Node) startTimers() {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.mu.Unlock()

	n.wg.Add(2)
	go n.refreshRoutine()
	go n.republishRoutine()
}

func (n *Node) refreshRoutine() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.probeBuckets(n.ctx, false)
		}
	}
}

func (n *Node) republishRoutine() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.republishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.republishOwnedValues()
		}
	}
}

// republishOwnedValues re-runs Store for every (key, value) currently held
// in the local data store, whatever its original signer, re-signing each
// value with this node's securifier and storing it at the current k closest
// nodes (spec §4.H "republish timer").
func (n *Node) republishOwnedValues() {
	for key, values := range n.dataStore.GetKeyValues() {
		for _, value := range values {
			sig, err := n.securifier.Sign(value)
			if err != nil {
				continue
			}
			if err := n.Store(n.ctx, key, value, sig, kadnet.MeanRefreshInterval, true, false); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "republishOwnedValues", "package": "node", "key": key.Hex(),
				}).WithError(err).Debug("republish failed")
			}
		}
	}
}

// Leave stops all background timers and cancels the node's own context,
// which aborts the Join, bucket-probe, republish and Downlist-verification
// work running under it (spec §4.H "Leave"). Lookups started with a
// caller-supplied context are not canceled, and the transport, which the
// caller provides, is not closed.
func (n *Node) Leave() {
	n.cancel()
	n.wg.Wait()
}

// Ping checks liveness of target (spec §4.H orchestration over rpc.Client).
func (n *Node) Ping(ctx context.Context, target *kadnet.Contact) error {
	_, err := n.client.Ping(ctx, target)
	return err
}

// FindNodes performs an iterative closest-node lookup for target.
func (n *Node) FindNodes(ctx context.Context, target crypto.NodeID) ([]*kadnet.Contact, error) {
	return n.engine.FindNode(ctx, target)
}

// FindValue returns the values held for key. Values present in the local
// data store are returned without a network lookup; otherwise an iterative
// value lookup runs through the lookup engine. No copy of a found value is
// cached at other nodes: a responder's NeedsCacheCopy flag is not acted on.
func (n *Node) FindValue(ctx context.Context, key crypto.NodeID) (lookup.Result, error) {
	if values := n.dataStore.Load(key); len(values) > 0 {
		return lookup.Result{Values: values, Found: true, Closest: n.table.FindCloseNodes(key, kadnet.K, nil)}, nil
	}
	return n.engine.FindValue(ctx, key)
}

// Store publishes a signed value under key to the k nodes closest to key
// (spec §4.H "Store / Delete / Update orchestration"): a FindNodes lookup
// against key locates the target contacts, then Store RPCs fan out to them
// in parallel. Overall success requires at least kadnet.MinSuccessStore of
// the attempted RPCs to succeed.
func (n *Node) Store(ctx context.Context, key crypto.NodeID, value, signature []byte, ttl time.Duration, publish, hashable bool) error {
	targets, err := n.engine.FindNode(ctx, key)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		targets = []*kadnet.Contact{}
	}

	group, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	succeeded := 0
	for _, target := range targets {
		target := target
		group.Go(func() error {
			resp, err := n.client.Store(gctx, target, key, value, signature, n.self.NodeID, n.securifier.PublicKey(), ttl, publish, hashable)
			if err != nil || !resp.Accepted {
				return nil
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	return successOrErr(succeeded, len(targets), kadnet.MinSuccessStore)
}

// Delete soft-deletes a (key, value) tuple at the k nodes closest to key,
// given a deletion proof (spec §4.H orchestration, analogous to Store).
func (n *Node) Delete(ctx context.Context, key crypto.NodeID, value, deletionProof []byte) error {
	targets, err := n.engine.FindNode(ctx, key)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	succeeded := 0
	for _, target := range targets {
		target := target
		group.Go(func() error {
			resp, err := n.client.Delete(gctx, target, key, value, deletionProof)
			if err != nil || !resp.Accepted {
				return nil
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	return successOrErr(succeeded, len(targets), kadnet.MinSuccessDelete)
}

// Update replaces an existing stored value with a new signed value at the k
// nodes closest to key (spec §4.H orchestration, analogous to Store).
func (n *Node) Update(ctx context.Context, key crypto.NodeID, oldValue, newValue, newSignature []byte, ttl time.Duration, hashable bool) error {
	targets, err := n.engine.FindNode(ctx, key)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	succeeded := 0
	for _, target := range targets {
		target := target
		group.Go(func() error {
			resp, err := n.client.Update(gctx, target, key, oldValue, newValue, newSignature, n.self.NodeID, n.securifier.PublicKey(), ttl, hashable)
			if err != nil || !resp.Accepted {
				return nil
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	return successOrErr(succeeded, len(targets), kadnet.MinSuccessUpdate)
}

// ErrInsufficientSuccess indicates fewer than the configured minimum
// fraction of per-target RPCs succeeded (spec §4.H "succeed overall if the
// success ratio exceeds the configured threshold").
var ErrInsufficientSuccess = errors.New("node: insufficient successful responses")

func successOrErr(succeeded, attempted int, minRatio float64) error {
	if attempted == 0 {
		return ErrInsufficientSuccess
	}
	if float64(succeeded)/float64(attempted) < minRatio {
		return ErrInsufficientSuccess
	}
	return nil
}

// VerifyAndEvictDeadContact pings id once and routes the outcome through
// the routing table's ordinary failed-RPC tolerance counter — the same
// path every other RPC failure takes (lookup.Engine.queryBatch) — rather
// than evicting unconditionally on a single failed ping. This is the
// verification-before-acting step spec §4.F's Downlist handler defers to
// the node-facade layer: a Downlist claim is never trusted without a
// direct liveness check, and a single dropped packet still isn't enough
// to evict a contact that clears the tolerance.
func (n *Node) VerifyAndEvictDeadContact(ctx context.Context, id crypto.NodeID) {
	contact, ok := n.table.GetContact(id)
	if !ok {
		return
	}
	if err := n.Ping(ctx, contact); err != nil {
		n.table.IncrementFailedRPCs(id)
		return
	}
	n.table.ResetFailedRPCs(id)
}
