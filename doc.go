// Package kadnet implements a Kademlia-style distributed hash table: a
// peer-to-peer network in which every participant owns a fixed-size
// identifier and cooperates to store, locate, refresh, and delete opaque
// signed values keyed by identifiers in the same space.
//
// The package defines the shared value types used across the DHT's
// subsystems — [Contact] and the tunable constants below — while the
// subsystems themselves live in subpackages:
//
//   - [github.com/opd-ai/kadnet/crypto]: identifiers and signatures
//   - [github.com/opd-ai/kadnet/routing]: the k-bucket routing table
//   - [github.com/opd-ai/kadnet/store]: the signed-value data store
//   - [github.com/opd-ai/kadnet/transport]: wire framing and transports
//   - [github.com/opd-ai/kadnet/securifier]: sign/verify collaborator
//   - [github.com/opd-ai/kadnet/rpc]: the one-shot RPC client
//   - [github.com/opd-ai/kadnet/service]: the inbound RPC handler
//   - [github.com/opd-ai/kadnet/lookup]: the iterative lookup engine
//   - [github.com/opd-ai/kadnet/node]: the node facade tying it together
//
// # Getting Started
//
//	n, err := node.New(node.Config{
//	    Self:       selfContact,
//	    Transport:  tr,
//	    Securifier: sec,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer n.Leave()
//
//	err = n.Join(seedContacts)
package kadnet

import "time"

// Protocol-wide tunables (spec §6 "Constants").
const (
	// K is the bucket capacity and replication factor.
	K = 16
	// Alpha is the lookup parallelism.
	Alpha = 3
	// Beta is the width of the lookup engine's final verification round;
	// each ordinary lookup round waits for all of its α responses.
	Beta = 2
	// FailedRPCTolerance is the number of consecutive RPC failures a
	// contact may accrue before the routing table evicts it.
	FailedRPCTolerance = 2
	// MinSuccessStore is the fraction of attempted Store RPCs (one per
	// contact the key lookup returned, at most k) that must succeed for
	// NodeFacade.Store to report overall success.
	MinSuccessStore = 0.75
	// MinSuccessDelete is the fraction of attempted Delete RPCs that must
	// succeed for NodeFacade.Delete to report overall success.
	MinSuccessDelete = 0.75
	// MinSuccessUpdate is the fraction of attempted Update RPCs that must
	// succeed for NodeFacade.Update to report overall success.
	MinSuccessUpdate = 0.75
	// MeanRefreshInterval is the bucket staleness threshold that triggers
	// a refresh lookup.
	MeanRefreshInterval = 1800 * time.Second
)
