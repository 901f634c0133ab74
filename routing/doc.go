// Package routing implements the DHT's bucketed routing table: a
// structured partitioning of the identifier space into buckets with strict
// capacity, replacement, and splitting rules (spec §4.C).
//
// The table starts as a single bucket spanning the whole identifier space
// and splits only the bucket containing the local node's own identifier, the
// way the reference Kademlia design (and this module's teacher corpus)
// organizes k-buckets by XOR distance.
//
// Example:
//
//	table := routing.NewTable(selfID, kadnet.K)
//	result := table.AddContact(contact)
//	closest := table.FindCloseNodes(target, kadnet.K, nil)
package routing
