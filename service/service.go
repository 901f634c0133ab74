// Package service implements the DHT's inbound RPC handler: the side of
// the wire protocol that receives requests from peers, updates routing
// state, and replies (spec §4.F).
//
// Grounded on the teacher's dht.BootstrapManager.HandlePacket switch
// (dht/handler.go), generalized from the bootstrap-only ping/get_nodes
// pair into the full verb dispatch the spec requires, and on
// dht.GroupStorage's signature-checked writes for the store/update path.
package service

import (
	"net"
	"time"

	"github.com/opd-ai/kadnet"
	"github.com/opd-ai/kadnet/crypto"
	"github.com/opd-ai/kadnet/rpc"
	"github.com/opd-ai/kadnet/routing"
	"github.com/opd-ai/kadnet/securifier"
	"github.com/opd-ai/kadnet/store"
	"github.com/opd-ai/kadnet/transport"
	"github.com/sirupsen/logrus"
)

// DownlistObserver is notified with the claimed-dead contact ids whenever a
// Downlist message arrives, mirroring the rpc.ContactObserver pattern used
// for AddContact-on-receipt (spec §4.C). The observer, not this package,
// owns deciding whether and how to verify the claim before acting on it.
type DownlistObserver func(ids []crypto.NodeID)

// Service handles every inbound RPC verb for one local node: every
// request, successful or not, first runs through addContact so a fresh
// liveness signal from any peer is enough to consider adding it to the
// routing table (spec §4.C "AddContact on receipt").
type Service struct {
	self       *kadnet.Contact
	transport  transport.Transport
	table      *routing.Table
	dataStore  *store.DataStore
	securifier securifier.Securifier
	onDownlist DownlistObserver
}

// New creates a Service bound to the given local identity, routing table,
// data store, and signature validator, and registers it to handle every
// inbound RPC verb on tr. onDownlist may be nil, in which case Downlist
// claims are logged but otherwise ignored.
func New(self *kadnet.Contact, tr transport.Transport, table *routing.Table, dataStore *store.DataStore, sec securifier.Securifier, onDownlist DownlistObserver) *Service {
	s := &Service{self: self, transport: tr, table: table, dataStore: dataStore, securifier: sec, onDownlist: onDownlist}
	s.registerHandlers()
	return s
}

func (s *Service) registerHandlers() {
	s.transport.RegisterHandler(transport.PacketPing, s.handlePing)
	s.transport.RegisterHandler(transport.PacketFindNodes, s.handleFindNodes)
	s.transport.RegisterHandler(transport.PacketFindValue, s.handleFindValue)
	s.transport.RegisterHandler(transport.PacketStore, s.handleStore)
	s.transport.RegisterHandler(transport.PacketStoreRefresh, s.handleStoreRefresh)
	s.transport.RegisterHandler(transport.PacketDelete, s.handleDelete)
	s.transport.RegisterHandler(transport.PacketDeleteRefresh, s.handleDeleteRefresh)
	s.transport.RegisterHandler(transport.PacketUpdate, s.handleUpdate)
	s.transport.RegisterHandler(transport.PacketDownlist, s.handleDownlist)
}

// addContact records the sender as a live contact using the address the
// packet actually arrived from as the preferred endpoint, falling back to
// whatever the sender claimed in its WireContact for the rendezvous
// endpoint, direct-connection flag, public key and signed id. A malformed
// WireContact never blocks liveness accounting.
func (s *Service) addContact(senderID crypto.NodeID, wire rpc.WireContact, fromAddr net.Addr) {
	c := kadnet.NewContact(senderID, fromAddr)
	if resolved, err := wire.ToContact(); err == nil && resolved != nil {
		c.RendezvousEndpoint = resolved.RendezvousEndpoint
		c.DirectlyConnected = resolved.DirectlyConnected
		c.PublicKey = resolved.PublicKey
		c.SignedID = resolved.SignedID
	}
	result := s.table.AddContact(c)
	logrus.WithFields(logrus.Fields{
		"function": "addContact", "package": "service",
		"sender_id": senderID.Hex(), "result": result.String(),
	}).Debug("processed inbound contact")
}

func (s *Service) reply(packetType transport.PacketType, payload interface{}, addr net.Addr) {
	data, err := transport.EncodePayload(payload)
	if err != nil {
		logrus.WithError(err).Error("service: failed to encode reply")
		return
	}
	if err := s.transport.Send(&transport.Packet{PacketType: packetType, Data: data}, addr); err != nil {
		logrus.WithError(err).Warn("service: failed to send reply")
	}
}

func (s *Service) handlePing(p *transport.Packet, addr net.Addr) error {
	var req rpc.PingRequest
	if err := transport.DecodePayload(p.Data, &req); err != nil {
		return err
	}
	s.addContact(req.SenderID, req.SenderContact, addr)
	s.reply(transport.PacketPingResponse, rpc.PingResponse{RequestID: req.RequestID, ResponderID: s.self.NodeID}, addr)
	return nil
}

func (s *Service) handleFindNodes(p *transport.Packet, addr net.Addr) error {
	var req rpc.FindNodesRequest
	if err := transport.DecodePayload(p.Data, &req); err != nil {
		return err
	}
	s.addContact(req.SenderID, req.SenderContact, addr)

	closest := s.table.FindCloseNodes(req.Target, kadnet.K, map[crypto.NodeID]bool{req.SenderID: true})
	wire := make([]rpc.WireContact, len(closest))
	for i, c := range closest {
		wire[i] = rpc.ToWireContact(c)
	}
	s.reply(transport.PacketFindNodesResponse, rpc.FindNodesResponse{
		RequestID: req.RequestID, ResponderID: s.self.NodeID, Contacts: wire,
	}, addr)
	return nil
}

// handleFindValue implements spec §4.F "FindValue": return stored values if
// held, otherwise the closest known contacts. NeedsCacheCopy is set
// whenever a value is returned; neither the lookup engine nor the node
// facade acts on the flag, so no cache copy is stored.
func (s *Service) handleFindValue(p *transport.Packet, addr net.Addr) error {
	var req rpc.FindValueRequest
	if err := transport.DecodePayload(p.Data, &req); err != nil {
		return err
	}
	s.addContact(req.SenderID, req.SenderContact, addr)

	values := s.dataStore.Load(req.Key)
	if len(values) > 0 {
		s.reply(transport.PacketFindValueResponse, rpc.FindValueResponse{
			RequestID: req.RequestID, ResponderID: s.self.NodeID, Values: values, NeedsCacheCopy: true,
		}, addr)
		return nil
	}

	closest := s.table.FindCloseNodes(req.Key, kadnet.K, map[crypto.NodeID]bool{req.SenderID: true})
	wire := make([]rpc.WireContact, len(closest))
	for i, c := range closest {
		wire[i] = rpc.ToWireContact(c)
	}
	s.reply(transport.PacketFindValueResponse, rpc.FindValueResponse{
		RequestID: req.RequestID, ResponderID: s.self.NodeID, Contacts: wire,
	}, addr)
	return nil
}

func (s *Service) handleStore(p *transport.Packet, addr net.Addr) error {
	var req rpc.StoreRequest
	if err := transport.DecodePayload(p.Data, &req); err != nil {
		return err
	}
	s.addContact(req.SenderID, rpc.WireContact{}, addr)

	if !s.securifier.Validate(req.Value, req.Signature, req.SignerPublicKey, req.SignerID, "store") {
		s.reply(transport.PacketStoreResponse, rpc.StoreResponse{
			RequestID: req.RequestID, ResponderID: s.self.NodeID, Accepted: false, Reason: "signature validation failed",
		}, addr)
		return nil
	}

	err := s.dataStore.Store(req.Key, req.Value, req.Signature, req.SignerID, time.Duration(req.TTLSeconds)*time.Second, req.Publish, req.Hashable)
	accepted := err == nil
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	s.reply(transport.PacketStoreResponse, rpc.StoreResponse{
		RequestID: req.RequestID, ResponderID: s.self.NodeID, Accepted: accepted, Reason: reason,
	}, addr)
	return nil
}

func (s *Service) handleStoreRefresh(p *transport.Packet, addr net.Addr) error {
	var req rpc.StoreRefreshRequest
	if err := transport.DecodePayload(p.Data, &req); err != nil {
		return err
	}
	s.addContact(req.SenderID, rpc.WireContact{}, addr)

	deletionRequest, err := s.dataStore.Refresh(req.Key, req.Value)
	if err == store.ErrMarkedForDeletion {
		s.reply(transport.PacketStoreRefreshResponse, rpc.StoreRefreshResponse{
			RequestID: req.RequestID, ResponderID: s.self.NodeID, Accepted: false, DeletionRequest: deletionRequest,
		}, addr)
		return nil
	}
	s.reply(transport.PacketStoreRefreshResponse, rpc.StoreRefreshResponse{
		RequestID: req.RequestID, ResponderID: s.self.NodeID, Accepted: err == nil,
	}, addr)
	return nil
}

func (s *Service) handleDelete(p *transport.Packet, addr net.Addr) error {
	var req rpc.DeleteRequest
	if err := transport.DecodePayload(p.Data, &req); err != nil {
		return err
	}
	s.addContact(req.SenderID, rpc.WireContact{}, addr)

	err := s.dataStore.MarkForDeletion(req.Key, req.Value, req.DeletionProof)
	s.reply(transport.PacketDeleteResponse, rpc.DeleteResponse{
		RequestID: req.RequestID, ResponderID: s.self.NodeID, Accepted: err == nil,
	}, addr)
	return nil
}

func (s *Service) handleDeleteRefresh(p *transport.Packet, addr net.Addr) error {
	var req rpc.DeleteRefreshRequest
	if err := transport.DecodePayload(p.Data, &req); err != nil {
		return err
	}
	s.addContact(req.SenderID, rpc.WireContact{}, addr)

	err := s.dataStore.MarkForDeletion(req.Key, req.Value, nil)
	s.reply(transport.PacketDeleteRefreshResponse, rpc.DeleteRefreshResponse{
		RequestID: req.RequestID, ResponderID: s.self.NodeID, Accepted: err == nil,
	}, addr)
	return nil
}

// handleUpdate applies the hashable constraint only to the replacement
// value (spec §9 Open Question, resolved in DESIGN.md): a non-hashable key
// being updated to a hashable value collapses to single-value semantics
// going forward, but the old value's hashable-ness is irrelevant to whether
// the update itself is accepted.
func (s *Service) handleUpdate(p *transport.Packet, addr net.Addr) error {
	var req rpc.UpdateRequest
	if err := transport.DecodePayload(p.Data, &req); err != nil {
		return err
	}
	s.addContact(req.SenderID, rpc.WireContact{}, addr)

	if !s.securifier.Validate(req.NewValue, req.NewSignature, req.SignerPublicKey, req.SignerID, "update") {
		s.reply(transport.PacketUpdateResponse, rpc.UpdateResponse{
			RequestID: req.RequestID, ResponderID: s.self.NodeID, Accepted: false, Reason: "signature validation failed",
		}, addr)
		return nil
	}

	err := s.dataStore.Update(req.Key, req.OldValue, req.NewValue, req.NewSignature, req.SignerID, time.Duration(req.TTLSeconds)*time.Second, req.Hashable)
	accepted := err == nil
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	s.reply(transport.PacketUpdateResponse, rpc.UpdateResponse{
		RequestID: req.RequestID, ResponderID: s.self.NodeID, Accepted: accepted, Reason: reason,
	}, addr)
	return nil
}

// handleDownlist implements spec §4.F "Downlist": a sender's claim that a
// contact is dead is never trusted blindly. The claimed ids are handed to
// onDownlist, which at the node-facade layer performs a Ping-based
// verification (routed through the routing table's ordinary failed-RPC
// tolerance counter) before evicting anything.
func (s *Service) handleDownlist(p *transport.Packet, addr net.Addr) error {
	var msg rpc.DownlistMessage
	if err := transport.DecodePayload(p.Data, &msg); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleDownlist", "package": "service",
		"sender_id": msg.SenderID.Hex(), "dead_count": len(msg.DeadContacts),
	}).Debug("received downlist claim, deferring to verification before acting")
	if s.onDownlist != nil {
		s.onDownlist(msg.DeadContacts)
	}
	return nil
}
