// Package memnet is an in-process transport. Frames go through the real wire
// codec so tests exercise the same encoding as the websocket transport.
package memnet

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	rnet "replicore/internal/net"
	"replicore/internal/net/proto"
)

// ErrClosed is returned when sending through a disconnected endpoint.
var ErrClosed = eris.New("memnet: endpoint closed")

// DropFunc decides whether a frame from one participant to another is lost.
type DropFunc func(from, to proto.ParticipantID, channel proto.Channel) bool

// Network links one server endpoint with any number of client endpoints.
type Network struct {
	mu        sync.Mutex
	endpoints map[proto.ParticipantID]*Endpoint
	drop      DropFunc
	frames    uint64
	bytes     uint64
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[proto.ParticipantID]*Endpoint)}
}

// SetDropFunc installs a loss model; nil delivers everything.
func (n *Network) SetDropFunc(fn DropFunc) {
	n.mu.Lock()
	n.drop = fn
	n.mu.Unlock()
}

// Server returns the server endpoint, creating it on first use.
func (n *Network) Server() *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[proto.ServerID]; ok {
		return ep
	}
	ep := n.newEndpointLocked(proto.ServerID)
	return ep
}

// Connect attaches a client. The server receives a presence.join envelope
// from the new participant.
func (n *Network) Connect(id proto.ParticipantID) (*Endpoint, error) {
	if id == "" || id == proto.ServerID {
		return nil, eris.Errorf("memnet: invalid participant id %q", id)
	}
	n.mu.Lock()
	if _, exists := n.endpoints[id]; exists {
		n.mu.Unlock()
		return nil, eris.Errorf("memnet: participant %s already connected", id)
	}
	ep := n.newEndpointLocked(id)
	server := n.endpoints[proto.ServerID]
	n.mu.Unlock()

	if server != nil {
		server.mux.DeliverControl(rnet.Envelope{Channel: proto.ChannelJoin, From: id})
	}
	return ep, nil
}

// Stats reports frame and byte counts moved across the network.
func (n *Network) Stats() (frames, bytes uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.frames, n.bytes
}

// Drain drains every endpoint's inbound queue, server first.
func (n *Network) Drain() int {
	n.mu.Lock()
	eps := make([]*Endpoint, 0, len(n.endpoints))
	for _, ep := range n.endpoints {
		eps = append(eps, ep)
	}
	n.mu.Unlock()
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].id == proto.ServerID {
			return eps[j].id != proto.ServerID
		}
		if eps[j].id == proto.ServerID {
			return false
		}
		return eps[i].id < eps[j].id
	})
	total := 0
	for _, ep := range eps {
		total += ep.Drain()
	}
	return total
}

func (n *Network) newEndpointLocked(id proto.ParticipantID) *Endpoint {
	ep := &Endpoint{id: id, network: n, mux: rnet.NewMux(0)}
	n.endpoints[id] = ep
	return ep
}

func (n *Network) route(from *Endpoint, to proto.ParticipantID, channel proto.Channel, entity proto.EntityID, payload []byte) error {
	frame, err := proto.NewFrame(channel, entity, payload)
	if err != nil {
		return err
	}
	wire, err := proto.EncodeFrame(frame)
	if err != nil {
		return err
	}

	n.mu.Lock()
	target, ok := n.endpoints[to]
	drop := n.drop
	n.frames++
	n.bytes += uint64(len(wire))
	n.mu.Unlock()
	if !ok {
		return eris.Errorf("memnet: unknown participant %s", to)
	}
	if drop != nil && drop(from.id, to, channel) {
		return nil
	}

	decoded, err := proto.DecodeFrame(wire)
	if err != nil {
		return err
	}
	body, err := decoded.Body()
	if err != nil {
		return err
	}
	target.mux.Deliver(rnet.Envelope{
		Channel: decoded.Channel,
		Entity:  decoded.Entity,
		From:    from.id,
		Payload: body,
	})
	return nil
}

func (n *Network) peersOf(ep *Endpoint) []proto.ParticipantID {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep.id != proto.ServerID {
		if _, ok := n.endpoints[proto.ServerID]; ok {
			return []proto.ParticipantID{proto.ServerID}
		}
		return nil
	}
	peers := make([]proto.ParticipantID, 0, len(n.endpoints))
	for id := range n.endpoints {
		if id != proto.ServerID {
			peers = append(peers, id)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func (n *Network) detach(ep *Endpoint) {
	n.mu.Lock()
	if n.endpoints[ep.id] == ep {
		delete(n.endpoints, ep.id)
	}
	server := n.endpoints[proto.ServerID]
	n.mu.Unlock()
	if server != nil && ep.id != proto.ServerID {
		server.mux.DeliverControl(rnet.Envelope{Channel: proto.ChannelLeave, From: ep.id})
	}
}

// Endpoint is one participant's view of the network.
type Endpoint struct {
	id      proto.ParticipantID
	network *Network
	mux     *rnet.Mux

	mu     sync.Mutex
	closed bool
}

var _ rnet.Transport = (*Endpoint)(nil)
var _ rnet.Peers = (*Endpoint)(nil)

func (e *Endpoint) Local() proto.ParticipantID { return e.id }

func (e *Endpoint) Send(to proto.ParticipantID, channel proto.Channel, entity proto.EntityID, payload []byte) error {
	if e.isClosed() {
		return ErrClosed
	}
	if e.id != proto.ServerID && to != proto.ServerID {
		return eris.Errorf("memnet: client %s may only send to the server", e.id)
	}
	return e.network.route(e, to, channel, entity, payload)
}

func (e *Endpoint) Broadcast(channel proto.Channel, entity proto.EntityID, payload []byte, except ...proto.ParticipantID) error {
	if e.isClosed() {
		return ErrClosed
	}
	var firstErr error
	for _, peer := range e.network.peersOf(e) {
		if excluded(peer, except) {
			continue
		}
		if err := e.network.route(e, peer, channel, entity, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Endpoint) Subscribe(channel proto.Channel, handler rnet.Handler) rnet.Subscription {
	return e.mux.Subscribe(channel, handler)
}

func (e *Endpoint) Drain() int { return e.mux.Drain() }

func (e *Endpoint) Peers() []proto.ParticipantID { return e.network.peersOf(e) }

// Close disconnects the endpoint. Closing a client notifies the server with a
// presence.leave envelope.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.network.detach(e)
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func excluded(id proto.ParticipantID, except []proto.ParticipantID) bool {
	for _, x := range except {
		if x == id {
			return true
		}
	}
	return false
}
