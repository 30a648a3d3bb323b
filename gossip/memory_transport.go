package gossip

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

/*
MemoryNetwork connects in-process transports, used for tests and single
process development networks. Delivery is asynchronous and payloads are
dropped when the receiver's buffer is full.
*/
type MemoryNetwork struct {
	mu     sync.RWMutex
	nodes  map[string]*MemoryTransport
	filter func(from, to string, payload []byte) bool
}

type MemoryTransport struct {
	id  string
	net *MemoryNetwork
	ch  chan Inbound
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[string]*MemoryTransport)}
}

// Join adds node "id" to the network, joining again returns the existing transport.
func (n *MemoryNetwork) Join(id string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.nodes[id]; ok {
		return t
	}
	t := &MemoryTransport{id: id, net: n, ch: make(chan Inbound, 1024)}
	n.nodes[id] = t
	return t
}

// Leave removes node "id" from the network, it won't receive anything anymore.
func (n *MemoryNetwork) Leave(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
}

/*
SetFilter installs function deciding whether payload is delivered, returning
false drops it. Nil filter delivers everything.
*/
func (n *MemoryNetwork) SetFilter(f func(from, to string, payload []byte) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

func (n *MemoryNetwork) deliver(from, to string, payload []byte) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.nodes[to]
	if !ok {
		return fmt.Errorf("unknown peer %q", to)
	}
	if n.filter != nil && !n.filter(from, to, payload) {
		return nil
	}
	select {
	case t.ch <- Inbound{From: from, Payload: slices.Clone(payload)}:
	default:
	}
	return nil
}

func (t *MemoryTransport) Broadcast(ctx context.Context, payload []byte) error {
	for _, p := range t.Peers() {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = t.net.deliver(t.id, p, payload)
	}
	return nil
}

func (t *MemoryTransport) Send(ctx context.Context, peerID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.net.deliver(t.id, peerID, payload)
}

func (t *MemoryTransport) Received() <-chan Inbound { return t.ch }

func (t *MemoryTransport) Peers() []string {
	t.net.mu.RLock()
	defer t.net.mu.RUnlock()
	var peers []string
	for _, id := range slices.Sorted(maps.Keys(t.net.nodes)) {
		if id != t.id {
			peers = append(peers, id)
		}
	}
	return peers
}

func (t *MemoryTransport) ID() string { return t.id }
