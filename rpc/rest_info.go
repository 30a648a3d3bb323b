package rpc

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/multiformats/go-multiaddr"

	"github.com/habibyte/habibyte/logger"
	"github.com/habibyte/habibyte/network"
	"github.com/habibyte/habibyte/node"
)

type (
	infoResponse struct {
		NodeID          string     `json:"node_id"`
		Validator       bool       `json:"validator"`
		State           node.State `json:"state"`
		Height          uint64     `json:"height"`
		TipHash         string     `json:"tip_hash"`
		PendingTxs      int        `json:"pending_txs"`
		Authorities     []string   `json:"authorities"`
		Self            *peerInfo  `json:"self,omitempty"` // nil when node is not on libp2p network
		BootstrapNodes  []peerInfo `json:"bootstrap_nodes"`
		OpenConnections []peerInfo `json:"open_connections"` // all libp2p connections to other peers in the network
	}

	peerInfo struct {
		Identifier string                `json:"identifier"`
		Addresses  []multiaddr.Multiaddr `json:"addresses"`
	}
)

// InfoEndpoints registers the node info endpoint, "self" may be nil.
func InfoEndpoints(n ledgerNode, self *network.Peer, log *slog.Logger) RegistrarFunc {
	return func(r *mux.Router) {
		r.HandleFunc("/info", infoHandler(n, self, log)).Methods(http.MethodGet, http.MethodOptions)
	}
}

func infoHandler(n ledgerNode, self *network.Peer, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tip := n.Tip()
		i := infoResponse{
			NodeID:          n.ID(),
			Validator:       n.IsValidator(),
			State:           n.State(),
			Height:          tip.Index,
			TipHash:         tip.Hash,
			PendingTxs:      len(n.PendingTransactions()),
			Authorities:     n.Authorities(),
			BootstrapNodes:  []peerInfo{},
			OpenConnections: []peerInfo{},
		}
		if self != nil {
			i.Self = &peerInfo{
				Identifier: self.ID().String(),
				Addresses:  self.MultiAddresses(),
			}
			i.BootstrapNodes = getBootstrapNodes(self)
			i.OpenConnections = getOpenConnections(self)
		}
		w.Header().Set(headerContentType, applicationJson)
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(i); err != nil {
			log.WarnContext(r.Context(), "failed to write info message", logger.Error(err))
		}
	}
}

func getOpenConnections(self *network.Peer) []peerInfo {
	connections := self.Network().Conns()
	peers := make([]peerInfo, len(connections))
	for i, connection := range connections {
		peers[i] = peerInfo{
			Identifier: connection.RemotePeer().String(),
			Addresses:  []multiaddr.Multiaddr{connection.RemoteMultiaddr()},
		}
	}
	return peers
}

func getBootstrapNodes(self *network.Peer) []peerInfo {
	bootstrapPeers := self.Configuration().BootstrapPeers
	infos := make([]peerInfo, len(bootstrapPeers))
	for i, p := range bootstrapPeers {
		infos[i] = peerInfo{Identifier: p.ID.String(), Addresses: p.Addrs}
	}
	return infos
}

func (pi *peerInfo) UnmarshalJSON(data []byte) error {
	var d struct {
		Identifier string   `json:"identifier"`
		Addresses  []string `json:"addresses"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	pi.Identifier = d.Identifier
	for _, addr := range d.Addresses {
		multiAddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return err
		}
		pi.Addresses = append(pi.Addresses, multiAddr)
	}
	return nil
}
