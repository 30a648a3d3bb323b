package gossip

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/habibyte/habibyte/network/protocol/chainsync"
	"github.com/habibyte/habibyte/types"
)

const (
	KindTransaction MessageKind = iota + 1
	KindBlock
	KindSyncRequest
	KindSyncResponse
)

var ErrInvalidMessage = errors.New("invalid gossip message")

type (
	MessageKind uint8

	// Message is the payload exchanged between nodes, exactly one of the
	// fields matching the Kind is set.
	Message struct {
		_            struct{}            `cbor:",toarray"`
		Kind         MessageKind         `json:"kind"`
		Transaction  *types.Transaction  `json:"transaction,omitempty"`
		Block        *types.Block        `json:"block,omitempty"`
		SyncRequest  *chainsync.Request  `json:"sync_request,omitempty"`
		SyncResponse *chainsync.Response `json:"sync_response,omitempty"`
	}
)

func TransactionMessage(tx *types.Transaction) *Message {
	return &Message{Kind: KindTransaction, Transaction: tx}
}

func BlockMessage(b *types.Block) *Message {
	return &Message{Kind: KindBlock, Block: b}
}

func SyncRequestMessage(r *chainsync.Request) *Message {
	return &Message{Kind: KindSyncRequest, SyncRequest: r}
}

func SyncResponseMessage(r *chainsync.Response) *Message {
	return &Message{Kind: KindSyncResponse, SyncResponse: r}
}

func (m *Message) IsValid() error {
	if m == nil {
		return fmt.Errorf("%w: message is nil", ErrInvalidMessage)
	}
	set := 0
	for _, isSet := range []bool{m.Transaction != nil, m.Block != nil, m.SyncRequest != nil, m.SyncResponse != nil} {
		if isSet {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payload fields set", ErrInvalidMessage, set)
	}
	var ok bool
	switch m.Kind {
	case KindTransaction:
		ok = m.Transaction != nil
	case KindBlock:
		ok = m.Block != nil
	case KindSyncRequest:
		ok = m.SyncRequest != nil
	case KindSyncResponse:
		ok = m.SyncResponse != nil
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, m.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: payload does not match kind %s", ErrInvalidMessage, m.Kind)
	}
	return nil
}

// Encode returns canonical encoding of the message.
func Encode(m *Message) ([]byte, error) {
	if err := m.IsValid(); err != nil {
		return nil, err
	}
	return types.Cbor.Marshal(m)
}

func Decode(data []byte) (*Message, error) {
	m := &Message{}
	if err := types.Cbor.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := m.IsValid(); err != nil {
		return nil, err
	}
	return m, nil
}

// ContentHash is the identity of the payload used for deduplication.
func ContentHash(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}

func (k MessageKind) String() string {
	switch k {
	case KindTransaction:
		return "transaction"
	case KindBlock:
		return "block"
	case KindSyncRequest:
		return "sync-request"
	case KindSyncResponse:
		return "sync-response"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}
