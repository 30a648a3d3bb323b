package chainsync

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/habibyte/habibyte/types"
)

const (
	Ok Status = iota
	NotFound
	InvalidRequest
	Unknown
)

// MaxBlocks is the maximum number of blocks returned in single response.
const MaxBlocks = 100

var (
	ErrRequestIsNil        = errors.New("chain sync request is nil")
	ErrResponseIsNil       = errors.New("chain sync response is nil")
	ErrMissingRequestID    = errors.New("missing request id")
	ErrMissingRequester    = errors.New("missing requester identifier")
	ErrInvalidRange        = errors.New("invalid block range")
	ErrUnexpectedBlocks    = errors.New("blocks in unsuccessful response")
	ErrBlocksNotInSequence = errors.New("blocks are not in sequence")
)

type (
	Status int

	// Request asks for blocks with index in the range [From, To).
	Request struct {
		_         struct{}  `cbor:",toarray"`
		ID        uuid.UUID `json:"id"`
		Requester string    `json:"requester"`
		From      uint64    `json:"from"`
		To        uint64    `json:"to"`
	}

	Response struct {
		_       struct{}       `cbor:",toarray"`
		ID      uuid.UUID      `json:"id"`
		Status  Status         `json:"status"`
		Message string         `json:"message,omitempty"`
		Blocks  []*types.Block `json:"blocks,omitempty"`
	}
)

func NewRequest(requester string, from, to uint64) *Request {
	return &Request{ID: uuid.New(), Requester: requester, From: from, To: to}
}

func (r *Request) IsValid() error {
	if r == nil {
		return ErrRequestIsNil
	}
	if r.ID == uuid.Nil {
		return ErrMissingRequestID
	}
	if r.Requester == "" {
		return ErrMissingRequester
	}
	if r.From == 0 || r.To <= r.From {
		return fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, r.From, r.To)
	}
	return nil
}

func (r *Request) String() string {
	return fmt.Sprintf("%s: blocks [%d, %d) for %s", r.ID, r.From, r.To, r.Requester)
}

func (r *Response) IsValid() error {
	if r == nil {
		return ErrResponseIsNil
	}
	if r.ID == uuid.Nil {
		return ErrMissingRequestID
	}
	if r.Status != Ok && len(r.Blocks) > 0 {
		return ErrUnexpectedBlocks
	}
	for i := 1; i < len(r.Blocks); i++ {
		if r.Blocks[i] == nil || r.Blocks[i-1] == nil || r.Blocks[i].Index != r.Blocks[i-1].Index+1 {
			return ErrBlocksNotInSequence
		}
	}
	if len(r.Blocks) > 0 && r.Blocks[0] == nil {
		return ErrBlocksNotInSequence
	}
	return nil
}

// Pretty returns human readable summary of the response.
func (r *Response) Pretty() string {
	s := fmt.Sprintf("status: %s", r.Status)
	if r.Message != "" {
		s += ", message: " + r.Message
	}
	if n := len(r.Blocks); n > 0 && r.Status == Ok {
		s += fmt.Sprintf(", blocks %d..%d", r.Blocks[0].Index, r.Blocks[n-1].Index)
	}
	return s
}

func (s Status) String() string {
	switch s {
	case Ok:
		return "OK"
	case NotFound:
		return "Not Found"
	case InvalidRequest:
		return "Invalid Request"
	case Unknown:
		return "Unknown"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}
