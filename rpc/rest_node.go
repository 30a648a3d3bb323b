package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/habibyte/habibyte/ledger"
	"github.com/habibyte/habibyte/logger"
	"github.com/habibyte/habibyte/mempool"
	"github.com/habibyte/habibyte/node"
	"github.com/habibyte/habibyte/types"
)

const systemName = "Habibyte Node"

type (
	ledgerNode interface {
		SubmitTransaction(ctx context.Context, tx *types.Transaction) error
		ReadChain() []*types.Block
		Tip() *types.Block
		Range(from, to uint64) []*types.Block
		BlockAt(height uint64) (*types.Block, error)
		PendingTransactions() []*types.Transaction
		ID() string
		State() node.State
		IsValidator() bool
		Authorities() []string
	}

	// HealthCheck reports whether a dependency of the node (ie off-chain storage) is usable.
	HealthCheck func(ctx context.Context) error

	healthResponse struct {
		Status  string            `json:"status"`
		System  string            `json:"system"`
		Version string            `json:"version"`
		Checks  map[string]string `json:"checks,omitempty"`
	}

	submitTxResponse struct {
		_  struct{} `cbor:",toarray"`
		ID string   `json:"id"`
	}
)

// NodeEndpoints registers health, block and transaction endpoints of the ledger node.
func NodeEndpoints(n ledgerNode, obs Observability, opts ...Option) RegistrarFunc {
	return func(r *mux.Router) {
		o := defaultOptions()
		for _, opt := range opts {
			opt(o)
		}
		h := &nodeHandlers{node: n, obs: obs, opts: o}

		r.HandleFunc("/blocks", h.getBlocks).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/blocks/latest", h.getLatestBlock).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/blocks/{height:[0-9]+}", h.getBlock).Methods(http.MethodGet, http.MethodOptions)
		r.HandleFunc("/transactions", h.submitTransaction).Methods(http.MethodPost, http.MethodOptions)
		r.HandleFunc("/transactions/pending", h.getPendingTransactions).Methods(http.MethodGet, http.MethodOptions)
	}
}

// HealthEndpoints registers the health endpoint, failing check makes the node "degraded".
func HealthEndpoints(obs Observability, checks map[string]HealthCheck, opts ...Option) RegistrarFunc {
	return func(r *mux.Router) {
		o := defaultOptions()
		for _, opt := range opts {
			opt(o)
		}
		r.HandleFunc("/health", healthHandler(obs, checks, o.version)).Methods(http.MethodGet, http.MethodOptions)
	}
}

func healthHandler(obs Observability, checks map[string]HealthCheck, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rsp := healthResponse{Status: "ok", System: systemName, Version: version}
		status := http.StatusOK
		for name, check := range checks {
			if rsp.Checks == nil {
				rsp.Checks = make(map[string]string, len(checks))
			}
			if err := check(r.Context()); err != nil {
				rsp.Checks[name] = err.Error()
				rsp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			rsp.Checks[name] = "ok"
		}
		writeResponse(w, r, status, rsp, obs.Logger())
	}
}

type nodeHandlers struct {
	node ledgerNode
	obs  Observability
	opts *Options
}

/*
getBlocks returns the whole chain, genesis first. With "from" (and optional
"to", exclusive) query parameters a range of at most maxGetBlocksBatchSize
blocks is returned instead.
*/
func (h *nodeHandlers) getBlocks(w http.ResponseWriter, r *http.Request) {
	log := h.obs.Logger()
	q := r.URL.Query()
	if !q.Has("from") {
		writeResponse(w, r, http.StatusOK, h.node.ReadChain(), log)
		return
	}
	from, err := strconv.ParseUint(q.Get("from"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid 'from' parameter: %w", err), log)
		return
	}
	to := from + h.opts.maxGetBlocksBatchSize
	if q.Has("to") {
		if to, err = strconv.ParseUint(q.Get("to"), 10, 64); err != nil {
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid 'to' parameter: %w", err), log)
			return
		}
		to = min(to, from+h.opts.maxGetBlocksBatchSize)
	}
	if to < from {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid range [%d, %d)", from, to), log)
		return
	}
	blocks := h.node.Range(from, to)
	if blocks == nil {
		blocks = []*types.Block{}
	}
	writeResponse(w, r, http.StatusOK, blocks, log)
}

func (h *nodeHandlers) getLatestBlock(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, r, http.StatusOK, h.node.Tip(), h.obs.Logger())
}

func (h *nodeHandlers) getBlock(w http.ResponseWriter, r *http.Request) {
	log := h.obs.Logger()
	height, err := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid block height: %w", err), log)
		return
	}
	b, err := h.node.BlockAt(height)
	if err != nil {
		if errors.Is(err, ledger.ErrBlockNotFound) {
			writeError(w, r, http.StatusNotFound, err, log)
			return
		}
		writeError(w, r, http.StatusInternalServerError, err, log)
		return
	}
	writeResponse(w, r, http.StatusOK, b, log)
}

/*
submitTransaction accepts signed transaction as JSON or, with content type
"application/cbor", in canonical CBOR encoding.
*/
func (h *nodeHandlers) submitTransaction(w http.ResponseWriter, r *http.Request) {
	log := h.obs.Logger()
	defer r.Body.Close()

	tx := &types.Transaction{}
	var err error
	if r.Header.Get(headerContentType) == applicationCBOR {
		err = types.Cbor.Decode(r.Body, tx)
	} else {
		err = jsonDecode(r.Body, tx)
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("unable to decode request body as transaction: %w", err), log)
		return
	}

	if err := h.node.SubmitTransaction(r.Context(), tx); err != nil {
		writeError(w, r, submitErrorStatus(err), err, log)
		return
	}
	log.DebugContext(r.Context(), "transaction accepted", logger.TxID(tx.ID))
	writeResponse(w, r, http.StatusAccepted, submitTxResponse{ID: tx.ID}, log)
}

func (h *nodeHandlers) getPendingTransactions(w http.ResponseWriter, r *http.Request) {
	txs := h.node.PendingTransactions()
	if txs == nil {
		txs = []*types.Transaction{}
	}
	writeResponse(w, r, http.StatusOK, txs, h.obs.Logger())
}

func submitErrorStatus(err error) int {
	switch {
	case errors.Is(err, mempool.ErrDuplicateTransaction):
		return http.StatusConflict
	case errors.Is(err, mempool.ErrMempoolFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, mempool.ErrInvalidTransaction),
		errors.Is(err, mempool.ErrInvalidSignature),
		errors.Is(err, mempool.ErrTxIsNil):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
