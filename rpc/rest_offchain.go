package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/habibyte/habibyte/logger"
	"github.com/habibyte/habibyte/storage"
)

type (
	offChainStorage interface {
		StoreReference(ctx context.Context, data []byte) (string, error)
		FetchReference(ctx context.Context, reference string) ([]byte, error)
	}

	offChainResponse struct {
		_         struct{} `cbor:",toarray"`
		Reference string   `json:"reference"`
	}
)

/*
OffChainEndpoints registers endpoints to store and fetch encrypted payloads.
The reference returned by POST is what transactions carry in OffChainRef.
*/
func OffChainEndpoints(store offChainStorage, obs Observability) RegistrarFunc {
	return func(r *mux.Router) {
		r.HandleFunc("/offchain", storeOffChain(store, obs)).Methods(http.MethodPost, http.MethodOptions)
		r.HandleFunc("/offchain/{reference}", fetchOffChain(store, obs)).Methods(http.MethodGet, http.MethodOptions)
	}
}

func storeOffChain(store offChainStorage, obs Observability) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := obs.Logger()
		defer r.Body.Close()
		data, err := io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, r, http.StatusRequestEntityTooLarge, err, log)
				return
			}
			writeError(w, r, http.StatusBadRequest, fmt.Errorf("reading request body: %w", err), log)
			return
		}
		if len(data) == 0 {
			writeError(w, r, http.StatusBadRequest, errors.New("request body is empty"), log)
			return
		}
		ref, err := store.StoreReference(r.Context(), data)
		if err != nil {
			log.WarnContext(r.Context(), "storing off-chain payload", logger.Error(err))
			writeError(w, r, http.StatusInternalServerError, err, log)
			return
		}
		writeResponse(w, r, http.StatusCreated, offChainResponse{Reference: ref}, log)
	}
}

func fetchOffChain(store offChainStorage, obs Observability) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := obs.Logger()
		data, err := store.FetchReference(r.Context(), mux.Vars(r)["reference"])
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, r, http.StatusNotFound, err, log)
				return
			}
			log.WarnContext(r.Context(), "fetching off-chain payload", logger.Error(err))
			writeError(w, r, http.StatusInternalServerError, err, log)
			return
		}
		w.Header().Set(headerContentType, applicationOctets)
		if _, err := w.Write(data); err != nil {
			log.WarnContext(r.Context(), "failed to write off-chain payload", logger.Error(err))
		}
	}
}
