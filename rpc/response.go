package rpc

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/habibyte/habibyte/logger"
	"github.com/habibyte/habibyte/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

/*
writeResponse encodes "data" as CBOR when client asked for it with the Accept
header, as JSON otherwise.
*/
func writeResponse(w http.ResponseWriter, r *http.Request, status int, data any, log *slog.Logger) {
	if r.Header.Get("Accept") == applicationCBOR {
		w.Header().Set(headerContentType, applicationCBOR)
		w.WriteHeader(status)
		if err := types.Cbor.Encode(w, data); err != nil {
			log.WarnContext(r.Context(), "failed to write CBOR response", logger.Error(err))
		}
		return
	}
	w.Header().Set(headerContentType, applicationJson)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WarnContext(r.Context(), "failed to write JSON response", logger.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error, log *slog.Logger) {
	w.Header().Set(headerContentType, applicationJson)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: err.Error()}); err != nil {
		log.WarnContext(r.Context(), "failed to write error response", logger.Error(err))
	}
}

func jsonDecode(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
