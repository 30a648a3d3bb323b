package types

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

/*
Cbor is the canonical codec of the ledger: deterministic (core deterministic
encoding, sorted map keys, shortest integer forms) so that every node derives
byte-identical encodings, and thus identical hashes, for the same value.
*/
var Cbor = newCborHandler()

type cborHandler struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCborHandler() cborHandler {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.NilContainers = cbor.NilContainerAsEmpty
	enc, err := encOpts.EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborHandler{enc: enc, dec: dec}
}

func (c cborHandler) Marshal(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c cborHandler) Unmarshal(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

func (c cborHandler) Encode(w io.Writer, v any) error {
	return c.enc.NewEncoder(w).Encode(v)
}

func (c cborHandler) Decode(r io.Reader, v any) error {
	return c.dec.NewDecoder(r).Decode(v)
}
