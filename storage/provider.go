package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sync"

	"github.com/habibyte/habibyte/keyvaluedb"
)

// Provider keeps opaque blobs and hands out references to them.
type Provider interface {
	Store(ctx context.Context, data []byte) (string, error)
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}

// contentReference is the hex encoded sha256 of the data.
func contentReference(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// MemoryProvider keeps blobs in memory, content addressed.
type MemoryProvider struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{blobs: make(map[string][]byte)}
}

func (p *MemoryProvider) Store(_ context.Context, data []byte) (string, error) {
	ref := contentReference(data)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blobs[ref] = slices.Clone(data)
	return ref, nil
}

func (p *MemoryProvider) Retrieve(_ context.Context, reference string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.blobs[reference]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reference)
	}
	return slices.Clone(data), nil
}

var blobKeyPrefix = []byte("blob/")

/*
KVProvider keeps blobs in key-value database (bolt, leveldb, memory) under
the key "blob/" + reference.
*/
type KVProvider struct {
	db keyvaluedb.KeyValueDB
}

func NewKVProvider(db keyvaluedb.KeyValueDB) (*KVProvider, error) {
	if db == nil {
		return nil, fmt.Errorf("key-value db is nil")
	}
	return &KVProvider{db: db}, nil
}

func (p *KVProvider) Store(_ context.Context, data []byte) (string, error) {
	ref := contentReference(data)
	if err := p.db.Write(blobKey(ref), data); err != nil {
		return "", fmt.Errorf("%w: %w", ErrProvider, err)
	}
	return ref, nil
}

func (p *KVProvider) Retrieve(_ context.Context, reference string) ([]byte, error) {
	var data []byte
	found, err := p.db.Read(blobKey(reference), &data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reference)
	}
	return data, nil
}

func blobKey(ref string) []byte {
	return append(slices.Clone(blobKeyPrefix), ref...)
}
