package backend

import "time"

// EsploraBackend implements HeightSource using the Esplora API (blockstream.info).
// The Esplora API matches mempool.space for the endpoints used here.
type EsploraBackend struct {
	*MempoolBackend
}

// NewEsploraBackend creates a new Esplora backend.
func NewEsploraBackend(baseURL string, timeout time.Duration) *EsploraBackend {
	return &EsploraBackend{
		MempoolBackend: NewMempoolBackend(baseURL, timeout),
	}
}

// Type returns TypeEsplora.
func (e *EsploraBackend) Type() Type {
	return TypeEsplora
}

var _ HeightSource = (*EsploraBackend)(nil)
