// Package crosswalk maps external metadata payloads onto local items.
package crosswalk

import (
	"fmt"
	"sync"

	"oai_harvester/internal/domain"
)

// Ingestor applies one metadata format's payload to a target item.
type Ingestor interface {
	Ingest(item *domain.Item, payload []byte) error
}

// Registry resolves ingestors by the locally configured format key.
// Cycles resolve once per run, not per record.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]Ingestor
}

func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]Ingestor)}
}

func (r *Registry) Register(key string, ingestor Ingestor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[key] = ingestor
}

func (r *Registry) Resolve(key string) (Ingestor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ingestor, ok := r.byKey[key]
	if !ok {
		return nil, fmt.Errorf("no crosswalk registered for format %q", key)
	}
	return ingestor, nil
}
