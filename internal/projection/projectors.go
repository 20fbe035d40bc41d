// Package projection holds the read side of the evidence store: derived,
// rebuildable views over ledger contents. Nothing in this package is
// authoritative — every structure here can be dropped and reconstructed
// from ledger.Scan, so corruption is handled by rebuild, never by touching
// the chain.
package projection

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/factrail/factrail/internal/canonical"
	"github.com/factrail/factrail/internal/ledger"
)

// TypeCount counts facts per fact type. Its state serialization is
// canonical, so identical replays produce byte-identical output.
type TypeCount struct {
	mu     sync.Mutex
	counts map[string]uint64
}

// NewTypeCount returns an empty TypeCount projector.
func NewTypeCount() *TypeCount {
	return &TypeCount{counts: make(map[string]uint64)}
}

// Apply implements ledger.Projector.
func (p *TypeCount) Apply(e *ledger.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[e.FactType]++
	return nil
}

// State implements ledger.Projector.
func (p *TypeCount) State() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return canonical.Encode(p.counts)
}

// Reset implements ledger.Projector.
func (p *TypeCount) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts = make(map[string]uint64)
}

// CurrentState keeps the latest payload per entity — the "current incidents"
// style view. The entity id is read from a configurable payload field; facts
// without that field are counted but otherwise ignored.
type CurrentState struct {
	entityField string

	mu      sync.Mutex
	latest  map[string]json.RawMessage
	skipped uint64
}

// NewCurrentState returns a CurrentState projector keyed on entityField.
func NewCurrentState(entityField string) *CurrentState {
	return &CurrentState{
		entityField: entityField,
		latest:      make(map[string]json.RawMessage),
	}
}

// Apply implements ledger.Projector.
func (p *CurrentState) Apply(e *ledger.Entry) error {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("decode payload at seq %d: %w", e.Seq, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	raw, ok := payload[p.entityField]
	if !ok {
		p.skipped++
		return nil
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		p.skipped++
		return nil
	}
	p.latest[id] = append(json.RawMessage(nil), e.Payload...)
	return nil
}

// State implements ledger.Projector. Output is canonical JSON keyed by
// entity id; the raw payloads are already canonical, so the whole document
// is byte-stable.
func (p *CurrentState) State() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	doc := make(map[string]any, len(p.latest)+1)
	entities := make(map[string]any, len(p.latest))
	for id, payload := range p.latest {
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("decode stored payload for %q: %w", id, err)
		}
		entities[id] = v
	}
	doc["entities"] = entities
	doc["skipped"] = p.skipped
	return canonical.Encode(doc)
}

// Reset implements ledger.Projector.
func (p *CurrentState) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = make(map[string]json.RawMessage)
	p.skipped = 0
}
