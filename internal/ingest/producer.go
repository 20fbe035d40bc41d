// Package ingest implements the write path of the evidence store: producer
// authentication, canonical encoding, fingerprint dedup, and the submit
// pipeline that turns an inbound fact into a signed ledger entry.
package ingest

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials is returned when a producer id or API key does not match.
var ErrBadCredentials = errors.New("ingest: unknown producer or bad API key")

// Producer is a registered fact source. Its identity is established by
// credential, never by a self-declared field in the payload, and it may only
// submit the fact types it was registered for.
type Producer struct {
	ID        string   `json:"id"`
	KeyHash   string   `json:"-"` // bcrypt hash of the API key
	FactTypes []string `json:"fact_types"`
}

// Allows reports whether the producer may submit factType.
func (p *Producer) Allows(factType string) bool {
	for _, t := range p.FactTypes {
		if t == factType {
			return true
		}
	}
	return false
}

// Registry holds the registered producers. Entries come from configuration
// at startup; there is no self-registration path.
type Registry struct {
	mu        sync.RWMutex
	producers map[string]*Producer
}

// NewRegistry returns an empty producer registry.
func NewRegistry() *Registry {
	return &Registry{producers: make(map[string]*Producer)}
}

// Register adds a producer with a pre-hashed API key.
func (r *Registry) Register(p *Producer) {
	r.mu.Lock()
	r.producers[p.ID] = p
	r.mu.Unlock()
}

// RegisterWithKey adds a producer, hashing the plaintext API key with bcrypt.
func (r *Registry) RegisterWithKey(id, apiKey string, factTypes []string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash API key: %w", err)
	}
	r.Register(&Producer{ID: id, KeyHash: string(hash), FactTypes: factTypes})
	return nil
}

// Authenticate checks an id/API-key pair and returns the matching producer.
// Unknown ids and bad keys are indistinguishable to the caller.
func (r *Registry) Authenticate(id, apiKey string) (*Producer, error) {
	r.mu.RLock()
	p, ok := r.producers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.KeyHash), []byte(apiKey)); err != nil {
		return nil, ErrBadCredentials
	}
	return p, nil
}

// Get returns a producer by id, or nil.
func (r *Registry) Get(id string) *Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.producers[id]
}
