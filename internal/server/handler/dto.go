package handler

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// streamIDRe and factTypeRe pin the identifier grammar: lowercase
// alphanumerics plus separators, so stream names are stable across
// configuration, URLs, and storage.
var (
	streamIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)
	factTypeRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)
)

// SubmitFactRequest is the body of POST /streams/:stream/facts.
type SubmitFactRequest struct {
	FactType   string         `json:"fact_type"`
	Payload    map[string]any `json:"payload"`
	ContentKey map[string]any `json:"content_key"`
}

// Validate checks the request shape. Canonical-encodability is checked
// later by the ingest pipeline, which also records the rejection.
func (r SubmitFactRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.FactType, validation.Required, validation.Match(factTypeRe)),
		validation.Field(&r.Payload, validation.Required),
		validation.Field(&r.ContentKey, validation.Required),
	)
}

// TokenRequest is the body of POST /producers/token.
type TokenRequest struct {
	ProducerID string `json:"producer_id"`
	APIKey     string `json:"api_key"`
}

// Validate checks the token exchange request.
func (r TokenRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ProducerID, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.APIKey, validation.Required, validation.Length(8, 512)),
	)
}

// ReplayRequest is the body of POST /streams/:stream/replay.
type ReplayRequest struct {
	Projector   string `json:"projector"`
	EntityField string `json:"entity_field"`
	From        uint64 `json:"from"`
	To          uint64 `json:"to"`
}

// Validate checks the replay request.
func (r ReplayRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Projector, validation.Required, validation.In("type_count", "current_state")),
	)
}

// validStreamID reports whether a path parameter is an acceptable stream id.
func validStreamID(s string) bool {
	return streamIDRe.MatchString(s)
}
