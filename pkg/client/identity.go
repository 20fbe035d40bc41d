package client

import (
	"encoding/json"
	"fmt"
	"os"
)

// Credentials holds a producer identity for the token-exchange endpoint.
// It is written to disk by 'factrail login' and read back by
// NewFromCredentialsFile.
type Credentials struct {
	// ProducerID is the registered producer identifier.
	ProducerID string `json:"producer_id"`

	// APIKey is the producer's API key. Keep this secret.
	APIKey string `json:"api_key"`
}

// LoadCredentials reads a producer credentials file.
//
//	creds, err := client.LoadCredentials(os.ExpandEnv("$HOME/.factrail/credentials.json"))
func LoadCredentials(path string) (*Credentials, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(b, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials %q: %w", path, err)
	}
	if creds.ProducerID == "" || creds.APIKey == "" {
		return nil, fmt.Errorf("credentials %q: producer_id and api_key are required", path)
	}
	return &creds, nil
}

// NewFromCredentialsFile creates an SDK client that authenticates submissions
// using the producer credentials stored at path.
//
// Additional options can be appended:
//
//	c, err := client.NewFromCredentialsFile(
//	    "http://ledger.internal:8080",
//	    os.ExpandEnv("$HOME/.factrail/credentials.json"),
//	    client.WithHTTPClient(hc),
//	)
func NewFromCredentialsFile(base, path string, opts ...Option) (*Client, error) {
	creds, err := LoadCredentials(path)
	if err != nil {
		return nil, err
	}
	return New(base, append([]Option{WithCredentials(creds.ProducerID, creds.APIKey)}, opts...)...)
}

// WithCredentialsFile is the functional-option form of NewFromCredentialsFile.
// Use it when credential loading needs to combine with other New() options:
//
//	c, err := client.New(baseURL,
//	    client.WithCredentialsFile(credsPath),
//	    client.WithHTTPClient(hc),
//	)
func WithCredentialsFile(path string) Option {
	return func(c *Client) error {
		creds, err := LoadCredentials(path)
		if err != nil {
			return err
		}
		return WithCredentials(creds.ProducerID, creds.APIKey)(c)
	}
}
