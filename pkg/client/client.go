// Package client provides the Factrail Go SDK for submitting facts to a
// ledger service and reading, verifying, and replaying its streams.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// ErrNotFound is returned when a requested stream or entry does not exist.
var ErrNotFound = errors.New("not found")

// Receipt status values.
const (
	StatusAccepted    = "accepted"
	StatusDuplicate   = "duplicate"
	StatusRejected    = "rejected"
	StatusUnavailable = "unavailable"
)

// Receipt is the outcome of a fact submission. Seq and EntryHash are set for
// accepted and duplicate outcomes, Reason for rejections.
type Receipt struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Seq       uint64 `json:"seq,omitempty"`
	EntryHash string `json:"entry_hash,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Entry is one immutable ledger record as returned by the read API.
type Entry struct {
	Seq         uint64          `json:"seq"`
	StreamID    string          `json:"stream_id"`
	FactType    string          `json:"fact_type"`
	Payload     json.RawMessage `json:"payload"`
	Fingerprint string          `json:"fingerprint"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash"`
	Signature   string          `json:"signature"`
	SignerKeyID string          `json:"signer_key_id"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// Head is the current tip of a stream: its length and root hash.
type Head struct {
	Seq  uint64 `json:"seq"`
	Root string `json:"root"`
}

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Checked   uint64 `json:"checked"`
	BrokenSeq uint64 `json:"broken_seq,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// ScanOptions narrow an Entries listing. Zero values mean "no bound":
// From defaults to 1, To of 0 means the stream tip, Limit of 0 uses the
// server default page size.
type ScanOptions struct {
	From     uint64
	To       uint64
	Limit    uint64
	FactType string
}

// ReplayRequest names a built-in projector and the range to fold.
type ReplayRequest struct {
	Projector   string `json:"projector"`
	EntityField string `json:"entity_field,omitempty"`
	From        uint64 `json:"from,omitempty"`
	To          uint64 `json:"to,omitempty"`
}

// ReplayResult carries the derived state produced by a replay.
type ReplayResult struct {
	Projector string          `json:"projector"`
	From      uint64          `json:"from"`
	To        uint64          `json:"to"`
	State     json.RawMessage `json:"state"`
}

// Client is the Factrail SDK entry point.
type Client struct {
	base       string
	httpClient *http.Client

	// producer credentials for automatic token exchange
	producerID string
	apiKey     string

	// token state — guarded by mu
	mu          sync.Mutex
	bearerToken string
	tokenExpiry time.Time // zero = token was set manually (no auto-refresh)
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a pre-obtained submit token to every request.
// The token is treated as long-lived and will not be auto-refreshed.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		c.tokenExpiry = time.Time{} // zero = manual, never auto-refresh
		return nil
	}
}

// WithCredentials configures producer credentials for automatic token
// exchange. SubmitFact fetches and refreshes submit tokens as needed.
func WithCredentials(producerID, apiKey string) Option {
	return func(c *Client) error {
		if producerID == "" || apiKey == "" {
			return fmt.Errorf("producer id and api key must both be set")
		}
		c.producerID = producerID
		c.apiKey = apiKey
		return nil
	}
}

// New creates a new Factrail SDK Client connected to base.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithCredentials("scanner-7", apiKey),
//	)
func New(base string, opts ...Option) (*Client, error) {
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// FetchToken exchanges the client's producer credentials for a submit token,
// caches it, and returns it. Requires WithCredentials. Subsequent calls reuse
// the cached token until it approaches expiry.
func (c *Client) FetchToken(ctx context.Context) (string, error) {
	token, expiry, err := c.fetchTokenRaw(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.bearerToken = token
	c.tokenExpiry = expiry
	c.mu.Unlock()
	return token, nil
}

// fetchTokenRaw fetches a fresh token from the service without touching
// cached state. It uses the raw httpClient (not c.do) so it does not
// attach any existing bearer token to the token-exchange request.
func (c *Client) fetchTokenRaw(ctx context.Context) (token string, expiry time.Time, err error) {
	if c.producerID == "" {
		return "", time.Time{}, fmt.Errorf("no producer credentials configured (use WithCredentials)")
	}

	reqBody, err := json.Marshal(map[string]string{
		"producer_id": c.producerID,
		"api_key":     c.apiKey,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal token request: %w", err)
	}

	url := c.base + "/api/v1/producers/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", time.Time{}, fmt.Errorf("token endpoint error %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}

	// Refresh 60 s before actual expiry to avoid clock-skew failures.
	const refreshBuffer = 60 * time.Second
	exp := time.Now().Add(time.Duration(payload.ExpiresIn)*time.Second - refreshBuffer)
	return payload.Token, exp, nil
}

// ensureToken returns a valid bearer token, fetching a new one if the cached
// token is absent or approaching expiry. Thread-safe.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// tokenExpiry.IsZero() means the token was set manually via WithBearerToken
	// and should never be auto-refreshed.
	if c.bearerToken != "" && (c.tokenExpiry.IsZero() || time.Now().Before(c.tokenExpiry)) {
		return c.bearerToken, nil
	}

	token, expiry, err := c.fetchTokenRaw(ctx)
	if err != nil {
		return "", err
	}
	c.bearerToken = token
	c.tokenExpiry = expiry
	return token, nil
}

// SubmitFact submits one fact to a stream and returns the service's receipt.
// contentKey holds the fields that define the fact's identity for
// deduplication: two submissions with the same fact type and content key land
// on the same ledger entry.
//
// Every service verdict — accepted, duplicate, rejected, unavailable — comes
// back as a Receipt with a nil error; the error path is reserved for
// transport failures, authentication failures, and malformed requests.
func (c *Client) SubmitFact(ctx context.Context, streamID, factType string, payload, contentKey map[string]any) (*Receipt, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain submit token: %w", err)
	}

	reqBody, err := json.Marshal(map[string]any{
		"fact_type":   factType,
		"payload":     payload,
		"content_key": contentKey,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/streams/%s/facts", c.base, streamID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	status, body, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusCreated, http.StatusOK, http.StatusUnprocessableEntity, http.StatusServiceUnavailable:
		var rcpt Receipt
		if err := json.Unmarshal(body, &rcpt); err != nil {
			return nil, fmt.Errorf("decode receipt: %w", err)
		}
		return &rcpt, nil
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("unauthorized: %s", string(body))
	default:
		return nil, fmt.Errorf("submit failed with HTTP %d: %s", status, string(body))
	}
}

// Head returns the current tip of a stream.
func (c *Client) Head(ctx context.Context, streamID string) (*Head, error) {
	url := fmt.Sprintf("%s/api/v1/streams/%s", c.base, streamID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var head Head
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &head, nil
}

// GetEntry fetches a single ledger entry by sequence number.
// Returns ErrNotFound when no such entry exists.
func (c *Client) GetEntry(ctx context.Context, streamID string, seq uint64) (*Entry, error) {
	url := fmt.Sprintf("%s/api/v1/streams/%s/entries/%d", c.base, streamID, seq)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &entry, nil
}

// Entries lists one page of a stream in sequence order. The returned next
// value is the sequence to resume from, or 0 when the listing is complete.
func (c *Client) Entries(ctx context.Context, streamID string, opts ScanOptions) ([]Entry, uint64, error) {
	q := url.Values{}
	if opts.From > 0 {
		q.Set("from", strconv.FormatUint(opts.From, 10))
	}
	if opts.To > 0 {
		q.Set("to", strconv.FormatUint(opts.To, 10))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.FormatUint(opts.Limit, 10))
	}
	if opts.FactType != "" {
		q.Set("type", opts.FactType)
	}

	target := fmt.Sprintf("%s/api/v1/streams/%s/entries", c.base, streamID)
	if encoded := q.Encode(); encoded != "" {
		target += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, 0, err
	}

	var page struct {
		Entries []Entry `json:"entries"`
		Next    uint64  `json:"next"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, 0, fmt.Errorf("decode response: %w", err)
	}
	return page.Entries, page.Next, nil
}

// ScanAll walks a stream from the given sequence to its tip, invoking fn for
// every entry in order. It pages through Entries internally; fn returning an
// error stops the walk.
func (c *Client) ScanAll(ctx context.Context, streamID string, from uint64, fn func(Entry) error) error {
	if from == 0 {
		from = 1
	}
	for {
		entries, next, err := c.Entries(ctx, streamID, ScanOptions{From: from})
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := fn(e); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		from = next
	}
}

// VerifyChain asks the service to recompute hashes, linkage, and signatures
// over a range of a stream. from of 0 defaults to 1; to of 0 means the tip.
func (c *Client) VerifyChain(ctx context.Context, streamID string, from, to uint64) (*VerifyResult, error) {
	q := url.Values{}
	if from > 0 {
		q.Set("from", strconv.FormatUint(from, 10))
	}
	if to > 0 {
		q.Set("to", strconv.FormatUint(to, 10))
	}

	target := fmt.Sprintf("%s/api/v1/streams/%s/verify", c.base, streamID)
	if encoded := q.Encode(); encoded != "" {
		target += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var result VerifyResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// Replay folds a range of a stream through a named built-in projector
// ("type_count" or "current_state") and returns the derived state.
func (c *Client) Replay(ctx context.Context, streamID string, replay ReplayRequest) (*ReplayResult, error) {
	reqBody, err := json.Marshal(replay)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/streams/%s/replay", c.base, streamID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var result ReplayResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// do executes an HTTP request, attaching the Bearer token if present.
func (c *Client) do(req *http.Request) ([]byte, error) {
	c.mu.Lock()
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("unauthorized: %s", string(body))
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// doStatusBody is a lower-level HTTP call that returns (statusCode, body, error)
// without failing on 4xx responses. The caller interprets the status code.
func (c *Client) doStatusBody(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}
